//go:build !windows

// internal/browsertype/browsertype_unix_test.go
package browsertype

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/driveline/internal/launcher"
	"github.com/xkilldash9x/driveline/internal/progress"
)

func TestLaunch_ExternalKillIsLaunchError(t *testing.T) {
	logger, logs := observedLogger()
	registry := launcher.NewShutdownRegistry(logger)
	bt := New(Chromium{}, registry, logger)
	opts := fakeOptions(t, "hang")
	opts.UseWebSocket = true

	errs := make(chan error, 1)
	go func() {
		_, err := bt.Launch(context.Background(), opts)
		errs <- err
	}()

	var pid int
	require.Eventually(t, func() bool {
		started := logs.FilterMessage("Browser process started.").All()
		if len(started) == 0 {
			return false
		}
		n, err := strconv.Atoi(fmt.Sprint(started[0].ContextMap()["pid"]))
		if err != nil {
			return false
		}
		pid = n
		return true
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

	var err error
	select {
	case err = <-errs:
	case <-time.After(10 * time.Second):
		t.Fatal("launch did not notice the browser was killed")
	}
	require.Error(t, err)
	var le *launcher.LaunchError
	require.ErrorAs(t, err, &le)
	assert.False(t, progress.IsTimeout(err))
	assert.False(t, errors.Is(err, context.Canceled))
	require.Eventually(t, func() bool { return registry.Len() == 0 }, 10*time.Second, 10*time.Millisecond)
}
