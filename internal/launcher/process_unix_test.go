//go:build !windows

// internal/launcher/process_unix_test.go
package launcher

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestProcess_ExternalKillIsNotOurs(t *testing.T) {
	exe, args := fakeBrowser(t, "hang")
	sink := &logSink{}

	p, err := Launch(context.Background(), Options{
		Command: exe,
		Args:    args,
		Env:     os.Environ(),
		Log:     sink.Log,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	sink.WaitFor(t, "[err] ready")

	require.NoError(t, syscall.Kill(p.PID(), syscall.SIGKILL))
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after an external SIGKILL")
	}
	_, sig := p.ExitStatus()
	assert.Equal(t, "SIGKILL", sig)
	assert.False(t, p.Killed())

	// Killing a process that is already gone does not claim the kill.
	require.NoError(t, p.Kill())
	assert.False(t, p.Killed())
}
