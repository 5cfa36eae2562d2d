// internal/browsertype/browsertype_test.go
package browsertype

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/launcher"
	"github.com/xkilldash9x/driveline/internal/progress"
	"github.com/xkilldash9x/driveline/internal/protocol"
)

func newTestType(t *testing.T, engine Engine) (*BrowserType, *launcher.ShutdownRegistry) {
	t.Helper()
	logger, _ := observedLogger()
	registry := launcher.NewShutdownRegistry(logger)
	return New(engine, registry, logger), registry
}

func closeBrowser(t *testing.T, b browser.Browser) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
}

func assertGone(t *testing.T, dir string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return errors.Is(err, os.ErrNotExist)
	}, 10*time.Second, 10*time.Millisecond, "%s should be removed", dir)
}

func TestLaunch_ChromiumOverPipe(t *testing.T) {
	skipOnWindows(t)
	bt, registry := newTestType(t, Chromium{})

	b, err := bt.Launch(context.Background(), fakeOptions(t, "pipe"))
	require.NoError(t, err)
	assert.Equal(t, "chromium", b.Name())
	assert.Equal(t, "120.0.6099.28", b.Version())
	assert.True(t, b.IsConnected())
	assert.Equal(t, 1, registry.Len())

	opts := b.Options()
	require.NotNil(t, opts.Process)
	assert.NotZero(t, opts.Process.PID())
	assert.Empty(t, opts.WSEndpoint)
	assert.False(t, opts.Headful)

	args := launchedArgs(opts.BrowserLogs.Lines())
	assert.Contains(t, args, "--remote-debugging-pipe")
	assert.Contains(t, args, "--headless")
	assert.Contains(t, args, "--no-sandbox")
	assert.Contains(t, args, "--no-startup-window")
	assert.NotContains(t, args, "about:blank")
	profile := argWithPrefix(args, "--user-data-dir=")
	assert.True(t, strings.HasPrefix(filepath.Base(profile), "driveline_chromiumdev_profile-"), profile)
	assert.True(t, strings.HasPrefix(filepath.Base(opts.DownloadsPath), "driveline-artifacts-"), opts.DownloadsPath)
	assert.DirExists(t, profile)

	closeBrowser(t, b)
	assert.False(t, b.IsConnected())
	assertGone(t, profile)
	assertGone(t, opts.DownloadsPath)
	require.Eventually(t, func() bool { return registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, opts.Process.Exited())
}

func TestLaunch_ChromiumEndpointFromOutput(t *testing.T) {
	skipOnWindows(t)
	bt, _ := newTestType(t, Chromium{})
	opts := fakeOptions(t, "ws")
	opts.UseWebSocket = true

	b, err := bt.Launch(context.Background(), opts)
	require.NoError(t, err)
	endpoint := b.Options().WSEndpoint
	assert.True(t, strings.HasPrefix(endpoint, "ws://127.0.0.1:"), endpoint)
	assert.True(t, strings.HasSuffix(endpoint, fakeBrowserPath), endpoint)
	assert.Equal(t, "120.0.6099.28", b.Version())

	args := launchedArgs(b.Options().BrowserLogs.Lines())
	assert.Contains(t, args, "--remote-debugging-port=0")
	assert.NotContains(t, args, "--remote-debugging-pipe")
	closeBrowser(t, b)
}

func TestLaunch_ChromiumEndpointFromPortFile(t *testing.T) {
	skipOnWindows(t)
	bt, _ := newTestType(t, Chromium{})
	opts := fakeOptions(t, "portfile")
	opts.UseWebSocket = true

	b, err := bt.Launch(context.Background(), opts)
	require.NoError(t, err)
	endpoint := b.Options().WSEndpoint
	assert.True(t, strings.HasPrefix(endpoint, "ws://127.0.0.1:"), endpoint)
	assert.True(t, strings.HasSuffix(endpoint, fakeBrowserPath), endpoint)
	closeBrowser(t, b)
}

func TestLaunchPersistentContext(t *testing.T) {
	skipOnWindows(t)
	bt, _ := newTestType(t, Chromium{})
	dir := filepath.Join(t.TempDir(), "profile")

	b, err := bt.LaunchPersistentContext(context.Background(), dir, fakeOptions(t, "pipe"))
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	assert.True(t, b.Options().Persistent)

	args := launchedArgs(b.Options().BrowserLogs.Lines())
	assert.Equal(t, dir, argWithPrefix(args, "--user-data-dir="))
	assert.Equal(t, "about:blank", args[len(args)-1])

	closeBrowser(t, b)
	assert.DirExists(t, dir)
}

func TestLaunch_FirefoxOverPipe(t *testing.T) {
	skipOnWindows(t)
	bt, _ := newTestType(t, Firefox{})
	opts := fakeOptions(t, "pipe")
	opts.Proxy = &ProxyOptions{Server: "proxy.test:3128"}

	b, err := bt.Launch(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "128.0", b.Version())
	assert.Equal(t, "http://proxy.test:3128", b.Options().Proxy.Server)

	args := launchedArgs(b.Options().BrowserLogs.Lines())
	assert.Contains(t, args, "-juggler-pipe")
	assert.Contains(t, args, "-headless")
	assert.Contains(t, args, "-silent")
	profile := argAfter(args, "-profile")
	assert.True(t, strings.HasPrefix(filepath.Base(profile), "driveline_firefoxdev_profile-"), profile)

	prefs, err := os.ReadFile(filepath.Join(profile, "user.js"))
	require.NoError(t, err)
	assert.Contains(t, string(prefs), `user_pref("network.proxy.http", "proxy.test");`)

	closeBrowser(t, b)
	assertGone(t, profile)
}

func TestLaunch_WebKitOverPipe(t *testing.T) {
	skipOnWindows(t)
	bt, _ := newTestType(t, WebKit{})

	b, err := bt.Launch(context.Background(), fakeOptions(t, "pipe"))
	require.NoError(t, err)
	assert.Equal(t, "webkit", b.Name())

	args := launchedArgs(b.Options().BrowserLogs.Lines())
	assert.Equal(t, []string{"--inspector-pipe", "--headless", "--no-startup-window"}, args)
	closeBrowser(t, b)
}

func TestLaunch_BiDiOverWebSocket(t *testing.T) {
	skipOnWindows(t)
	bt, _ := newTestType(t, BiDi{})

	b, err := bt.Launch(context.Background(), fakeOptions(t, "ws"))
	require.NoError(t, err)
	assert.Equal(t, "130.0", b.Version())
	assert.True(t, strings.HasSuffix(b.Options().WSEndpoint, "/session"), b.Options().WSEndpoint)
	closeBrowser(t, b)
}

func TestLaunch_RetriesGlibcRace(t *testing.T) {
	skipOnWindows(t)
	logger, logs := observedLogger()
	bt := New(Chromium{}, nil, logger)
	opts := fakeOptions(t, "ldso")
	marker := filepath.Join(t.TempDir(), "marker")
	opts.Env[fakeMarkerEnv] = marker

	b, err := bt.Launch(context.Background(), opts)
	require.NoError(t, err)
	assert.FileExists(t, marker)
	assert.Equal(t, 1, logs.FilterMessage("<restarting browser due to hitting race condition in glibc>").Len())
	closeBrowser(t, b)
}

func TestLaunch_EarlyExitIsLaunchError(t *testing.T) {
	skipOnWindows(t)
	bt, registry := newTestType(t, Chromium{})

	_, err := bt.Launch(context.Background(), fakeOptions(t, "sandbox"))
	require.Error(t, err)

	var le *launcher.LaunchError
	require.ErrorAs(t, err, &le)
	var pe *protocol.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.True(t, strings.HasPrefix(pe.Logs, "Chromium sandboxing failed!"), pe.Logs)
	assert.Contains(t, err.Error(), "<failed>")

	profile := argWithPrefix(strings.Fields(err.Error()), "--user-data-dir=")
	require.NotEmpty(t, profile)
	assertGone(t, profile)
	assert.Zero(t, registry.Len())
}

func TestLaunch_TimeoutKillsAndCleansUp(t *testing.T) {
	skipOnWindows(t)
	bt, registry := newTestType(t, Chromium{})
	opts := fakeOptions(t, "hang")
	opts.UseWebSocket = true
	opts.Timeout = 3 * time.Second

	_, err := bt.Launch(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, progress.IsTimeout(err))
	assert.Contains(t, err.Error(), "<awaiting ready signal>")

	profile := argWithPrefix(strings.Fields(err.Error()), "--user-data-dir=")
	require.NotEmpty(t, profile)
	assertGone(t, profile)
	require.Eventually(t, func() bool { return registry.Len() == 0 }, 10*time.Second, 10*time.Millisecond)
}

func TestLaunch_RejectsManagedArguments(t *testing.T) {
	bt, _ := newTestType(t, Chromium{})
	opts := fakeOptions(t, "pipe")
	opts.Args = []string{"--user-data-dir=/tmp/elsewhere"}

	_, err := bt.Launch(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LaunchPersistentContext")
	assert.NotContains(t, err.Error(), "<launching>")
}

func TestLaunch_MissingExecutable(t *testing.T) {
	bt, _ := newTestType(t, Chromium{})
	opts := fakeOptions(t, "pipe")
	opts.ExecutablePath = filepath.Join(t.TempDir(), "no-such-browser")

	_, err := bt.Launch(context.Background(), opts)
	var le *launcher.LaunchError
	require.ErrorAs(t, err, &le)
}

func TestLaunchPersistentContext_RequiresDirectory(t *testing.T) {
	bt, _ := newTestType(t, Chromium{})
	_, err := bt.LaunchPersistentContext(context.Background(), "", fakeOptions(t, "pipe"))
	assert.Error(t, err)
}

func TestConnect_ExistingBrowser(t *testing.T) {
	skipOnWindows(t)
	launched, _ := newTestType(t, Chromium{})
	opts := fakeOptions(t, "ws")
	opts.UseWebSocket = true
	owner, err := launched.Launch(context.Background(), opts)
	require.NoError(t, err)
	defer closeBrowser(t, owner)

	bt, _ := newTestType(t, Chromium{})
	b, err := bt.Connect(context.Background(), owner.Options().WSEndpoint, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "120.0.6099.28", b.Version())
	assert.Nil(t, b.Options().Process)

	// Closing a connected browser only drops the connection.
	closeBrowser(t, b)
	assert.True(t, owner.IsConnected())
}

func TestConnect_UnreachableEndpoint(t *testing.T) {
	bt, _ := newTestType(t, Chromium{})
	_, err := bt.Connect(context.Background(), "ws://127.0.0.1:1/devtools/browser/none", 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "<ws connect error>")
}
