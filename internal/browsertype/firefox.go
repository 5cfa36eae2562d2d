// internal/browsertype/firefox.go
package browsertype

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/firefox"
	"github.com/xkilldash9x/driveline/internal/transport"
)

// Firefox launches the Juggler-patched Firefox build.
type Firefox struct{}

func (Firefox) Name() string       { return "firefox" }
func (Firefox) SupportsPipe() bool { return true }

func (Firefox) ExecutablePath(opts *LaunchOptions) (string, error) {
	return firefoxExecutable(opts)
}

func firefoxExecutable(opts *LaunchOptions) (string, error) {
	if opts.ExecutablePath != "" {
		return opts.ExecutablePath, nil
	}
	switch opts.Channel {
	case "", "firefox":
		return lookExecutable("firefox", "firefox")
	case "firefox-beta":
		return lookExecutable("firefox-beta", "firefox-beta")
	case "firefox-nightly":
		return lookExecutable("firefox-nightly", "firefox-nightly")
	}
	return "", fmt.Errorf("unsupported firefox channel %q", opts.Channel)
}

// firefoxArgMisuse lists the arguments both Firefox flavours manage.
func firefoxArgMisuse(args []string) error {
	return checkArgs(args, map[string]string{
		"-profile":  fmt.Sprintf(userDataDirMisuse, "-profile"),
		"--profile": fmt.Sprintf(userDataDirMisuse, "--profile"),
		"-juggler":  "use the debugging port option instead of -juggler",
	})
}

func (Firefox) DefaultArgs(opts *LaunchOptions, userDataDir string, persistent, pipe bool) ([]string, error) {
	if err := firefoxArgMisuse(opts.Args); err != nil {
		return nil, err
	}
	args := []string{"-no-remote"}
	if opts.Headless {
		args = append(args, "-headless")
	} else {
		args = append(args, "-wait-for-browser", "-foreground")
	}
	args = append(args, "-profile", userDataDir)
	if pipe {
		args = append(args, "-juggler-pipe")
	} else {
		args = append(args, "-juggler", strconv.Itoa(opts.DebuggingPort))
	}
	if persistent {
		args = append(args, "about:blank")
	} else {
		args = append(args, "-silent")
	}
	return args, nil
}

// amendFirefoxEnvironment refuses a relative home directory and drops the
// snap variables that make Firefox re-exec itself.
func amendFirefoxEnvironment(env []string) ([]string, error) {
	home, ok := envValue(env, "HOME")
	if !ok || home == "" {
		var err error
		if home, err = homedir.Dir(); err != nil {
			return nil, fmt.Errorf("cannot determine the home directory: %w", err)
		}
	}
	if !filepath.IsAbs(home) {
		return nil, errors.New("cannot launch Firefox with a relative home directory; is HOME set to a relative path?")
	}
	return withoutEnv(env, "SNAP_NAME", "SNAP_INSTANCE_NAME"), nil
}

func (Firefox) AmendEnvironment(env []string, _ string, _ bool) ([]string, error) {
	return amendFirefoxEnvironment(env)
}

// PrepareProfile writes the proxy preferences into user.js so they apply
// before the first request.
func (Firefox) PrepareProfile(userDataDir string, opts *LaunchOptions, _ bool) error {
	return firefox.WriteProxyPrefs(userDataDir, opts.proxy)
}

func (Firefox) ConnectToTransport(ctx context.Context, t transport.Transport, opts browser.Options) (browser.Browser, error) {
	b, err := firefox.Connect(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (Firefox) AttemptToGracefullyClose(t transport.Transport) error {
	return sendClose(t, firefox.CloseMethod)
}

func rewriteFirefoxLogs(logs string) (string, bool) {
	switch {
	case strings.Contains(logs, "as root in a regular user's session is not supported."):
		return "Firefox is unable to launch if the $HOME folder isn't owned by the current user.\nWorkaround: set HOME=/root when running as root.", true
	case strings.Contains(logs, "no DISPLAY environment variable specified"):
		return noXServerMessage, true
	}
	return "", false
}

func (Firefox) RewriteStartupLog(err error) error {
	return rewriteLogs(err, rewriteFirefoxLogs)
}

func (Firefox) ReadyState(*LaunchOptions, string) ReadyState {
	return newLineReadyState(`Juggler listening on (ws://.*)`, "")
}
