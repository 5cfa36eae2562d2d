// internal/browsertype/webkit.go
package browsertype

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/transport"
	"github.com/xkilldash9x/driveline/internal/webkit"
)

// WebKit launches the WebKit MiniBrowser over the inspector pipe.
type WebKit struct{}

func (WebKit) Name() string       { return "webkit" }
func (WebKit) SupportsPipe() bool { return true }

func (WebKit) ExecutablePath(opts *LaunchOptions) (string, error) {
	if opts.ExecutablePath != "" {
		return opts.ExecutablePath, nil
	}
	if opts.Channel != "" {
		return "", fmt.Errorf("webkit has no channel %q", opts.Channel)
	}
	return lookExecutable("webkit", "pw_run.sh", "MiniBrowser")
}

func (WebKit) DefaultArgs(opts *LaunchOptions, userDataDir string, persistent, pipe bool) ([]string, error) {
	if !pipe {
		return nil, errors.New("webkit can only be driven over the inspector pipe")
	}
	if err := checkArgs(opts.Args, map[string]string{
		"--user-data-dir":  fmt.Sprintf(userDataDirMisuse, "--user-data-dir"),
		"--inspector-pipe": "the remote debugging connection is managed by the launcher",
	}); err != nil {
		return nil, err
	}

	args := []string{"--inspector-pipe"}
	if opts.Headless {
		args = append(args, "--headless")
	}
	if persistent {
		args = append(args, "--user-data-dir="+userDataDir)
	} else {
		args = append(args, "--no-startup-window")
	}
	if p := opts.proxy; p != nil && runtime.GOOS == "linux" {
		args = append(args, "--proxy="+p.Server)
		if p.Bypass != "" {
			args = append(args, "--ignore-host="+p.Bypass)
		}
	}
	if persistent {
		args = append(args, "about:blank")
	}
	return args, nil
}

func (WebKit) AmendEnvironment(env []string, userDataDir string, persistent bool) ([]string, error) {
	if runtime.GOOS == "windows" && persistent {
		return append(env, "CURL_COOKIE_JAR_PATH="+filepath.Join(userDataDir, "cookiejar.db")), nil
	}
	return env, nil
}

func (WebKit) ConnectToTransport(ctx context.Context, t transport.Transport, opts browser.Options) (browser.Browser, error) {
	b, err := webkit.Connect(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (WebKit) AttemptToGracefullyClose(t transport.Transport) error {
	return sendClose(t, webkit.CloseMethod)
}

func (WebKit) RewriteStartupLog(err error) error {
	return rewriteLogs(err, func(logs string) (string, bool) {
		if strings.Contains(logs, "Failed to open display") || strings.Contains(logs, "cannot open display") {
			return noXServerMessage, true
		}
		return "", false
	})
}

// ReadyState is nil: WebKit has no web socket endpoint to wait for.
func (WebKit) ReadyState(*LaunchOptions, string) ReadyState { return nil }
