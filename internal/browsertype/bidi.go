// internal/browsertype/bidi.go
package browsertype

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/firefox"
	"github.com/xkilldash9x/driveline/internal/transport"
)

// BiDi launches stock Firefox and drives it over WebDriver BiDi.
type BiDi struct{}

func (BiDi) Name() string       { return "bidi" }
func (BiDi) SupportsPipe() bool { return false }

func (BiDi) ExecutablePath(opts *LaunchOptions) (string, error) {
	return firefoxExecutable(opts)
}

func (BiDi) DefaultArgs(opts *LaunchOptions, userDataDir string, persistent, _ bool) ([]string, error) {
	if err := firefoxArgMisuse(opts.Args); err != nil {
		return nil, err
	}
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", opts.DebuggingPort),
		"-no-remote",
	}
	if opts.Headless {
		args = append(args, "--headless")
	} else {
		args = append(args, "-wait-for-browser", "-foreground")
	}
	args = append(args, "--profile", userDataDir)
	if persistent {
		args = append(args, "about:blank")
	} else {
		args = append(args, "-silent")
	}
	return args, nil
}

func (BiDi) AmendEnvironment(env []string, _ string, _ bool) ([]string, error) {
	return amendFirefoxEnvironment(env)
}

func (BiDi) ConnectToTransport(ctx context.Context, t transport.Transport, opts browser.Options) (browser.Browser, error) {
	b, err := firefox.ConnectBiDi(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (BiDi) AttemptToGracefullyClose(t transport.Transport) error {
	return sendClose(t, firefox.BiDiCloseMethod)
}

func (BiDi) RewriteStartupLog(err error) error {
	return rewriteLogs(err, rewriteFirefoxLogs)
}

// ReadyState appends /session: the printed endpoint is the server root.
func (BiDi) ReadyState(*LaunchOptions, string) ReadyState {
	return newLineReadyState(`WebDriver BiDi listening on (ws://.*)`, "/session")
}
