// internal/browsertype/engine.go
package browsertype

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/protocol"
	"github.com/xkilldash9x/driveline/internal/transport"
)

// Engine is everything the orchestrator needs to know about one browser
// engine. The launch flow itself is engine-agnostic.
type Engine interface {
	Name() string
	// SupportsPipe reports whether the engine can be driven over fds 3/4.
	SupportsPipe() bool
	// ExecutablePath resolves the binary to spawn.
	ExecutablePath(opts *LaunchOptions) (string, error)
	// DefaultArgs builds the engine command line. It also rejects user
	// arguments that would fight with the ones it manages.
	DefaultArgs(opts *LaunchOptions, userDataDir string, persistent, pipe bool) ([]string, error)
	AmendEnvironment(env []string, userDataDir string, persistent bool) ([]string, error)
	// ConnectToTransport runs the engine handshake over an open transport.
	ConnectToTransport(ctx context.Context, t transport.Transport, opts browser.Options) (browser.Browser, error)
	// AttemptToGracefullyClose sends the engine's close request without
	// waiting for a reply.
	AttemptToGracefullyClose(t transport.Transport) error
	// RewriteStartupLog replaces the startup logs of a protocol error with a
	// friendlier explanation when a known failure is recognized.
	RewriteStartupLog(err error) error
	// ReadyState watches the process output for the web socket endpoint. It
	// is only consulted when the pipe is not used and may return nil when the
	// engine cannot be reached any other way.
	ReadyState(opts *LaunchOptions, userDataDir string) ReadyState
}

// profilePreparer is implemented by engines that seed the profile directory
// before the browser starts.
type profilePreparer interface {
	PrepareProfile(userDataDir string, opts *LaunchOptions, pipe bool) error
}

// ForName returns the engine registered under name.
func ForName(name string) (Engine, error) {
	switch strings.ToLower(name) {
	case "chromium", "chrome", "":
		return Chromium{}, nil
	case "webkit":
		return WebKit{}, nil
	case "firefox":
		return Firefox{}, nil
	case "bidi", "firefox-bidi":
		return BiDi{}, nil
	}
	return nil, fmt.Errorf("unknown browser engine %q", name)
}

// sendClose posts a fire-and-forget close request. Connections ignore the
// reply to BrowserCloseMessageID.
func sendClose(t transport.Transport, method string) error {
	return t.Send(&protocol.Message{
		ID:     protocol.BrowserCloseMessageID,
		Method: method,
		Params: []byte(`{}`),
	})
}

// lookExecutable returns the first candidate found on PATH.
func lookExecutable(engine string, candidates ...string) (string, error) {
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no %s executable found on PATH (tried %s); set browser.executable_path", engine, strings.Join(candidates, ", "))
}

// rewriteLogs applies rewrite to the logs of the first ProtocolError in the
// chain. Other errors are returned untouched.
func rewriteLogs(err error, rewrite func(logs string) (string, bool)) error {
	var pe *protocol.ProtocolError
	if !errors.As(err, &pe) {
		return err
	}
	if logs, ok := rewrite(pe.Logs); ok {
		pe.Logs = logs
	}
	return err
}

// checkArgs rejects arguments the engine manages itself.
func checkArgs(args []string, rules map[string]string) error {
	for _, arg := range args {
		for prefix, msg := range rules {
			if arg == prefix || strings.HasPrefix(arg, prefix+"=") {
				return errors.New(msg)
			}
		}
	}
	return nil
}

const noXServerMessage = `Looks like you launched a headed browser without having an X server running.
Set headless to true or run the launcher under xvfb-run.`

const userDataDirMisuse = "pass the profile directory to LaunchPersistentContext instead of specifying %s"
