// internal/browsertype/browsertype.go
package browsertype

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/launcher"
	"github.com/xkilldash9x/driveline/internal/observability"
	"github.com/xkilldash9x/driveline/internal/progress"
	"github.com/xkilldash9x/driveline/internal/protocol"
	"github.com/xkilldash9x/driveline/internal/transport"
)

// glibcRace is printed by the dynamic loader when it loses a known race with
// a concurrently starting process. A second attempt succeeds.
const glibcRace = "Inconsistency detected by ld.so"

// LaunchState is a step of a launch attempt.
type LaunchState int

const (
	StateValidating LaunchState = iota
	StatePreparingArtifacts
	StateSpawning
	StateAwaitingReadySignal
	StateConnectingTransport
	StateConnected
	StateFailed
)

func (s LaunchState) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StatePreparingArtifacts:
		return "preparing artifacts"
	case StateSpawning:
		return "spawning"
	case StateAwaitingReadySignal:
		return "awaiting ready signal"
	case StateConnectingTransport:
		return "connecting transport"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("LaunchState(%d)", int(s))
}

// Option configures a BrowserType.
type Option func(*BrowserType)

// WithProtocolLogging logs the wire traffic of browsers obtained through
// Connect. Launched browsers follow LaunchOptions.ProtocolLogging.
func WithProtocolLogging(enabled bool) Option {
	return func(bt *BrowserType) { bt.protocolLogging = enabled }
}

// BrowserType launches and connects browsers of one engine.
type BrowserType struct {
	engine          Engine
	registry        *launcher.ShutdownRegistry
	logger          *zap.Logger
	protocolLogging bool
}

// New creates a BrowserType. Every process it spawns is registered with
// registry, which may be nil when no signal handling is wanted.
func New(engine Engine, registry *launcher.ShutdownRegistry, logger *zap.Logger, opts ...Option) *BrowserType {
	if logger == nil {
		logger = zap.NewNop()
	}
	bt := &BrowserType{
		engine:   engine,
		registry: registry,
		logger:   logger.Named("browser_type").With(zap.String("engine", engine.Name())),
	}
	for _, opt := range opts {
		opt(bt)
	}
	return bt
}

// Name is the engine name.
func (bt *BrowserType) Name() string { return bt.engine.Name() }

// Launch starts a browser with a throwaway profile.
func (bt *BrowserType) Launch(ctx context.Context, opts LaunchOptions) (browser.Browser, error) {
	return bt.launch(ctx, opts, "")
}

// LaunchPersistentContext starts a browser on the profile in userDataDir,
// creating the directory when it does not exist yet.
func (bt *BrowserType) LaunchPersistentContext(ctx context.Context, userDataDir string, opts LaunchOptions) (browser.Browser, error) {
	if userDataDir == "" {
		return nil, errors.New("a user data directory is required for a persistent context")
	}
	dir, err := absPath(userDataDir)
	if err != nil {
		return nil, fmt.Errorf("invalid user data directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create user data directory: %w", err)
	}
	return bt.launch(ctx, opts, dir)
}

// Connect attaches to a browser that is already running and listening on
// endpoint. Closing the returned browser only drops the connection.
func (bt *BrowserType) Connect(ctx context.Context, endpoint string, timeout time.Duration) (browser.Browser, error) {
	c := progress.NewController(bt.logger)
	c.SetLogName(bt.engine.Name() + ".connect")
	return progress.Run(ctx, c, timeout, func(p *progress.Progress) (browser.Browser, error) {
		ws, err := transport.ConnectWebSocket(p, endpoint, nil, bt.logger)
		if err != nil {
			return nil, err
		}
		opts := browser.Options{
			Name:           bt.engine.Name(),
			Headful:        true,
			WSEndpoint:     endpoint,
			ProtocolLogger: observability.NewProtocolLogger(bt.logger, bt.protocolLogging),
			Logger:         bt.logger,
		}
		b, err := progress.Race(p, func() (browser.Browser, error) {
			return bt.engine.ConnectToTransport(p.Context(), ws, opts)
		})
		if err != nil {
			ws.Close()
			return nil, err
		}
		bt.logger.Info("Connected to browser.", zap.String("endpoint", endpoint), zap.String("version", b.Version()))
		return b, nil
	})
}

func (bt *BrowserType) launch(ctx context.Context, opts LaunchOptions, userDataDir string) (browser.Browser, error) {
	c := progress.NewController(bt.logger)
	c.SetLogName(bt.engine.Name() + ".launch")
	b, err := progress.Run(ctx, c, opts.Timeout, func(p *progress.Progress) (browser.Browser, error) {
		b, err := bt.launchOnce(p, opts, userDataDir)
		if err != nil && strings.Contains(err.Error(), glibcRace) {
			p.Log("<restarting browser due to hitting race condition in glibc>")
			b, err = bt.launchOnce(p, opts, userDataDir)
		}
		return b, err
	})
	if err != nil {
		bt.logger.Warn("Browser launch failed.", zap.Error(err))
		return nil, bt.engine.RewriteStartupLog(err)
	}
	return b, nil
}

func (bt *BrowserType) setState(p *progress.Progress, s LaunchState) {
	p.Log(fmt.Sprintf("<%s>", s))
}

// launchOnce is a single attempt. Temp directories belong to the attempt
// until the spawn, and to the launcher afterwards.
func (bt *BrowserType) launchOnce(p *progress.Progress, raw LaunchOptions, userDataDir string) (_ browser.Browser, err error) {
	engine := bt.engine
	defer func() {
		if err != nil {
			bt.setState(p, StateFailed)
		}
	}()

	// 1. Validate and normalize.
	bt.setState(p, StateValidating)
	opts, err := raw.normalized()
	if err != nil {
		return nil, err
	}
	persistent := userDataDir != ""
	pipe := opts.usePipe(engine)
	executable, err := engine.ExecutablePath(&opts)
	if err != nil {
		return nil, &launcher.LaunchError{Err: err}
	}

	// 2. Artifacts and profile.
	bt.setState(p, StatePreparingArtifacts)
	var tempDirs []string
	handedOff := false
	defer func() {
		if !handedOff {
			for _, dir := range tempDirs {
				os.RemoveAll(dir)
			}
		}
	}()
	artifactsDir, err := os.MkdirTemp("", "driveline-artifacts-")
	if err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	tempDirs = append(tempDirs, artifactsDir)
	downloadsPath, tracesDir := artifactsDir, artifactsDir
	if opts.DownloadsPath != "" {
		if err := os.MkdirAll(opts.DownloadsPath, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create downloads directory: %w", err)
		}
		downloadsPath = opts.DownloadsPath
	}
	if opts.TracesDir != "" {
		if err := os.MkdirAll(opts.TracesDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create traces directory: %w", err)
		}
		tracesDir = opts.TracesDir
	}
	profileDir := userDataDir
	if !persistent {
		if profileDir, err = os.MkdirTemp("", fmt.Sprintf("driveline_%sdev_profile-", engine.Name())); err != nil {
			return nil, fmt.Errorf("failed to create profile directory: %w", err)
		}
		tempDirs = append(tempDirs, profileDir)
	}
	if prep, ok := engine.(profilePreparer); ok {
		if err := prep.PrepareProfile(profileDir, &opts, pipe); err != nil {
			return nil, err
		}
	}

	// 3. Spawn.
	bt.setState(p, StateSpawning)
	defaults, err := engine.DefaultArgs(&opts, profileDir, persistent, pipe)
	if err != nil {
		return nil, err
	}
	args := buildArgs(defaults, &opts)
	env, err := engine.AmendEnvironment(buildEnv(os.Environ(), opts.Env), profileDir, persistent)
	if err != nil {
		return nil, err
	}
	var ready ReadyState
	if !pipe {
		if ready = engine.ReadyState(&opts, profileDir); ready == nil {
			return nil, fmt.Errorf("%s cannot be reached without the pipe", engine.Name())
		}
	}

	browserLogs := observability.NewRecentLogs(0)
	bproc := browser.NewProcess()
	exited := make(chan struct{})
	var launching atomic.Bool
	launching.Store(true)

	var trMu sync.Mutex
	var tr transport.Transport
	stdio := launcher.StdioDefault
	if pipe {
		stdio = launcher.StdioPipe
	}

	handedOff = true
	proc, err := launcher.Launch(p.Context(), launcher.Options{
		Command:         executable,
		Args:            args,
		Env:             env,
		Stdio:           stdio,
		HandleSIGINT:    opts.HandleSIGINT,
		HandleSIGTERM:   opts.HandleSIGTERM,
		HandleSIGHUP:    opts.HandleSIGHUP,
		TempDirectories: tempDirs,
		AttemptToGracefullyClose: func(context.Context) error {
			trMu.Lock()
			t := tr
			trMu.Unlock()
			if t == nil {
				return errors.New("no connection to ask the browser to close")
			}
			return engine.AttemptToGracefullyClose(t)
		},
		OnExit: func(exitCode int, signal string) {
			close(exited)
			bproc.DidExit(exitCode, signal)
		},
		Log: func(line string) {
			browserLogs.Append(line)
			if ready != nil {
				ready.OnOutput(line)
			}
			if launching.Load() {
				p.Log(line)
			}
		},
		CloseTimeout: opts.CloseTimeout,
		Registry:     bt.registry,
		Logger:       bt.logger,
	})
	if err != nil {
		return nil, err
	}
	bproc.Attach(proc)
	p.CleanupWhenAborted(func() { proc.Kill() })

	// fail kills what is left of the process so its final output is in the
	// logs. A browser that went away on its own, or was killed by someone
	// else, is a launch failure.
	fail := func(err error) (browser.Browser, error) {
		proc.Kill()
		if _, signal := proc.ExitStatus(); proc.Killed() && signal == "SIGKILL" {
			return nil, err
		}
		var pe *protocol.ProtocolError
		if !errors.As(err, &pe) {
			pe = &protocol.ProtocolError{Type: protocol.ErrorTypeClosed, Message: err.Error()}
			err = pe
		}
		pe.Logs = browserLogs.String()
		return nil, &launcher.LaunchError{Executable: executable, Err: err}
	}

	// 4. Wait for the endpoint.
	var endpoint string
	if !pipe {
		bt.setState(p, StateAwaitingReadySignal)
		if endpoint, err = ready.WaitForEndpoint(p, exited); err != nil {
			return fail(err)
		}
	}

	// 5. Open the transport and run the engine handshake.
	bt.setState(p, StateConnectingTransport)
	var t transport.Transport
	if pipe {
		t = transport.NewPipeTransport(proc.PipeWriter(), proc.PipeReader(), bt.logger)
	} else {
		ws, err := transport.ConnectWebSocket(p, endpoint, nil, bt.logger)
		if err != nil {
			return fail(err)
		}
		t = ws
	}
	trMu.Lock()
	tr = t
	trMu.Unlock()

	bopts := browser.Options{
		Name:           engine.Name(),
		Headful:        !opts.Headless,
		Persistent:     persistent,
		DownloadsPath:  downloadsPath,
		TracesDir:      tracesDir,
		Proxy:          opts.proxy,
		Process:        bproc,
		ProtocolLogger: observability.NewProtocolLogger(bt.logger, opts.ProtocolLogging),
		BrowserLogs:    browserLogs,
		WSEndpoint:     endpoint,
		Logger:         bt.logger,
	}
	b, err := progress.Race(p, func() (browser.Browser, error) {
		return engine.ConnectToTransport(p.Context(), t, bopts)
	})
	if err != nil {
		return fail(err)
	}
	launching.Store(false)
	bt.setState(p, StateConnected)
	bt.logger.Info("Browser launched.",
		zap.Int("pid", proc.PID()),
		zap.String("version", b.Version()),
		zap.Bool("persistent", persistent),
		zap.String("ws_endpoint", endpoint),
	)
	return b, nil
}
