// internal/launcher/options.go
package launcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultCloseTimeout bounds a graceful close before it escalates to a kill.
const DefaultCloseTimeout = 20 * time.Second

// Stdio selects how the child's file descriptors are wired.
type Stdio int

const (
	// StdioDefault captures stdout and stderr only.
	StdioDefault Stdio = iota
	// StdioPipe additionally exposes fd 3 (browser reads) and fd 4 (browser
	// writes) for the pipe transport.
	StdioPipe
)

// Options describes one process to spawn.
type Options struct {
	Command string
	Args    []string
	// Env is the complete environment in KEY=VALUE form. Nil inherits ours.
	Env []string
	Cwd string

	Stdio Stdio

	HandleSIGINT  bool
	HandleSIGTERM bool
	HandleSIGHUP  bool

	// TempDirectories are removed exactly once, after the process exits.
	TempDirectories []string

	// AttemptToGracefullyClose asks the browser to shut down, usually by
	// sending a protocol close message. A nil hook means close is a kill.
	AttemptToGracefullyClose func(ctx context.Context) error
	// OnExit observes the exit before temp directories are removed.
	OnExit func(exitCode int, signal string)
	// Log receives every output line and lifecycle marker.
	Log func(line string)

	CloseTimeout time.Duration

	// Registry receives the process so OS signals can shut it down. Optional.
	Registry *ShutdownRegistry
	Logger   *zap.Logger
}

// LaunchError means no browser process could be brought up.
type LaunchError struct {
	Executable string
	Err        error
}

func (e *LaunchError) Error() string {
	if e.Executable == "" {
		return fmt.Sprintf("Failed to launch: %v", e.Err)
	}
	return fmt.Sprintf("Failed to launch %s: %v", e.Executable, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
