// internal/progress/progress.go
package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle of a single Progress scope.
type State int

const (
	StateBefore State = iota
	StateRunning
	StateAborted
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateBefore:
		return "before"
	case StateRunning:
		return "running"
	case StateAborted:
		return "aborted"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// NoDeadline is what TimeUntilDeadline reports for an unbounded scope.
const NoDeadline = time.Duration(math.MaxInt64)

// ErrProgressReused is returned when Run is called twice on the same Controller.
var ErrProgressReused = errors.New("progress controller has already been used")

// Controller scopes one logical operation: a deadline, an abort signal and an
// ordered cleanup stack. A Controller runs exactly one task.
type Controller struct {
	id      string
	logger  *zap.Logger
	logName string

	mu       sync.Mutex
	state    State
	deadline time.Time
	cleanups []func()
	logs     []string
	abortErr error
	aborted  chan struct{}
	cancel   context.CancelFunc
}

// NewController creates a controller in the Before state.
func NewController(logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		id:      uuid.NewString(),
		logger:  logger.Named("progress"),
		logName: "api",
		aborted: make(chan struct{}),
	}
}

// SetLogName labels the operation in logs and timeout messages.
func (c *Controller) SetLogName(name string) {
	c.mu.Lock()
	c.logName = name
	c.mu.Unlock()
}

// ID returns the unique id of this operation.
func (c *Controller) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Logs returns a copy of everything recorded through Progress.Log.
func (c *Controller) Logs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.logs))
	copy(out, c.logs)
	return out
}

// Run executes task inside a Progress scope and returns its result, or fails as
// soon as the task fails, the timeout elapses or ctx is cancelled, whichever
// comes first. A zero timeout means no deadline.
func (c *Controller) Run(ctx context.Context, timeout time.Duration, task func(p *Progress) error) error {
	_, err := Run(ctx, c, timeout, func(p *Progress) (struct{}, error) {
		return struct{}{}, task(p)
	})
	return err
}

// Run is the generic form of Controller.Run.
func Run[T any](ctx context.Context, c *Controller, timeout time.Duration, task func(p *Progress) (T, error)) (T, error) {
	var zero T

	c.mu.Lock()
	if c.state != StateBefore {
		c.mu.Unlock()
		return zero, ErrProgressReused
	}
	c.state = StateRunning
	var scopeCtx context.Context
	if timeout > 0 {
		c.deadline = time.Now().Add(timeout)
		scopeCtx, c.cancel = context.WithDeadline(ctx, c.deadline)
	} else {
		scopeCtx, c.cancel = context.WithCancel(ctx)
	}
	logName := c.logName
	c.mu.Unlock()

	c.logger.Debug("Progress started.", zap.String("op", logName), zap.String("op_id", c.id), zap.Duration("timeout", timeout))

	p := &Progress{c: c, ctx: scopeCtx}

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic in %s: %v", logName, r)}
			}
		}()
		v, err := task(p)
		done <- outcome{value: v, err: err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case out := <-done:
		if out.err != nil {
			return zero, c.abort(out.err)
		}
		c.finish()
		return out.value, nil
	case <-timer:
		return zero, c.abort(&TimeoutError{Operation: logName, Timeout: timeout})
	case <-ctx.Done():
		return zero, c.abort(&AbortedError{Cause: context.Cause(ctx)})
	}
}

// abort moves the scope to its terminal Aborted state, runs every registered
// cleanup (newest first) and returns err with the recorded logs attached.
func (c *Controller) abort(err error) error {
	c.mu.Lock()
	if c.state != StateRunning {
		logs := append([]string(nil), c.logs...)
		c.mu.Unlock()
		return attachLogs(err, logs)
	}
	c.state = StateAborted
	c.abortErr = err
	close(c.aborted)
	cleanups := c.cleanups
	c.cleanups = nil
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	for i := len(cleanups) - 1; i >= 0; i-- {
		c.runCleanup(cleanups[i])
	}
	c.logger.Debug("Progress aborted.", zap.String("op_id", c.id), zap.Error(err))
	return attachLogs(err, c.Logs())
}

func (c *Controller) finish() {
	c.mu.Lock()
	c.state = StateFinished
	c.cleanups = nil
	cancel := c.cancel
	c.mu.Unlock()
	cancel()
}

func (c *Controller) runCleanup(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Cleanup panicked.", zap.String("op_id", c.id), zap.Any("panic", r))
		}
	}()
	fn()
}

func (c *Controller) abortedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &AbortedError{Cause: c.abortErr}
}

// Progress is the handle a task uses to cooperate with its scope.
type Progress struct {
	c   *Controller
	ctx context.Context
}

// Context is cancelled when the scope reaches a terminal state.
func (p *Progress) Context() context.Context { return p.ctx }

// Aborted is closed when the scope is aborted.
func (p *Progress) Aborted() <-chan struct{} { return p.c.aborted }

// Log records a line that is attached to the error if the operation fails.
func (p *Progress) Log(message string) {
	p.c.mu.Lock()
	p.c.logs = append(p.c.logs, message)
	logName := p.c.logName
	p.c.mu.Unlock()
	p.c.logger.Debug(message, zap.String("op", logName))
}

// CleanupWhenAborted registers fn to run once if the scope aborts. When the
// scope is already aborted fn runs immediately; when it already finished
// successfully fn is dropped.
func (p *Progress) CleanupWhenAborted(fn func()) {
	p.c.mu.Lock()
	switch p.c.state {
	case StateAborted:
		p.c.mu.Unlock()
		p.c.runCleanup(fn)
		return
	case StateFinished:
		p.c.mu.Unlock()
		return
	}
	p.c.cleanups = append(p.c.cleanups, fn)
	p.c.mu.Unlock()
}

// ThrowIfAborted returns an *AbortedError once the scope has aborted.
func (p *Progress) ThrowIfAborted() error {
	select {
	case <-p.c.aborted:
		return p.c.abortedError()
	default:
		return nil
	}
}

// Deadline returns the scope deadline, if any.
func (p *Progress) Deadline() (time.Time, bool) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.c.deadline, !p.c.deadline.IsZero()
}

// TimeUntilDeadline is never negative; it is NoDeadline for unbounded scopes.
func (p *Progress) TimeUntilDeadline() time.Duration {
	deadline, ok := p.Deadline()
	if !ok {
		return NoDeadline
	}
	if left := time.Until(deadline); left > 0 {
		return left
	}
	return 0
}

// Race runs fn and returns its result, unless the scope aborts first. In that
// case the pending call is abandoned and its eventual result discarded; the
// underlying I/O is not cancelled.
func Race[T any](p *Progress, fn func() (T, error)) (T, error) {
	var zero T
	if err := p.ThrowIfAborted(); err != nil {
		return zero, err
	}
	type outcome struct {
		value T
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn()
		ch <- outcome{value: v, err: err}
	}()
	select {
	case out := <-ch:
		return out.value, out.err
	case <-p.c.aborted:
		return zero, p.c.abortedError()
	}
}

// RaceErr is Race for calls that only return an error.
func RaceErr(p *Progress, fn func() error) error {
	_, err := Race(p, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// Wait blocks until ch is closed (or receives) or the scope aborts.
func Wait[T any](p *Progress, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-p.c.aborted:
		return zero, p.c.abortedError()
	}
}
