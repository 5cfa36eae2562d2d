// internal/browser/process.go
package browser

import (
	"context"
	"sync"
)

// ProcessHandle is the part of a supervised OS process a browser needs.
// *launcher.Process implements it.
type ProcessHandle interface {
	PID() int
	Done() <-chan struct{}
	GracefullyClose(ctx context.Context) error
	Kill() error
}

// Process ties a browser to the OS process it runs in. It is created before
// the process is spawned so exit notifications can be wired into the launch
// options, and attached to the process handle once the spawn succeeds.
type Process struct {
	mu       sync.Mutex
	handle   ProcessHandle
	onClose  []func(exitCode int, signal string)
	exited   bool
	exitCode int
	signal   string
}

// NewProcess returns an unattached process.
func NewProcess() *Process { return &Process{} }

// Attach binds the spawned process. It must be called once, before Close or Kill.
func (p *Process) Attach(h ProcessHandle) {
	p.mu.Lock()
	p.handle = h
	p.mu.Unlock()
}

// DidExit is called by the launcher when the process is gone. Close listeners
// run once, in registration order.
func (p *Process) DidExit(exitCode int, signal string) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.exitCode, p.signal = exitCode, signal
	listeners := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(exitCode, signal)
	}
}

// OnClose registers fn to run when the process exits. If it already exited fn
// runs immediately.
func (p *Process) OnClose(fn func(exitCode int, signal string)) {
	p.mu.Lock()
	if p.exited {
		code, sig := p.exitCode, p.signal
		p.mu.Unlock()
		fn(code, sig)
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

// Exited reports whether DidExit was called.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// PID returns the OS pid, or 0 before Attach.
func (p *Process) PID() int {
	h := p.current()
	if h == nil {
		return 0
	}
	return h.PID()
}

// Close asks the browser to exit, escalating to a kill when ctx or the
// launcher's close timeout runs out.
func (p *Process) Close(ctx context.Context) error {
	h := p.current()
	if h == nil {
		return nil
	}
	return h.GracefullyClose(ctx)
}

// Kill force-stops the process and waits for it to exit.
func (p *Process) Kill() error {
	h := p.current()
	if h == nil {
		return nil
	}
	return h.Kill()
}

func (p *Process) current() ProcessHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}
