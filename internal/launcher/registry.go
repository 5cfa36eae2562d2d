// internal/launcher/registry.go
package launcher

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// InterruptExitCode is the status the process exits with after an interrupt.
const InterruptExitCode = 130

// Handle is anything the registry can shut down.
type Handle interface {
	GracefullyClose(ctx context.Context) error
	Kill() error
}

// Signals lists the OS signals a registered handle wants handled.
type Signals struct {
	SIGINT  bool
	SIGTERM bool
	SIGHUP  bool
}

type registration struct {
	handle  Handle
	signals Signals
}

// RegistryOption configures a ShutdownRegistry.
type RegistryOption func(*ShutdownRegistry)

// WithExitFunc replaces os.Exit, for tests.
func WithExitFunc(exit func(code int)) RegistryOption {
	return func(r *ShutdownRegistry) { r.exit = exit }
}

// ShutdownRegistry tracks every live browser process so one OS signal can
// shut all of them down. It is created at program start, passed to every
// launch, and uninstalled at program end.
//
// A signal is only intercepted while at least one live process asked for it.
// The first SIGINT gracefully closes everything and then exits with 130; a
// second SIGINT kills everything immediately. SIGTERM and SIGHUP gracefully
// close everything without exiting.
type ShutdownRegistry struct {
	logger *zap.Logger
	exit   func(code int)

	mu          sync.Mutex
	entries     map[uint64]registration
	nextID      uint64
	installed   bool
	watching    map[os.Signal]bool
	sigCh       chan os.Signal
	stop        chan struct{}
	listenerWG  sync.WaitGroup
	interrupted bool
	exitOnce    sync.Once
}

// NewShutdownRegistry creates an uninstalled registry.
func NewShutdownRegistry(logger *zap.Logger, opts ...RegistryOption) *ShutdownRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ShutdownRegistry{
		logger:   logger.Named("shutdown"),
		exit:     os.Exit,
		entries:  make(map[uint64]registration),
		watching: make(map[os.Signal]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds h. The returned func removes it again and is safe to call
// more than once.
func (r *ShutdownRegistry) Register(h Handle, s Signals) (unregister func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries[id] = registration{handle: h, signals: s}
	r.updateSignalsLocked()
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.entries, id)
			r.updateSignalsLocked()
			r.mu.Unlock()
		})
	}
}

// Len reports how many handles are registered.
func (r *ShutdownRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Install starts the single OS signal listener.
func (r *ShutdownRegistry) Install() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installed {
		return
	}
	r.installed = true
	r.sigCh = make(chan os.Signal, 4)
	r.stop = make(chan struct{})
	r.updateSignalsLocked()

	sigCh, stop := r.sigCh, r.stop
	r.listenerWG.Add(1)
	go func() {
		defer r.listenerWG.Done()
		for {
			select {
			case sig := <-sigCh:
				r.handleSignal(sig)
			case <-stop:
				return
			}
		}
	}()
}

// Uninstall stops intercepting signals. Registered handles are kept.
func (r *ShutdownRegistry) Uninstall() {
	r.mu.Lock()
	if !r.installed {
		r.mu.Unlock()
		return
	}
	r.installed = false
	signal.Stop(r.sigCh)
	r.watching = make(map[os.Signal]bool)
	close(r.stop)
	r.mu.Unlock()
	r.listenerWG.Wait()
}

// updateSignalsLocked subscribes to exactly the signals some live handle
// asked for. Callers hold r.mu.
func (r *ShutdownRegistry) updateSignalsLocked() {
	if !r.installed {
		return
	}
	want := make(map[os.Signal]bool)
	for _, e := range r.entries {
		if e.signals.SIGINT {
			want[os.Interrupt] = true
		}
		if e.signals.SIGTERM {
			want[syscall.SIGTERM] = true
		}
		if e.signals.SIGHUP {
			want[syscall.SIGHUP] = true
		}
	}
	if sameSignals(want, r.watching) {
		return
	}
	signal.Stop(r.sigCh)
	list := make([]os.Signal, 0, len(want))
	for sig := range want {
		list = append(list, sig)
	}
	if len(list) > 0 {
		signal.Notify(r.sigCh, list...)
	}
	r.watching = want
}

func sameSignals(a, b map[os.Signal]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func (r *ShutdownRegistry) snapshot() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.handle)
	}
	return out
}

// GracefullyCloseAll closes every registered handle concurrently.
func (r *ShutdownRegistry) GracefullyCloseAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range r.snapshot() {
		h := h
		g.Go(func() error { return h.GracefullyClose(gctx) })
	}
	return g.Wait()
}

// KillAll kills every registered handle and waits for them to exit.
func (r *ShutdownRegistry) KillAll() {
	var wg sync.WaitGroup
	for _, h := range r.snapshot() {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			if err := h.Kill(); err != nil {
				r.logger.Warn("Kill failed during shutdown.", zap.Error(err))
			}
		}(h)
	}
	wg.Wait()
}

func (r *ShutdownRegistry) exitProcess(code int) {
	r.exitOnce.Do(func() { r.exit(code) })
}

func (r *ShutdownRegistry) handleSignal(sig os.Signal) {
	r.logger.Info("Received signal, shutting down browsers.", zap.String("signal", sig.String()))
	switch sig {
	case os.Interrupt:
		r.mu.Lock()
		second := r.interrupted
		r.interrupted = true
		r.mu.Unlock()

		if second {
			// Impatient operator: do not wait for anything.
			r.KillAll()
			r.exitProcess(InterruptExitCode)
			return
		}
		go func() {
			if err := r.GracefullyCloseAll(context.Background()); err != nil {
				r.logger.Warn("Graceful shutdown reported an error.", zap.Error(err))
			}
			r.exitProcess(InterruptExitCode)
		}()
	default:
		go func() {
			if err := r.GracefullyCloseAll(context.Background()); err != nil {
				r.logger.Warn("Graceful shutdown reported an error.", zap.Error(err))
			}
		}()
	}
}
