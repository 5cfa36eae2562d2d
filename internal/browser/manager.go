// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/driveline/internal/config"
)

// LaunchFunc brings up one browser. BrowserType.Launch is the usual one.
type LaunchFunc func(ctx context.Context) (Browser, error)

// ErrManagerShutdown is returned by Launch once Shutdown has started.
var ErrManagerShutdown = errors.New("browser manager is shutting down")

const shutdownGracePeriod = 15 * time.Second

// Manager keeps track of every browser launched through it, throttles how
// fast new ones are started and closes them all on shutdown.
type Manager struct {
	logger          *zap.Logger
	limiter         *rate.Limiter
	shutdownTimeout time.Duration

	browsers map[string]Browser
	mu       sync.RWMutex
	wg       sync.WaitGroup // one count per tracked browser, released when it disconnects.
	closing  bool
}

// NewManager creates a manager from the manager section of the configuration.
func NewManager(cfg config.ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Limit(cfg.LaunchRate)
	if cfg.LaunchRate <= 0 {
		limit = rate.Inf
	}
	burst := cfg.LaunchBurst
	if burst <= 0 {
		burst = 1
	}
	m := &Manager{
		logger:          logger.Named("browser_manager"),
		limiter:         rate.NewLimiter(limit, burst),
		shutdownTimeout: cfg.ShutdownTimeout,
		browsers:        make(map[string]Browser),
	}
	m.logger.Debug("Browser manager created.", zap.Float64("launch_rate", cfg.LaunchRate), zap.Int("launch_burst", burst))
	return m
}

// Launch waits for a launch slot, runs launch and tracks the resulting browser
// until it disconnects.
func (m *Manager) Launch(ctx context.Context, launch LaunchFunc) (Browser, error) {
	m.mu.RLock()
	closing := m.closing
	m.mu.RUnlock()
	if closing {
		return nil, ErrManagerShutdown
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for a launch slot: %w", err)
	}

	b, err := launch(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		// Shutdown raced with the launch; do not leak the browser.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if cerr := b.Close(cleanupCtx); cerr != nil {
			b.Kill()
		}
		return nil, ErrManagerShutdown
	}
	m.browsers[b.ID()] = b
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		<-b.Done()
		m.mu.Lock()
		delete(m.browsers, b.ID())
		m.mu.Unlock()
		m.logger.Debug("Browser removed from manager.", zap.String("browser_id", b.ID()))
		m.wg.Done()
	}()

	m.logger.Info("Browser launched.", zap.String("browser_id", b.ID()), zap.String("engine", b.Name()), zap.String("version", b.Version()))
	return b, nil
}

// Get returns a tracked browser by id.
func (m *Manager) Get(id string) (Browser, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.browsers[id]
	return b, ok
}

// List returns the tracked browsers ordered by id.
func (m *Manager) List() []Browser {
	m.mu.RLock()
	out := make([]Browser, 0, len(m.browsers))
	for _, b := range m.browsers {
		out = append(out, b)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Shutdown closes every tracked browser concurrently. Browsers still alive
// when ctx (or the configured shutdown timeout) runs out are killed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")

	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	if m.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.shutdownTimeout)
		defer cancel()
	}

	// 1. Close all browsers concurrently.
	browsers := m.List()
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range browsers {
		g.Go(func() error {
			if err := b.Close(gctx); err != nil {
				m.logger.Warn("Error during browser close in shutdown.", zap.String("browser_id", b.ID()), zap.Error(err))
				return fmt.Errorf("failed to close browser %s: %w", b.ID(), err)
			}
			return nil
		})
	}
	closeErr := g.Wait()

	// 2. Wait for every browser to report its disconnect.
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All browsers closed gracefully.")
		return closeErr
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for browsers to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	// 3. Kill whatever is left, bounded by a fresh grace period.
	for _, b := range m.List() {
		if err := b.Kill(); err != nil {
			m.logger.Error("Failed to kill browser.", zap.String("browser_id", b.ID()), zap.Error(err))
		}
	}
	select {
	case <-done:
	case <-time.After(shutdownGracePeriod):
		return errors.New("browsers did not exit after kill")
	}
	if closeErr != nil {
		return closeErr
	}
	return ctx.Err()
}
