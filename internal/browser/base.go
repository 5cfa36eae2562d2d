// internal/browser/base.go
package browser

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/driveline/internal/connection"
)

// Base carries what every engine browser shares: identity, the connection,
// the owning process and the one-time close notification. Engines embed it.
type Base struct {
	id     string
	opts   Options
	conn   *connection.Connection
	logger *zap.Logger

	mu             sync.Mutex
	version        string
	startedClosing bool
	closed         bool
	onDidClose     []func()
	done           chan struct{}
}

// NewBase wires a browser to its connection. When the browser owns a process,
// the process exiting drops the connection.
func NewBase(conn *connection.Connection, opts Options) *Base {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Base{
		id:     uuid.NewString(),
		opts:   opts,
		conn:   conn,
		done:   make(chan struct{}),
		logger: logger.Named("browser").With(zap.String("engine", opts.Name)),
	}
	if opts.Process != nil {
		opts.Process.OnClose(func(exitCode int, signal string) {
			b.logger.Debug("Browser process exited.", zap.Int("exit_code", exitCode), zap.String("signal", signal))
			conn.Close()
		})
	}
	return b
}

func (b *Base) ID() string                   { return b.id }
func (b *Base) Name() string                 { return b.opts.Name }
func (b *Base) Options() Options             { return b.opts }
func (b *Base) Conn() *connection.Connection { return b.conn }
func (b *Base) Logger() *zap.Logger          { return b.logger }
func (b *Base) Done() <-chan struct{}        { return b.done }

// Version is the product version reported during the handshake.
func (b *Base) Version() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// SetVersion records the product version.
func (b *Base) SetVersion(v string) {
	b.mu.Lock()
	b.version = v
	b.mu.Unlock()
}

// IsConnected reports whether DidClose has not run yet.
func (b *Base) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// OnDidClose registers fn to run once when the browser disconnects.
func (b *Base) OnDidClose(fn func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		fn()
		return
	}
	b.onDidClose = append(b.onDidClose, fn)
	b.mu.Unlock()
}

// DidClose marks the browser disconnected. Only the first call has any effect.
func (b *Base) DidClose() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	listeners := b.onDidClose
	b.onDidClose = nil
	b.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	b.logger.Info("Browser disconnected.", zap.String("browser_id", b.id))
	close(b.done)
}

// Close closes the browser gracefully. With a process this is the launcher's
// close-or-kill; without one the connection is dropped. It returns once the
// browser is disconnected or ctx is done.
func (b *Base) Close(ctx context.Context) error {
	b.mu.Lock()
	first := !b.startedClosing
	b.startedClosing = true
	b.mu.Unlock()

	if first {
		if b.opts.Process != nil {
			if err := b.opts.Process.Close(ctx); err != nil {
				b.logger.Warn("Graceful close reported an error.", zap.Error(err))
			}
		} else if err := b.conn.Close(); err != nil {
			b.logger.Debug("Closing the connection failed.", zap.Error(err))
		}
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill force-stops the browser process, or drops the connection when there
// is no process.
func (b *Base) Kill() error {
	if b.opts.Process != nil {
		return b.opts.Process.Kill()
	}
	return b.conn.Close()
}

// WatchConnection calls onDisconnect once the connection goes away. Engines
// use it to tear their pages down before calling DidClose.
func (b *Base) WatchConnection(onDisconnect func()) {
	go func() {
		<-b.conn.Done()
		onDisconnect()
	}()
}
