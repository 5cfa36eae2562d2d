// internal/connection/connection.go
package connection

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/driveline/internal/observability"
	"github.com/xkilldash9x/driveline/internal/protocol"
	"github.com/xkilldash9x/driveline/internal/transport"
)

// ErrConnectionClosed is returned when a session is requested after the
// connection has gone away.
var ErrConnectionClosed = errors.New("connection closed")

// Option configures a Connection.
type Option func(*Connection)

// WithPageProxyRouting routes by the WebKit pageProxyId field instead of the
// flat sessionId.
func WithPageProxyRouting() Option {
	return func(c *Connection) {
		c.routeKey = func(m *protocol.Message) string { return m.PageProxyID }
		c.stamp = func(m *protocol.Message, key string) { m.PageProxyID = key }
	}
}

// WithProtocolLogger logs every message sent and received.
func WithProtocolLogger(p *observability.ProtocolLogger) Option {
	return func(c *Connection) { c.protoLog = p }
}

// WithBrowserLogs attaches the browser's recent output to the error that
// pending calls see when the connection drops.
func WithBrowserLogs(logs func() string) Option {
	return func(c *Connection) { c.browserLogs = logs }
}

// WithAttachHook runs hook on the reader goroutine before a message is routed.
// Engines use it to create child sessions before their first message arrives.
// The hook must not block.
func WithAttachHook(hook func(c *Connection, msg *protocol.Message)) Option {
	return func(c *Connection) { c.attachHook = hook }
}

// Connection multiplexes sessions over a single transport.
type Connection struct {
	transport   transport.Transport
	logger      *zap.Logger
	protoLog    *observability.ProtocolLogger
	routeKey    func(*protocol.Message) string
	stamp       func(*protocol.Message, string)
	browserLogs func() string
	attachHook  func(*Connection, *protocol.Message)

	lastID atomic.Int64

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	root     *Session
	done     chan struct{}
}

// New wraps t and starts reading from it. The returned connection owns t.
func New(t transport.Transport, logger *zap.Logger, opts ...Option) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		transport: t,
		logger:    logger.Named("connection"),
		routeKey:  func(m *protocol.Message) string { return m.SessionID },
		stamp:     func(m *protocol.Message, key string) { m.SessionID = key },
		sessions:  make(map[string]*Session),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.root = c.newQueuedSession("")
	c.sessions[""] = c.root
	go c.readLoop()
	return c
}

// RootSession is the browser-level session.
func (c *Connection) RootSession() *Session { return c.root }

// CreateSession registers a queued session routed by key. Creating a key that
// already exists returns the existing session.
func (c *Connection) CreateSession(key string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	if s, ok := c.sessions[key]; ok {
		return s, nil
	}
	s := c.newQueuedSession(key)
	c.sessions[key] = s
	return s, nil
}

// Session looks up a live session by key.
func (c *Connection) Session(key string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	return s, ok
}

// SendRaw writes msg as-is, bypassing call bookkeeping. It is used for the
// fire-and-forget browser close message.
func (c *Connection) SendRaw(msg *protocol.Message) error {
	c.protoLog.Send(msg)
	return c.transport.Send(msg)
}

// Close closes the transport. Sessions are disposed once the read side
// reports the close.
func (c *Connection) Close() error {
	return c.transport.Close()
}

// Done is closed after the transport has closed and every session has been
// disposed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// IsClosed reports whether the transport has gone away.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) newQueuedSession(key string) *Session {
	logger := c.logger.Named("session")
	if key != "" {
		logger = logger.With(zap.String("session_id", key))
	}
	send := func(msg *protocol.Message) error {
		if key != "" {
			c.stamp(msg, key)
		}
		c.protoLog.Send(msg)
		return c.transport.Send(msg)
	}
	s := newSession(key, send, func() int64 { return c.lastID.Add(1) }, newMailbox(), logger)
	s.onDispose = c.forgetSession
	return s
}

func (c *Connection) forgetSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.sessions[s.id]; ok && cur == s {
		delete(c.sessions, s.id)
	}
}

func (c *Connection) readLoop() {
	for msg := range c.transport.Messages() {
		c.protoLog.Recv(msg)
		if msg.ID == protocol.BrowserCloseMessageID {
			continue
		}
		if c.attachHook != nil {
			c.attachHook(c, msg)
		}

		key := c.routeKey(msg)
		c.mu.Lock()
		s := c.sessions[key]
		c.mu.Unlock()
		if s == nil {
			c.logger.Debug("Dropping message for unknown session.", zap.String("session_id", key), zap.String("method", msg.Method), zap.Int64("id", msg.ID))
			continue
		}
		s.Dispatch(msg)
	}
	c.onTransportClosed()
}

func (c *Connection) onTransportClosed() {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	reason := &protocol.ProtocolError{
		Type:    protocol.ErrorTypeClosed,
		Message: (&protocol.TargetClosedError{}).Error(),
	}
	if c.browserLogs != nil {
		reason.Logs = c.browserLogs()
	}
	if err := c.transport.Err(); err != nil {
		c.logger.Debug("Transport closed with error.", zap.Error(err))
	}
	for _, s := range sessions {
		s.dispose(reason)
	}
	close(c.done)
}
