// internal/transport/websocket.go
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/driveline/internal/progress"
	"github.com/xkilldash9x/driveline/internal/protocol"
)

const (
	// Time allowed to write a message to the browser.
	writeWait = 10 * time.Second
	// Browsers ship large payloads (screenshots, DOM snapshots).
	maxMessageSize = 256 * 1024 * 1024
)

// WebSocketTransport carries one JSON message per text frame.
type WebSocketTransport struct {
	logger   *zap.Logger
	conn     *websocket.Conn
	endpoint string

	writeMu sync.Mutex

	messages  chan *protocol.Message
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once

	mu     sync.Mutex
	closed bool
	err    error
}

// ConnectWebSocket dials endpoint within the time left on p. Progress lines
// are recorded on p, and an aborted scope tears the connection down.
func ConnectWebSocket(p *progress.Progress, endpoint string, headers http.Header, logger *zap.Logger) (*WebSocketTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ws_transport")

	p.Log(fmt.Sprintf("<ws connecting> %s", endpoint))
	dialer := websocket.Dialer{
		Proxy:            nil,
		HandshakeTimeout: p.TimeUntilDeadline(),
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	if dialer.HandshakeTimeout == progress.NoDeadline {
		dialer.HandshakeTimeout = 0
	}

	conn, resp, err := dialer.DialContext(p.Context(), endpoint, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		p.Log(fmt.Sprintf("<ws connect error> %s %v", endpoint, err))
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed with status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	p.Log(fmt.Sprintf("<ws connected> %s", endpoint))

	t := newWebSocketTransport(conn, endpoint, logger)
	p.CleanupWhenAborted(func() { t.CloseAndWait() })
	return t, nil
}

func newWebSocketTransport(conn *websocket.Conn, endpoint string, logger *zap.Logger) *WebSocketTransport {
	t := &WebSocketTransport{
		logger:   logger,
		conn:     conn,
		endpoint: endpoint,
		messages: make(chan *protocol.Message, inboxSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	go t.readPump()
	return t
}

// Endpoint returns the URL this transport is connected to.
func (t *WebSocketTransport) Endpoint() string { return t.endpoint }

// Send writes msg as a single text frame.
func (t *WebSocketTransport) Send(msg *protocol.Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	b, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrTransportClosed
		}
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

// Close starts an orderly shutdown. Repeated calls are no-ops; Done fires once
// the read pump has stopped.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.closing)

		t.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		if err := t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
			t.logger.Debug("Failed to send close frame.", zap.Error(err))
		}
		t.writeMu.Unlock()

		// Closing the socket unblocks the read pump, which reports the close.
		t.conn.Close()
	})
	return nil
}

// CloseAndWait closes the transport and blocks until Done.
func (t *WebSocketTransport) CloseAndWait() {
	t.Close()
	<-t.done
}

// Messages delivers inbound frames in arrival order.
func (t *WebSocketTransport) Messages() <-chan *protocol.Message { return t.messages }

// Done is closed once the connection is gone.
func (t *WebSocketTransport) Done() <-chan struct{} { return t.done }

// Err reports an abnormal termination, nil for an orderly close.
func (t *WebSocketTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *WebSocketTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *WebSocketTransport) readPump() {
	var readErr error
	defer func() { t.finish(readErr) }()

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if !t.isClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("Websocket read error.", zap.String("endpoint", t.endpoint), zap.Error(err))
				readErr = err
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			t.logger.Warn("Dropping malformed frame.", zap.Error(err), zap.Int("frame_len", len(data)))
			continue
		}
		select {
		case t.messages <- msg:
		case <-t.closing:
			return
		}
	}
}

func (t *WebSocketTransport) finish(err error) {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.err = err
		t.mu.Unlock()
		t.conn.Close()
		close(t.messages)
		close(t.done)
	})
}
