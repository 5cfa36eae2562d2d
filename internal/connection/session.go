// internal/connection/session.go
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/driveline/internal/protocol"
	"github.com/xkilldash9x/driveline/internal/transport"
)

// Handler consumes protocol events for one session.
type Handler func(msg *protocol.Message)

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method string
	ch     chan callResult
	// then runs on the dispatching goroutine before the caller is woken.
	then   func(result json.RawMessage) error
}

// Session is one addressable protocol endpoint: the browser itself, a page
// proxy, or a target reached through its page proxy.
//
// Responses are resolved as soon as they arrive. Events are either queued in
// the session's mailbox and handed to a single consumer goroutine (queued
// sessions) or passed straight to the handler by whoever calls Dispatch
// (inline sessions).
type Session struct {
	id      string
	logger  *zap.Logger
	rawSend func(msg *protocol.Message) error
	nextID  func() int64

	// onDispose lets the owning connection forget the session.
	onDispose func(s *Session)

	mu        sync.Mutex
	callbacks map[int64]*pendingCall
	handler   Handler
	box       *mailbox
	listening bool
	disposed  bool
	crashed   bool
	done      chan struct{}
}

func newSession(id string, rawSend func(*protocol.Message) error, nextID func() int64, box *mailbox, logger *zap.Logger) *Session {
	return &Session{
		id:        id,
		logger:    logger,
		rawSend:   rawSend,
		nextID:    nextID,
		callbacks: make(map[int64]*pendingCall),
		box:       box,
		done:      make(chan struct{}),
	}
}

// NewInlineSession creates a session whose events are delivered synchronously
// by the goroutine calling Dispatch. Its ids are allocated independently.
func NewInlineSession(id string, rawSend func(*protocol.Message) error, handler Handler, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	var lastID atomic.Int64
	s := newSession(id, rawSend, func() int64 { return lastID.Add(1) }, nil, logger.Named("session").With(zap.String("session_id", id)))
	s.handler = handler
	s.listening = true
	return s
}

// ID returns the routing key of the session.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has been disposed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Listen installs the event handler and, for queued sessions, starts the
// consumer goroutine. Events received before Listen are buffered.
func (s *Session) Listen(handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening || s.disposed {
		return
	}
	s.handler = handler
	s.listening = true
	if s.box == nil {
		return
	}
	box := s.box
	go func() {
		for {
			msg, ok := box.next()
			if !ok {
				return
			}
			handler(msg)
		}
	}()
}

// Send issues method and waits for the response, decoding it into result
// when result is non-nil.
func (s *Session) Send(ctx context.Context, method string, params any, result any) error {
	raw, err := s.call(ctx, method, params, nil)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := protocol.DecodeParams(raw, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// SendMayFail is Send for calls whose failure is expected and unimportant,
// such as calls racing with the target going away.
func (s *Session) SendMayFail(ctx context.Context, method string, params any) {
	if _, err := s.call(ctx, method, params, nil); err != nil {
		s.logger.Debug("Ignoring failed call.", zap.String("method", method), zap.Error(err))
	}
}

// SendThen is Send with a hook: handle gets the raw result on the goroutine
// that dispatches the response, before any message dispatched after it. For
// inline sessions that is the owner's event consumer, so handle's effects are
// visible to the very next event. handle must not block on the session.
func (s *Session) SendThen(ctx context.Context, method string, params any, handle func(result json.RawMessage) error) error {
	_, err := s.call(ctx, method, params, handle)
	return err
}

// Post sends method without waiting for, or expecting, a response.
func (s *Session) Post(method string, params any) error {
	raw, err := protocol.EncodeParams(params)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.disposed {
		err := closedError(method, nil, s.crashed)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.rawSend(&protocol.Message{ID: s.nextID(), Method: method, Params: raw})
}

func (s *Session) call(ctx context.Context, method string, params any, then func(json.RawMessage) error) (json.RawMessage, error) {
	raw, err := protocol.EncodeParams(params)
	if err != nil {
		return nil, err
	}
	id := s.nextID()
	pc := &pendingCall{method: method, ch: make(chan callResult, 1), then: then}

	s.mu.Lock()
	if s.disposed {
		err := closedError(method, nil, s.crashed)
		s.mu.Unlock()
		return nil, err
	}
	s.callbacks[id] = pc
	s.mu.Unlock()

	if err := s.rawSend(&protocol.Message{ID: id, Method: method, Params: raw}); err != nil {
		s.forget(id)
		if errors.Is(err, transport.ErrTransportClosed) {
			return nil, &protocol.ProtocolError{Type: protocol.ErrorTypeClosed, Method: method, Message: (&protocol.TargetClosedError{}).Error()}
		}
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case r := <-pc.ch:
		return r.result, r.err
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	}
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.callbacks, id)
	s.mu.Unlock()
}

// Dispatch hands an incoming message to the session. Responses resolve their
// pending call; events go to the mailbox or, for inline sessions, directly to
// the handler. Messages for a disposed session are dropped.
func (s *Session) Dispatch(msg *protocol.Message) {
	if msg.IsResponse() {
		s.resolve(msg)
		return
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	box, handler := s.box, s.handler
	s.mu.Unlock()

	if box != nil {
		box.push(msg)
		return
	}
	if handler != nil {
		handler(msg)
	}
}

func (s *Session) resolve(msg *protocol.Message) {
	s.mu.Lock()
	pc, ok := s.callbacks[msg.ID]
	delete(s.callbacks, msg.ID)
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Response for unknown call ignored.", zap.Int64("id", msg.ID))
		return
	}
	if msg.Error != nil {
		pc.ch <- callResult{err: protocol.NewProtocolError(pc.method, msg.Error)}
		return
	}
	if pc.then != nil {
		if err := pc.then(msg.Result); err != nil {
			pc.ch <- callResult{err: fmt.Errorf("failed to handle %s result: %w", pc.method, err)}
			return
		}
	}
	pc.ch <- callResult{result: msg.Result}
}

// MarkAsCrashed makes pending and future calls fail as crashed instead of closed.
func (s *Session) MarkAsCrashed() {
	s.mu.Lock()
	s.crashed = true
	s.mu.Unlock()
}

// IsCrashed reports whether MarkAsCrashed was called.
func (s *Session) IsCrashed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashed
}

// IsDisposed reports whether the session has been disposed.
func (s *Session) IsDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Dispose rejects every pending call and stops event delivery. Only the first
// call has any effect.
func (s *Session) Dispose() { s.dispose(nil) }

func (s *Session) dispose(reason *protocol.ProtocolError) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	callbacks := s.callbacks
	s.callbacks = make(map[int64]*pendingCall)
	box := s.box
	crashed := s.crashed
	s.mu.Unlock()

	if box != nil {
		box.close()
	}
	for _, pc := range callbacks {
		pc.ch <- callResult{err: closedError(pc.method, reason, crashed)}
	}
	close(s.done)
	if s.onDispose != nil {
		s.onDispose(s)
	}
}

// closedError is the error seen by calls on a disposed session.
func closedError(method string, reason *protocol.ProtocolError, crashed bool) error {
	if crashed {
		return &protocol.ProtocolError{Type: protocol.ErrorTypeCrashed, Method: method, Message: "Target crashed"}
	}
	if reason != nil {
		pe := *reason
		pe.Method = method
		return &pe
	}
	return &protocol.TargetClosedError{}
}
