// internal/transport/transporttest/memory.go

// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"sync"

	"github.com/xkilldash9x/driveline/internal/protocol"
	"github.com/xkilldash9x/driveline/internal/transport"
)

// Memory is a Transport whose remote side is driven by the test: Deliver
// plays an inbound message and Sent exposes what the code under test wrote.
type Memory struct {
	inbox    chan *protocol.Message
	sent     chan *protocol.Message
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	closed   bool
	closeErr error
	closes   int
}

var _ transport.Transport = (*Memory)(nil)

// NewMemory returns an open in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		inbox: make(chan *protocol.Message, 1024),
		sent:  make(chan *protocol.Message, 1024),
		done:  make(chan struct{}),
	}
}

// Send records msg for the test to inspect.
func (m *Memory) Send(msg *protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return transport.ErrTransportClosed
	}
	m.sent <- msg
	return nil
}

// Close hangs up, as a socket transport would.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	m.Hangup(nil)
	return nil
}

// Messages delivers what the test passed to Deliver.
func (m *Memory) Messages() <-chan *protocol.Message { return m.inbox }

// Done is closed by Hangup or Close.
func (m *Memory) Done() <-chan struct{} { return m.done }

// Err returns the error passed to Hangup.
func (m *Memory) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeErr
}

// Sent yields the messages written by the code under test.
func (m *Memory) Sent() <-chan *protocol.Message { return m.sent }

// CloseCalls reports how many times Close was called.
func (m *Memory) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Deliver plays msg as if the browser had sent it. It is a no-op after Hangup.
func (m *Memory) Deliver(msg *protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.inbox <- msg
}

// Hangup ends the stream. Only the first call has any effect.
func (m *Memory) Hangup(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.closeErr = err
		close(m.inbox)
		m.mu.Unlock()
		close(m.done)
	})
}
