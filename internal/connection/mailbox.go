// internal/connection/mailbox.go
package connection

import (
	"sync"

	"github.com/xkilldash9x/driveline/internal/protocol"
)

// mailbox is an unbounded FIFO of events for one session. The transport reader
// never blocks on a slow consumer.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*protocol.Message
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(msg *protocol.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.items = append(m.items, msg)
	m.cond.Signal()
	return true
}

// next blocks until an item is available. It returns false once the mailbox
// is closed; items still queued at that point are discarded.
func (m *mailbox) next() (*protocol.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.items) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil, false
	}
	msg := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return msg, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
	m.cond.Broadcast()
}
