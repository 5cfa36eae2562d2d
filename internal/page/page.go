// internal/page/page.go
package page

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/driveline/internal/protocol"
)

// EventKind identifies a page notification.
type EventKind int

const (
	EventFrameAttached EventKind = iota
	EventFrameNavigated
	EventFrameDetached
	EventNavigationRequested
	EventNavigationAborted
	EventLifecycle
	EventRequest
	EventResponse
	EventRequestFinished
	EventRequestFailed
	EventInitialized
	EventCrash
	EventClose
)

var eventKindNames = map[EventKind]string{
	EventFrameAttached:       "frameattached",
	EventFrameNavigated:      "framenavigated",
	EventFrameDetached:       "framedetached",
	EventNavigationRequested: "navigationrequested",
	EventNavigationAborted:   "navigationaborted",
	EventLifecycle:           "lifecycle",
	EventRequest:             "request",
	EventResponse:            "response",
	EventRequestFinished:     "requestfinished",
	EventRequestFailed:       "requestfailed",
	EventInitialized:         "initialized",
	EventCrash:               "crash",
	EventClose:               "close",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one notification from the session layer to the page layer.
type Event struct {
	Kind     EventKind
	Frame    *Frame
	Request  *Request
	Response *Response
	URL      string
	// Text carries the lifecycle name or failure text.
	Text         string
	Initial      bool
	SameDocument bool
	Err          error
}

// ErrPageClosed is returned by Next once the page is closed and drained.
var ErrPageClosed = errors.New("page closed")

// Page is the engine-independent view of one page. Engines feed it through
// its FrameManager and the Did* methods; consumers pull events with Next.
type Page struct {
	id     string
	opener *Page
	logger *zap.Logger
	frames *FrameManager

	// Event queue. Producers never block.
	qmu    sync.Mutex
	queue  []Event
	notify chan struct{}
	qdone  bool

	mu          sync.Mutex
	initialized bool
	initErr     error
	initDone    chan struct{}
	crashed     bool
	closed      bool
	closedCh    chan struct{}
}

// New creates a page. opener is the page that opened it, or nil.
func New(id string, opener *Page, logger *zap.Logger) *Page {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Page{
		id:       id,
		opener:   opener,
		logger:   logger.Named("page").With(zap.String("page_id", id)),
		notify:   make(chan struct{}, 1),
		initDone: make(chan struct{}),
		closedCh: make(chan struct{}),
	}
	p.frames = newFrameManager(p.logger, p.emit)
	return p
}

func (p *Page) ID() string { return p.id }
func (p *Page) Opener() *Page { return p.opener }
func (p *Page) FrameManager() *FrameManager { return p.frames }
func (p *Page) MainFrame() *Frame { return p.frames.MainFrame() }

func (p *Page) emit(ev Event) {
	p.qmu.Lock()
	if p.qdone {
		p.qmu.Unlock()
		return
	}
	p.queue = append(p.queue, ev)
	p.qmu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Next blocks until the next event. After close, queued events are still
// returned before ErrPageClosed.
func (p *Page) Next(ctx context.Context) (Event, error) {
	for {
		p.qmu.Lock()
		if len(p.queue) > 0 {
			ev := p.queue[0]
			p.queue = p.queue[1:]
			p.qmu.Unlock()
			return ev, nil
		}
		done := p.qdone
		p.qmu.Unlock()
		if done {
			return Event{}, ErrPageClosed
		}
		select {
		case <-p.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Drain returns and removes every queued event without blocking.
func (p *Page) Drain() []Event {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	out := p.queue
	p.queue = nil
	return out
}

// ReportAsNew settles initialization. A nil err means the page is usable.
// Only the first call has any effect.
func (p *Page) ReportAsNew(err error) {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return
	}
	p.initialized = true
	p.initErr = err
	close(p.initDone)
	p.mu.Unlock()

	if err != nil {
		p.logger.Debug("Page failed to initialize.", zap.Error(err))
	}
	p.emit(Event{Kind: EventInitialized, Err: err})
}

// Initialized reports whether ReportAsNew was called.
func (p *Page) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// WaitForInitialized blocks until initialization settles.
func (p *Page) WaitForInitialized(ctx context.Context) error {
	select {
	case <-p.initDone:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DidCrash marks the page crashed.
func (p *Page) DidCrash() {
	p.mu.Lock()
	if p.crashed {
		p.mu.Unlock()
		return
	}
	p.crashed = true
	p.mu.Unlock()
	p.logger.Warn("Page crashed.")
	p.emit(Event{Kind: EventCrash})
}

// Crashed reports whether the page crashed.
func (p *Page) Crashed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crashed
}

// DidClose marks the page closed. A page that never finished initializing
// settles with a TargetClosedError.
func (p *Page) DidClose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closedCh)
	p.mu.Unlock()

	p.ReportAsNew(&protocol.TargetClosedError{})
	p.emit(Event{Kind: EventClose})

	p.qmu.Lock()
	p.qdone = true
	p.qmu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// IsClosed reports whether DidClose was called.
func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Closed is closed by DidClose.
func (p *Page) Closed() <-chan struct{} { return p.closedCh }
