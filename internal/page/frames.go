// internal/page/frames.go
package page

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Lifecycle event names reported by FrameLifecycleEvent.
const (
	LifecycleDOMContentLoaded = "domcontentloaded"
	LifecycleLoad             = "load"
)

type pendingDocument struct {
	documentID string
	request    *Request
}

// Frame is one browsing context of a page. The id of the main frame changes
// when a cross-process navigation commits; the Frame value itself survives.
type Frame struct {
	mu        sync.Mutex
	id        string
	parent    *Frame
	name      string
	url       string
	detached  bool
	pending   *pendingDocument
	lifecycle map[string]bool
}

func (f *Frame) ID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *Frame) Parent() *Frame { return f.parent }

func (f *Frame) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

func (f *Frame) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *Frame) IsDetached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detached
}

// PendingDocumentRequest is the navigation request that has started but not
// yet committed, or nil.
func (f *Frame) PendingDocumentRequest() *Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		return nil
	}
	return f.pending.request
}

// HasLifecycleEvent reports whether event fired for the current document.
func (f *Frame) HasLifecycleEvent(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lifecycle[event]
}

// FrameManager keeps the frame tree of one page and turns engine
// notifications into page events.
type FrameManager struct {
	logger *zap.Logger
	emit   func(Event)

	mu     sync.Mutex
	frames map[string]*Frame
	main   *Frame
}

func newFrameManager(logger *zap.Logger, emit func(Event)) *FrameManager {
	return &FrameManager{
		logger: logger,
		emit:   emit,
		frames: make(map[string]*Frame),
	}
}

// MainFrame returns the main frame, or nil before the first attach.
func (m *FrameManager) MainFrame() *Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.main
}

// Frame looks a frame up by its current id.
func (m *FrameManager) Frame(id string) *Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames[id]
}

// Frames returns every attached frame.
func (m *FrameManager) Frames() []*Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Frame, 0, len(m.frames))
	for _, f := range m.frames {
		out = append(out, f)
	}
	return out
}

// FrameAttached registers a frame. Attaching a main frame while one exists
// renames the existing main frame to frameID instead of creating a new one,
// so frame identity is retained across cross-process navigations.
func (m *FrameManager) FrameAttached(frameID, parentFrameID string) *Frame {
	m.mu.Lock()
	if parentFrameID == "" {
		if m.main != nil {
			m.main.mu.Lock()
			oldID := m.main.id
			m.main.id = frameID
			m.main.mu.Unlock()
			delete(m.frames, oldID)
			m.frames[frameID] = m.main
			main := m.main
			m.mu.Unlock()
			if oldID != frameID {
				m.logger.Debug("Main frame re-parented.", zap.String("old_frame_id", oldID), zap.String("frame_id", frameID))
			}
			return main
		}
		f := &Frame{id: frameID, lifecycle: make(map[string]bool)}
		m.main = f
		m.frames[frameID] = f
		m.mu.Unlock()
		m.emit(Event{Kind: EventFrameAttached, Frame: f})
		return f
	}

	if f, ok := m.frames[frameID]; ok {
		m.mu.Unlock()
		return f
	}
	parent := m.frames[parentFrameID]
	f := &Frame{id: frameID, parent: parent, lifecycle: make(map[string]bool)}
	m.frames[frameID] = f
	m.mu.Unlock()
	m.emit(Event{Kind: EventFrameAttached, Frame: f})
	return f
}

// FrameDetached removes a frame and all of its descendants.
func (m *FrameManager) FrameDetached(frameID string) {
	m.mu.Lock()
	f := m.frames[frameID]
	if f == nil {
		m.mu.Unlock()
		return
	}
	var removed []*Frame
	m.removeLocked(f, &removed)
	m.mu.Unlock()

	for _, r := range removed {
		m.emit(Event{Kind: EventFrameDetached, Frame: r})
	}
}

func (m *FrameManager) removeLocked(f *Frame, removed *[]*Frame) {
	for _, child := range m.frames {
		if child.parent == f {
			m.removeLocked(child, removed)
		}
	}
	f.mu.Lock()
	f.detached = true
	id := f.id
	f.mu.Unlock()
	delete(m.frames, id)
	if m.main == f {
		m.main = nil
	}
	*removed = append(*removed, f)
}

// FrameCommittedNewDocumentNavigation records that frameID now shows url.
func (m *FrameManager) FrameCommittedNewDocumentNavigation(frameID, url, name, documentID string, initial bool) {
	f := m.Frame(frameID)
	if f == nil {
		return
	}
	// Child frames belong to the old document.
	m.mu.Lock()
	var removed []*Frame
	for _, child := range m.frames {
		if child.parent == f {
			m.removeLocked(child, &removed)
		}
	}
	m.mu.Unlock()
	for _, r := range removed {
		m.emit(Event{Kind: EventFrameDetached, Frame: r})
	}

	f.mu.Lock()
	f.url = url
	f.name = name
	if f.pending != nil && (documentID == "" || f.pending.documentID == documentID) {
		f.pending = nil
	}
	f.lifecycle = make(map[string]bool)
	f.mu.Unlock()

	m.emit(Event{Kind: EventFrameNavigated, Frame: f, URL: url, Initial: initial})
}

// FrameCommittedSameDocumentNavigation records a fragment or history API
// navigation.
func (m *FrameManager) FrameCommittedSameDocumentNavigation(frameID, url string) {
	f := m.Frame(frameID)
	if f == nil {
		return
	}
	f.mu.Lock()
	f.url = url
	f.mu.Unlock()
	m.emit(Event{Kind: EventFrameNavigated, Frame: f, URL: url, SameDocument: true})
}

// FrameRequestedNavigation notes that a navigation is about to start.
func (m *FrameManager) FrameRequestedNavigation(frameID, documentID string) {
	f := m.Frame(frameID)
	if f == nil {
		return
	}
	f.mu.Lock()
	if f.pending != nil && f.pending.documentID == documentID {
		f.mu.Unlock()
		return
	}
	f.pending = &pendingDocument{documentID: documentID}
	f.mu.Unlock()
	m.emit(Event{Kind: EventNavigationRequested, Frame: f})
}

// FrameAbortedNavigation reports that the pending navigation failed. An empty
// documentID aborts whatever is pending.
func (m *FrameManager) FrameAbortedNavigation(frameID, errorText, documentID string) {
	f := m.Frame(frameID)
	if f == nil {
		return
	}
	f.mu.Lock()
	if f.pending == nil || (documentID != "" && f.pending.documentID != documentID) {
		f.mu.Unlock()
		return
	}
	f.pending = nil
	f.mu.Unlock()
	m.emit(Event{Kind: EventNavigationAborted, Frame: f, Text: errorText})
}

// FrameLifecycleEvent records load or domcontentloaded for frameID.
func (m *FrameManager) FrameLifecycleEvent(frameID, event string) {
	f := m.Frame(frameID)
	if f == nil {
		return
	}
	f.mu.Lock()
	f.lifecycle[event] = true
	f.mu.Unlock()
	m.emit(Event{Kind: EventLifecycle, Frame: f, Text: event})
}

// RequestStarted reports a new request. A navigation request becomes its
// frame's pending document.
func (m *FrameManager) RequestStarted(req *Request) {
	if req.IsNavigationRequest() && req.Frame() != nil {
		f := req.Frame()
		f.mu.Lock()
		f.pending = &pendingDocument{documentID: req.DocumentID(), request: req}
		f.mu.Unlock()
	}
	m.emit(Event{Kind: EventRequest, Frame: req.Frame(), Request: req})
}

// RequestReceivedResponse reports response headers.
func (m *FrameManager) RequestReceivedResponse(resp *Response) {
	m.emit(Event{Kind: EventResponse, Frame: resp.Request().Frame(), Request: resp.Request(), Response: resp})
}

// RequestFinished reports a request that completed, with or without a response.
func (m *FrameManager) RequestFinished(req *Request, resp *Response) {
	m.emit(Event{Kind: EventRequestFinished, Frame: req.Frame(), Request: req, Response: resp})
}

// RequestFailed reports a failed request. A failed navigation request also
// aborts the pending navigation.
func (m *FrameManager) RequestFailed(req *Request, canceled bool) {
	if req.IsNavigationRequest() && req.Frame() != nil {
		text := req.Failure()
		if canceled && !strings.Contains(text, "; maybe frame was detached?") {
			text += "; maybe frame was detached?"
		}
		m.FrameAbortedNavigation(req.Frame().ID(), text, req.DocumentID())
	}
	m.emit(Event{Kind: EventRequestFailed, Frame: req.Frame(), Request: req, Text: req.Failure()})
}
