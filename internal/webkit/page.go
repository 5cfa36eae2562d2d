// internal/webkit/page.go
package webkit

import (
	"context"
	"errors"
	"strings"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/driveline/internal/connection"
	"github.com/xkilldash9x/driveline/internal/page"
	"github.com/xkilldash9x/driveline/internal/protocol"
)

const utilityWorldName = "__driveline_utility_world__"

// Page proxy methods and events.
const (
	methodTargetCreated              = "Target.targetCreated"
	methodTargetDestroyed            = "Target.targetDestroyed"
	methodDispatchMessageFromTarget  = "Target.dispatchMessageFromTarget"
	methodDidCommitProvisionalTarget = "Target.didCommitProvisionalTarget"
	methodSendMessageToTarget        = "Target.sendMessageToTarget"
)

type targetRole int

const (
	roleNone targetRole = iota
	roleCommitted
	roleProvisional
)

// target is one entry of the page's target arena. A page has at most one
// committed and one provisional target at any time.
type target struct {
	id      string
	session *connection.Session
	// mainFrameID is reported by a provisional target's resource tree and
	// becomes the page's main frame id when it commits.
	mainFrameID string
}

// Page drives one WebKit page proxy: it tracks the committed target and an
// optional provisional one, swaps them on a cross-process navigation and
// keeps request bookkeeping consistent across the swap.
//
// Page proxy events are consumed by a single goroutine. Target sessions are
// inline, so target events are handled on that same goroutine. Session
// initialization runs on its own goroutines and never blocks the consumer.
type Page struct {
	browser     *Browser
	pageProxyID string
	contextID   string
	pageProxy   *connection.Session
	page        *page.Page
	opener      *Page
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pageProxyInit sync.Once

	mu             sync.Mutex
	targets        map[string]*target
	committed      string
	provisional    string
	coopRequest    *page.Request
	coopAdopted    bool
	coopFailure    *loadingFailedPayload
	requests       map[string]*InterceptableRequest
	windowFeatures []string
	extraHeaders   map[string]string
	closed         bool

	firstNavOnce sync.Once
	firstNav     chan struct{}
	firstNavErr  error
}

func newPage(b *Browser, pageProxy *connection.Session, pageProxyID, contextID string, opener *Page) *Page {
	logger := b.logger.With(zap.String("page_proxy_id", pageProxyID))
	var openerPage *page.Page
	if opener != nil {
		openerPage = opener.page
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Page{
		browser:     b,
		pageProxyID: pageProxyID,
		contextID:   contextID,
		pageProxy:   pageProxy,
		page:        page.New(pageProxyID, openerPage, b.logger),
		opener:      opener,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		targets:     make(map[string]*target),
		requests:    make(map[string]*InterceptableRequest),
		firstNav:    make(chan struct{}),
	}
}

func (p *Page) ID() string        { return p.pageProxyID }
func (p *Page) ContextID() string { return p.contextID }
func (p *Page) Page() *page.Page  { return p.page }
func (p *Page) Opener() *Page     { return p.opener }

// WindowFeatures returns the features the page was opened with by window.open.
func (p *Page) WindowFeatures() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.windowFeatures...)
}

// WaitForInitialization blocks until the first target is ready, or failed.
func (p *Page) WaitForInitialization(ctx context.Context) error {
	return p.page.WaitForInitialized(ctx)
}

func (p *Page) roleOf(t *target) targetRole {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.targets[t.id] != t {
		return roleNone
	}
	switch t.id {
	case p.committed:
		return roleCommitted
	case p.provisional:
		return roleProvisional
	}
	return roleNone
}

func (p *Page) committedTarget() *target {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targets[p.committed]
}

// sessions returns the committed session followed by the provisional one.
func (p *Page) sessions() []*connection.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*connection.Session
	if t := p.targets[p.committed]; t != nil {
		out = append(out, t.session)
	}
	if t := p.targets[p.provisional]; t != nil {
		out = append(out, t.session)
	}
	return out
}

func decode(logger *zap.Logger, msg *protocol.Message, out any) bool {
	if err := protocol.DecodeParams(msg.Params, out); err != nil {
		logger.Warn("Malformed event payload.", zap.String("method", msg.Method), zap.Error(err))
		return false
	}
	return true
}

// onPageProxyMessage is the page proxy mailbox consumer.
func (p *Page) onPageProxyMessage(msg *protocol.Message) {
	switch msg.Method {
	case methodTargetCreated:
		var ev targetCreatedPayload
		if decode(p.logger, msg, &ev) {
			p.onTargetCreated(ev.TargetInfo)
		}
	case methodTargetDestroyed:
		var ev targetDestroyedPayload
		if decode(p.logger, msg, &ev) {
			p.onTargetDestroyed(ev)
		}
	case methodDispatchMessageFromTarget:
		var ev dispatchMessageFromTargetPayload
		if decode(p.logger, msg, &ev) {
			p.onDispatchMessageFromTarget(ev)
		}
	case methodDidCommitProvisionalTarget:
		var ev didCommitProvisionalTargetPayload
		if decode(p.logger, msg, &ev) {
			p.onDidCommitProvisionalTarget(ev)
		}
	case methodProvisionalLoadFailed:
		var ev provisionalLoadFailedPayload
		if decode(p.logger, msg, &ev) {
			p.handleProvisionalLoadFailed(ev)
		}
	case methodWindowOpen:
		var ev windowOpenPayload
		if decode(p.logger, msg, &ev) {
			p.mu.Lock()
			p.windowFeatures = ev.WindowFeatures
			p.mu.Unlock()
		}
	case methodPageProxyDestroyed:
		p.didClose()
	default:
		p.logger.Debug("Unhandled page proxy event.", zap.String("method", msg.Method))
	}
}

// sendToTarget is the raw sender of a target session: every call is wrapped
// into Target.sendMessageToTarget on the page proxy.
func (p *Page) sendToTarget(targetID string) func(*protocol.Message) error {
	return func(msg *protocol.Message) error {
		data, err := protocol.Marshal(msg)
		if err != nil {
			return err
		}
		return p.pageProxy.Post(methodSendMessageToTarget, sendMessageToTargetParams{Message: string(data), TargetID: targetID})
	}
}

func (p *Page) onTargetCreated(info targetInfo) {
	if info.Type != "" && info.Type != "page" {
		p.logger.Warn("Ignoring non-page target.", zap.String("target_id", info.TargetID), zap.String("type", info.Type))
		return
	}
	t := &target{id: info.TargetID}
	t.session = connection.NewInlineSession(info.TargetID, p.sendToTarget(info.TargetID), func(msg *protocol.Message) {
		p.onTargetMessage(t, msg)
	}, p.logger)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		t.session.Dispose()
		return
	}
	p.targets[t.id] = t

	if !info.IsProvisional {
		if p.committed != "" {
			p.logger.Warn("Second committed target created; replacing.", zap.String("old_target_id", p.committed), zap.String("target_id", t.id))
		}
		p.committed = t.id
		p.mu.Unlock()
		p.logger.Debug("Target created.", zap.String("target_id", t.id), zap.Bool("paused", info.IsPaused))
		go p.initializeFirstTarget(t, info.IsPaused)
		return
	}

	var stale *target
	if p.provisional != "" {
		stale = p.targets[p.provisional]
		delete(p.targets, p.provisional)
	}
	p.provisional = t.id
	p.resetCOOPLocked()
	if main := p.page.MainFrame(); main != nil {
		p.coopRequest = main.PendingDocumentRequest()
	}
	p.mu.Unlock()

	if stale != nil {
		p.logger.Warn("Provisional target replaced before it committed.", zap.String("target_id", stale.id))
		stale.session.Dispose()
	}
	p.logger.Debug("Provisional target created.", zap.String("target_id", t.id), zap.Bool("paused", info.IsPaused))
	go p.initializeProvisionalTarget(t, info.IsPaused)
}

func (p *Page) initializeFirstTarget(t *target, paused bool) {
	g, gctx := errgroup.WithContext(p.ctx)
	g.Go(func() error {
		var err error
		p.pageProxyInit.Do(func() { err = p.initializePageProxySession(gctx) })
		return err
	})
	g.Go(func() error { return p.initializeSession(gctx, t, false) })
	err := g.Wait()

	if paused {
		p.pageProxy.SendMayFail(p.ctx, "Target.resume", targetIDParams{TargetID: t.id})
	}
	if err == nil {
		if main := p.page.MainFrame(); main == nil || main.URL() == "" {
			// The initial empty document has no url; the page is reported
			// once the first real navigation commits.
			err = p.waitFirstNonInitialNavigation()
		}
	}
	p.page.ReportAsNew(err)
}

func (p *Page) initializeProvisionalTarget(t *target, paused bool) {
	if err := p.initializeSession(p.ctx, t, true); err != nil {
		p.logger.Debug("Provisional target failed to initialize.", zap.String("target_id", t.id), zap.Error(err))
	}
	if paused {
		p.pageProxy.SendMayFail(p.ctx, "Target.resume", targetIDParams{TargetID: t.id})
	}
}

func (p *Page) initializePageProxySession(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.pageProxy.Send(gctx, "Dialog.enable", nil, nil) })
	g.Go(func() error {
		return p.pageProxy.Send(gctx, "Emulation.setActiveAndFocused", setActiveAndFocusedParams{Active: true}, nil)
	})
	return g.Wait()
}

// initializeSession enables the domains a target needs. Failures of a
// provisional target that went away, or of a target that is no longer
// committed, are expected and swallowed.
func (p *Page) initializeSession(ctx context.Context, t *target, provisional bool) error {
	err := p.initializeSessionMayFail(ctx, t, provisional)
	if err == nil {
		return nil
	}
	if provisional && t.session.IsDisposed() {
		return nil
	}
	if p.roleOf(t) == roleCommitted {
		return err
	}
	return nil
}

func (p *Page) initializeSessionMayFail(ctx context.Context, t *target, provisional bool) error {
	var tree getResourceTreeResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.session.Send(gctx, "Page.enable", nil, nil) })
	if provisional {
		// Recorded on the page proxy consumer so that a commit dispatched
		// right after the reply already sees the main frame.
		g.Go(func() error {
			return t.session.SendThen(gctx, "Page.getResourceTree", nil, func(raw json.RawMessage) error {
				var res getResourceTreeResult
				if err := protocol.DecodeParams(raw, &res); err != nil {
					return err
				}
				p.mu.Lock()
				t.mainFrameID = res.FrameTree.Frame.ID
				p.mu.Unlock()
				return nil
			})
		})
	} else {
		g.Go(func() error { return t.session.Send(gctx, "Page.getResourceTree", nil, &tree) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if !provisional {
		p.handleFrameTree(tree.FrameTree)
	}

	p.mu.Lock()
	headers := p.extraHeaders
	p.mu.Unlock()

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error { return t.session.Send(gctx, "Runtime.enable", nil, nil) })
	g.Go(func() error {
		// Fails on pages that are already being torn down.
		t.session.SendMayFail(gctx, "Page.createUserWorld", createUserWorldParams{Name: utilityWorldName})
		return nil
	})
	g.Go(func() error { return t.session.Send(gctx, "Console.enable", nil, nil) })
	g.Go(func() error { return t.session.Send(gctx, "Network.enable", nil, nil) })
	if len(headers) > 0 {
		g.Go(func() error {
			return t.session.Send(gctx, "Network.setExtraHTTPHeaders", setExtraHTTPHeadersParams{Headers: headers}, nil)
		})
	}
	return g.Wait()
}

func (p *Page) handleFrameTree(tree frameResourceTree) {
	p.page.FrameManager().FrameAttached(tree.Frame.ID, tree.Frame.ParentID)
	p.onFrameNavigated(tree.Frame, true)
	for _, child := range tree.ChildFrames {
		p.handleFrameTree(child)
	}
}

func (p *Page) onFrameNavigated(f framePayload, initial bool) {
	p.page.FrameManager().FrameCommittedNewDocumentNavigation(f.ID, f.URL+f.URLFragment, f.Name, f.LoaderID, initial)
	if !initial {
		p.settleFirstNavigation(nil)
	}
}

func (p *Page) settleFirstNavigation(err error) {
	p.firstNavOnce.Do(func() {
		p.firstNavErr = err
		close(p.firstNav)
	})
}

func (p *Page) waitFirstNonInitialNavigation() error {
	select {
	case <-p.firstNav:
		return p.firstNavErr
	case <-p.ctx.Done():
		return &protocol.TargetClosedError{}
	}
}

func (p *Page) onDispatchMessageFromTarget(ev dispatchMessageFromTargetPayload) {
	p.mu.Lock()
	t := p.targets[ev.TargetID]
	p.mu.Unlock()
	if t == nil {
		p.logger.Debug("Dropping message from unknown target.", zap.String("target_id", ev.TargetID))
		return
	}
	msg, err := protocol.Unmarshal([]byte(ev.Message))
	if err != nil {
		p.logger.Warn("Malformed message from target.", zap.String("target_id", ev.TargetID), zap.Error(err))
		return
	}
	t.session.Dispatch(msg)
}

// onTargetMessage receives the events of every target session. The target's
// role is looked up at dispatch time, so a target that was promoted starts
// receiving the committed handlers with its very next event.
func (p *Page) onTargetMessage(t *target, msg *protocol.Message) {
	switch p.roleOf(t) {
	case roleCommitted:
		p.onCommittedEvent(t, msg)
	case roleProvisional:
		p.onProvisionalEvent(t, msg)
	default:
		p.logger.Debug("Dropping event from retired target.", zap.String("target_id", t.id), zap.String("method", msg.Method))
	}
}

func (p *Page) onCommittedEvent(t *target, msg *protocol.Message) {
	fm := p.page.FrameManager()
	switch msg.Method {
	case "Page.frameNavigated":
		var ev frameNavigatedPayload
		if decode(p.logger, msg, &ev) {
			p.onFrameNavigated(ev.Frame, false)
		}
	case "Page.navigatedWithinDocument":
		var ev navigatedWithinDocumentPayload
		if decode(p.logger, msg, &ev) {
			fm.FrameCommittedSameDocumentNavigation(ev.FrameID, ev.URL)
		}
	case "Page.frameAttached":
		var ev frameAttachedPayload
		if decode(p.logger, msg, &ev) {
			fm.FrameAttached(ev.FrameID, ev.ParentFrameID)
		}
	case "Page.frameDetached":
		var ev frameIDPayload
		if decode(p.logger, msg, &ev) {
			fm.FrameDetached(ev.FrameID)
		}
	case "Page.frameScheduledNavigation":
		var ev frameScheduledNavigationPayload
		if decode(p.logger, msg, &ev) && ev.TargetIsCurrentFrame {
			fm.FrameRequestedNavigation(ev.FrameID, "")
		}
	case "Page.willCheckNavigationPolicy":
		var ev frameIDPayload
		if decode(p.logger, msg, &ev) && !p.hasProvisional() {
			fm.FrameRequestedNavigation(ev.FrameID, "")
		}
	case "Page.didCheckNavigationPolicy":
		var ev didCheckNavigationPolicyPayload
		if decode(p.logger, msg, &ev) && ev.Cancel && !p.hasProvisional() {
			fm.FrameAbortedNavigation(ev.FrameID, "Navigation canceled by policy check", "")
		}
	case "Page.loadEventFired":
		var ev frameIDPayload
		if decode(p.logger, msg, &ev) {
			fm.FrameLifecycleEvent(ev.FrameID, page.LifecycleLoad)
		}
	case "Page.domContentEventFired":
		var ev frameIDPayload
		if decode(p.logger, msg, &ev) {
			fm.FrameLifecycleEvent(ev.FrameID, page.LifecycleDOMContentLoaded)
		}
	case "Network.requestWillBeSent":
		var ev requestWillBeSentPayload
		if decode(p.logger, msg, &ev) {
			p.onRequestWillBeSent(t.session, ev)
		}
	case "Network.responseReceived":
		var ev responseReceivedPayload
		if decode(p.logger, msg, &ev) {
			p.onResponseReceived(ev)
		}
	case "Network.loadingFinished":
		var ev loadingFinishedPayload
		if decode(p.logger, msg, &ev) {
			p.onLoadingFinished(ev)
		}
	case "Network.loadingFailed":
		var ev loadingFailedPayload
		if decode(p.logger, msg, &ev) {
			if p.deferCOOPFailure(ev) {
				return
			}
			p.onLoadingFailed(ev)
		}
	}
}

// onProvisionalEvent handles the network events of a provisional target.
// Frame ids are rewritten to the current main frame, which the provisional
// main frame replaces when it commits.
func (p *Page) onProvisionalEvent(t *target, msg *protocol.Message) {
	mainFrameID := ""
	if main := p.page.MainFrame(); main != nil {
		mainFrameID = main.ID()
	}
	switch msg.Method {
	case "Network.requestWillBeSent":
		var ev requestWillBeSentPayload
		if !decode(p.logger, msg, &ev) {
			return
		}
		if ev.FrameID != "" {
			ev.FrameID = mainFrameID
		}
		p.mu.Lock()
		coop := p.coopRequest
		p.mu.Unlock()
		if coop != nil && coop.URL() == ev.Request.URL {
			// The navigation continues in the new process after its
			// cross-origin-opener-policy headers were seen. The request was
			// already reported by the old process.
			p.adoptRequestFromNewProcess(coop, t.session, ev.RequestID)
			return
		}
		p.onRequestWillBeSent(t.session, ev)
	case "Network.responseReceived":
		var ev responseReceivedPayload
		if !decode(p.logger, msg, &ev) {
			return
		}
		if ev.FrameID != "" {
			ev.FrameID = mainFrameID
		}
		p.onResponseReceived(ev)
	case "Network.loadingFinished":
		var ev loadingFinishedPayload
		if decode(p.logger, msg, &ev) {
			p.clearCOOPRequest()
			p.onLoadingFinished(ev)
		}
	case "Network.loadingFailed":
		var ev loadingFailedPayload
		if decode(p.logger, msg, &ev) {
			p.clearCOOPRequest()
			p.onLoadingFailed(ev)
		}
	}
}

func (p *Page) hasProvisional() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.provisional != ""
}

func (p *Page) clearCOOPRequest() {
	p.mu.Lock()
	p.coopRequest = nil
	p.mu.Unlock()
}

func (p *Page) resetCOOPLocked() {
	p.coopRequest = nil
	p.coopAdopted = false
	p.coopFailure = nil
}

// deferCOOPFailure holds back the old process' failure of the navigation it
// handed to the provisional target. The failure is dropped if the new process
// adopts the request and applied if the provisional target commits without
// adopting it.
func (p *Page) deferCOOPFailure(ev loadingFailedPayload) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := p.requests[ev.RequestID]
	if entry == nil || p.provisional == "" || p.coopRequest == nil || entry.request != p.coopRequest || p.coopAdopted {
		return false
	}
	p.coopFailure = &ev
	return true
}

func (p *Page) onRequestWillBeSent(session *connection.Session, ev requestWillBeSentPayload) {
	url := ev.Request.URL
	if strings.HasPrefix(url, "data:") || strings.HasPrefix(url, "about:") {
		return
	}
	fm := p.page.FrameManager()

	p.mu.Lock()
	entry := p.requests[ev.RequestID]
	p.mu.Unlock()

	var redirectedFrom *page.Request
	if ev.RedirectResponse != nil && entry != nil {
		p.handleRequestRedirect(entry, *ev.RedirectResponse, ev.Timestamp)
		redirectedFrom = entry.request
	}

	var frame *page.Frame
	if redirectedFrom != nil {
		frame = redirectedFrom.Frame()
	} else {
		frame = fm.Frame(ev.FrameID)
	}
	if frame == nil {
		if redirectedFrom != nil {
			p.mu.Lock()
			delete(p.requests, ev.RequestID)
			p.mu.Unlock()
		}
		p.logger.Debug("Request for unknown frame ignored.", zap.String("frame_id", ev.FrameID), zap.String("url", url))
		return
	}

	documentID := ""
	if ev.Type == "Document" {
		documentID = ev.LoaderID
	}
	if redirectedFrom != nil {
		entry.startHop(frame, ev, redirectedFrom, documentID)
	} else {
		entry = newInterceptableRequest(session, frame, ev, nil, documentID)
		p.mu.Lock()
		p.requests[ev.RequestID] = entry
		p.mu.Unlock()
	}
	fm.RequestStarted(entry.request)
}

func (p *Page) handleRequestRedirect(entry *InterceptableRequest, payload responsePayload, timestamp float64) {
	fm := p.page.FrameManager()
	resp := entry.createResponse(payload)
	resp.Finish(entry.elapsed(timestamp))
	fm.RequestReceivedResponse(resp)
	fm.RequestFinished(entry.request, resp)
}

func (p *Page) onResponseReceived(ev responseReceivedPayload) {
	p.mu.Lock()
	entry := p.requests[ev.RequestID]
	p.mu.Unlock()
	if entry == nil {
		return
	}
	resp := entry.createResponse(ev.Response)
	p.page.FrameManager().RequestReceivedResponse(resp)

	if resp.Status() == 204 && entry.request.IsNavigationRequest() {
		p.onLoadingFailed(loadingFailedPayload{
			RequestID: ev.RequestID,
			Timestamp: ev.Timestamp,
			ErrorText: "Aborted: 204 No Content",
		})
	}
}

func (p *Page) takeRequest(requestID string) *InterceptableRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := p.requests[requestID]
	delete(p.requests, requestID)
	return entry
}

func (p *Page) onLoadingFinished(ev loadingFinishedPayload) {
	entry := p.takeRequest(ev.RequestID)
	if entry == nil {
		return
	}
	resp := entry.request.Response()
	if resp != nil {
		resp.Finish(entry.elapsed(ev.Timestamp))
	}
	p.page.FrameManager().RequestFinished(entry.request, resp)
}

func (p *Page) onLoadingFailed(ev loadingFailedPayload) {
	entry := p.takeRequest(ev.RequestID)
	if entry == nil {
		return
	}
	if resp := entry.request.Response(); resp != nil {
		resp.Finish(entry.elapsed(ev.Timestamp))
	}
	entry.request.SetFailure(ev.ErrorText)
	p.page.FrameManager().RequestFailed(entry.request, strings.Contains(ev.ErrorText, "cancelled"))
}

// adoptRequestFromNewProcess re-keys the entry of req under the request id
// used by the new process. Only one entry exists for the navigation before
// and after.
func (p *Page) adoptRequestFromNewProcess(req *page.Request, session *connection.Session, requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.requests {
		if entry.request != req {
			continue
		}
		delete(p.requests, key)
		entry.adoptFromNewProcess(session, requestID)
		p.requests[requestID] = entry
		if req == p.coopRequest {
			p.coopAdopted = true
			p.coopFailure = nil
		}
		p.logger.Debug("Navigation request adopted by new process.", zap.String("old_request_id", key), zap.String("request_id", requestID))
		return
	}
}

// maybeCancelCOOPRequest fails the navigation request a provisional target
// had taken over, so it does not stay pending forever. failure, when set, is
// the old process' own report of the failure.
func (p *Page) maybeCancelCOOPRequest(coop *page.Request, failure *loadingFailedPayload) {
	if coop == nil {
		return
	}
	p.mu.Lock()
	var ids []string
	var timestamps []float64
	for id, entry := range p.requests {
		if entry.request == coop {
			ids = append(ids, id)
			timestamps = append(timestamps, entry.timestamp)
		}
	}
	p.mu.Unlock()
	for i, id := range ids {
		ev := loadingFailedPayload{RequestID: id, Timestamp: timestamps[i], ErrorText: "Provisional navigation canceled."}
		if failure != nil {
			ev.Timestamp, ev.ErrorText = failure.Timestamp, failure.ErrorText
		}
		p.onLoadingFailed(ev)
	}
}

func (p *Page) onDidCommitProvisionalTarget(ev didCommitProvisionalTargetPayload) {
	p.mu.Lock()
	if p.provisional == "" || p.provisional != ev.NewTargetID || p.committed != ev.OldTargetID {
		committed, provisional := p.committed, p.provisional
		p.mu.Unlock()
		p.logger.Warn("Unexpected provisional commit.",
			zap.String("old_target_id", ev.OldTargetID), zap.String("new_target_id", ev.NewTargetID),
			zap.String("committed", committed), zap.String("provisional", provisional))
		return
	}
	old := p.targets[ev.OldTargetID]
	mainFrameID := p.targets[ev.NewTargetID].mainFrameID
	var coop *page.Request
	var coopFailure *loadingFailedPayload
	if !p.coopAdopted {
		coop, coopFailure = p.coopRequest, p.coopFailure
	}
	p.mu.Unlock()

	// 1. The old process is gone for this page, and with it any navigation
	// it handed over that the new process never picked up.
	if old != nil {
		old.session.Dispose()
	}
	p.maybeCancelCOOPRequest(coop, coopFailure)
	// 2. The main frame keeps its identity under the new process' frame id.
	if mainFrameID != "" {
		p.page.FrameManager().FrameAttached(mainFrameID, "")
	} else {
		p.logger.Warn("Provisional target committed before reporting its main frame.", zap.String("target_id", ev.NewTargetID))
	}
	// 3. Route to the new target from now on.
	p.mu.Lock()
	p.committed = ev.NewTargetID
	p.provisional = ""
	delete(p.targets, ev.OldTargetID)
	p.resetCOOPLocked()
	p.mu.Unlock()

	p.logger.Debug("Provisional target committed.", zap.String("old_target_id", ev.OldTargetID), zap.String("target_id", ev.NewTargetID))
}

func (p *Page) onTargetDestroyed(ev targetDestroyedPayload) {
	p.mu.Lock()
	t := p.targets[ev.TargetID]
	if t == nil {
		p.mu.Unlock()
		return
	}
	switch ev.TargetID {
	case p.provisional:
		coop := p.coopRequest
		p.provisional = ""
		p.resetCOOPLocked()
		delete(p.targets, ev.TargetID)
		p.mu.Unlock()
		p.maybeCancelCOOPRequest(coop, nil)
		t.session.Dispose()
		p.logger.Debug("Provisional target destroyed.", zap.String("target_id", ev.TargetID))
	case p.committed:
		delete(p.targets, ev.TargetID)
		p.mu.Unlock()
		if ev.Crashed {
			t.session.MarkAsCrashed()
		}
		t.session.Dispose()
		if ev.Crashed {
			p.page.DidCrash()
		}
		p.logger.Debug("Committed target destroyed.", zap.String("target_id", ev.TargetID), zap.Bool("crashed", ev.Crashed))
	default:
		p.mu.Unlock()
	}
}

func (p *Page) handleProvisionalLoadFailed(ev provisionalLoadFailedPayload) {
	if !p.page.Initialized() {
		p.settleFirstNavigation(errors.New("Initial load failed"))
		return
	}
	if !p.hasProvisional() {
		return
	}
	main := p.page.MainFrame()
	if main == nil {
		return
	}
	text := ev.Error
	if strings.Contains(text, "cancelled") {
		text += "; maybe frame was detached?"
	}
	p.page.FrameManager().FrameAbortedNavigation(main.ID(), text, ev.LoaderID)
}

// Navigate starts a navigation of the main frame and returns the new
// document's loader id.
func (p *Page) Navigate(ctx context.Context, url, referrer string) (string, error) {
	if p.pageProxy.IsDisposed() {
		return "", &protocol.TargetClosedError{}
	}
	main := p.page.MainFrame()
	if main == nil {
		return "", errors.New("page has no main frame yet")
	}
	var res navigateResult
	err := p.browser.Conn().RootSession().Send(ctx, "Playwright.navigate", navigateParams{
		URL:         url,
		PageProxyID: p.pageProxyID,
		FrameID:     main.ID(),
		Referrer:    referrer,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.LoaderID, nil
}

// Reload reloads the committed document.
func (p *Page) Reload(ctx context.Context) error {
	t := p.committedTarget()
	if t == nil {
		return &protocol.TargetClosedError{}
	}
	return t.session.Send(ctx, "Page.reload", nil, nil)
}

// Close asks the committed target to close. Unless runBeforeUnload is set it
// waits until the page proxy is gone.
func (p *Page) Close(ctx context.Context, runBeforeUnload bool) error {
	if t := p.committedTarget(); t != nil {
		p.pageProxy.SendMayFail(ctx, "Target.close", targetCloseParams{TargetID: t.id, RunBeforeUnload: runBeforeUnload})
	}
	if runBeforeUnload {
		return nil
	}
	select {
	case <-p.page.Closed():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetExtraHTTPHeaders applies headers to the committed and the provisional
// target, and to any target initialized later. Per-session failures are
// ignored.
func (p *Page) SetExtraHTTPHeaders(ctx context.Context, headers map[string]string) {
	p.mu.Lock()
	p.extraHeaders = headers
	p.mu.Unlock()
	p.forAllSessions(ctx, func(ctx context.Context, s *connection.Session) {
		s.SendMayFail(ctx, "Network.setExtraHTTPHeaders", setExtraHTTPHeadersParams{Headers: headers})
	})
}

func (p *Page) forAllSessions(ctx context.Context, fn func(ctx context.Context, s *connection.Session)) {
	var g errgroup.Group
	for _, s := range p.sessions() {
		g.Go(func() error {
			fn(ctx, s)
			return nil
		})
	}
	g.Wait()
}

// didClose tears the page down. Only the first call has any effect.
func (p *Page) didClose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := make([]*connection.Session, 0, len(p.targets))
	for _, t := range p.targets {
		sessions = append(sessions, t.session)
	}
	p.targets = make(map[string]*target)
	p.committed, p.provisional = "", ""
	p.resetCOOPLocked()
	p.requests = make(map[string]*InterceptableRequest)
	p.mu.Unlock()

	p.pageProxy.Dispose()
	for _, s := range sessions {
		s.Dispose()
	}
	p.settleFirstNavigation(&protocol.TargetClosedError{})
	p.page.DidClose()
	p.cancel()
	p.logger.Debug("Page closed.")
}
