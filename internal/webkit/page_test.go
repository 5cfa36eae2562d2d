// internal/webkit/page_test.go
package webkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/driveline/internal/page"
	"github.com/xkilldash9x/driveline/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waitEvent pulls page events until one of kind arrives and returns it along
// with everything that came before it.
func waitEvent(t *testing.T, p *Page, kind page.EventKind) (page.Event, []page.Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var before []page.Event
	for {
		ev, err := p.Page().Next(ctx)
		require.NoError(t, err, "waiting for %s", kind)
		if ev.Kind == kind {
			return ev, before
		}
		before = append(before, ev)
	}
}

func kindsOf(events []page.Event) []page.EventKind {
	out := make([]page.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func documentRequest(requestID, frameID, loaderID, url string, ts float64) requestWillBeSentPayload {
	return requestWillBeSentPayload{
		RequestID: requestID,
		FrameID:   frameID,
		LoaderID:  loaderID,
		Type:      "Document",
		Timestamp: ts,
		Request:   requestPayload{URL: url, Method: "GET"},
	}
}

func TestPage_InitializesFirstTarget(t *testing.T) {
	b, be := connectTestBrowser(t)
	assert.Contains(t, be.methods("", ""), "Playwright.enable")
	assert.Contains(t, be.methods("", ""), "Playwright.setDownloadBehavior")

	be.setTree("T1", "main-1", "https://start.test/")
	be.event("", methodPageProxyCreated, pageProxyCreatedPayload{PageProxyID: "pp1"})
	be.event("pp1", methodTargetCreated, targetCreatedPayload{TargetInfo: targetInfo{TargetID: "T1", Type: "page", IsPaused: true}})

	var p *Page
	require.Eventually(t, func() bool { p = b.page("pp1"); return p != nil }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, p.WaitForInitialization(context.Background()))

	require.GreaterOrEqual(t, len(be.methods("pp1", "T1")), 2)
	assert.ElementsMatch(t, []string{"Page.enable", "Page.getResourceTree"}, be.methods("pp1", "T1")[:2])
	for _, m := range []string{"Runtime.enable", "Page.createUserWorld", "Console.enable", "Network.enable"} {
		assert.Contains(t, be.methods("pp1", "T1"), m)
	}
	be.waitFor("pp1", "", "Target.resume")
	proxy := be.methods("pp1", "")
	assert.Contains(t, proxy, "Dialog.enable")
	assert.Contains(t, proxy, "Emulation.setActiveAndFocused")

	main := p.Page().MainFrame()
	require.NotNil(t, main)
	assert.Equal(t, "main-1", main.ID())
	assert.Equal(t, "https://start.test/", main.URL())
}

func TestPage_WaitsForFirstRealNavigation(t *testing.T) {
	b, be := connectTestBrowser(t)
	be.setTree("T1", "main-1", "")
	be.event("", methodPageProxyCreated, pageProxyCreatedPayload{PageProxyID: "pp1"})
	be.event("pp1", methodTargetCreated, targetCreatedPayload{TargetInfo: targetInfo{TargetID: "T1", Type: "page"}})

	var p *Page
	require.Eventually(t, func() bool { p = b.page("pp1"); return p != nil }, 5*time.Second, 5*time.Millisecond)
	be.waitFor("pp1", "T1", "Network.enable")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitForInitialization(ctx), context.DeadlineExceeded)

	be.targetEvent("pp1", "T1", "Page.frameNavigated", frameNavigatedPayload{Frame: framePayload{ID: "main-1", LoaderID: "L1", URL: "https://popup.test/"}})
	require.NoError(t, p.WaitForInitialization(context.Background()))
	assert.Equal(t, "https://popup.test/", p.Page().MainFrame().URL())
}

func TestPage_InitialLoadFailure(t *testing.T) {
	b, be := connectTestBrowser(t)
	be.setTree("T1", "main-1", "")
	be.event("", methodPageProxyCreated, pageProxyCreatedPayload{PageProxyID: "pp1"})
	be.event("pp1", methodTargetCreated, targetCreatedPayload{TargetInfo: targetInfo{TargetID: "T1", Type: "page"}})

	var p *Page
	require.Eventually(t, func() bool { p = b.page("pp1"); return p != nil }, 5*time.Second, 5*time.Millisecond)
	be.waitFor("pp1", "T1", "Network.enable")

	be.event("", methodProvisionalLoadFailed, provisionalLoadFailedPayload{PageProxyID: "pp1", LoaderID: "L1", Error: "Could not connect"})
	err := p.WaitForInitialization(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Initial load failed")
}

// promoteSetup opens a page on T1, starts a navigation of the main frame and
// creates provisional target T2 while that navigation is pending.
func promoteSetup(t *testing.T) (*Browser, *backend, *Page, *page.Request) {
	t.Helper()
	b, be := connectTestBrowser(t)
	p := openPage(t, b, be, "pp1", "T1", "main-1")

	be.targetEvent("pp1", "T1", "Network.requestWillBeSent", documentRequest("r1", "main-1", "L1", "https://other.test/", 10))
	be.targetEvent("pp1", "T1", "Network.responseReceived", responseReceivedPayload{
		RequestID: "r1", FrameID: "main-1", LoaderID: "L1", Timestamp: 10.5, Type: "Document",
		Response: responsePayload{URL: "https://other.test/", Status: 200, StatusText: "OK"},
	})
	reqEv, _ := waitEvent(t, p, page.EventResponse)
	nav := reqEv.Request
	require.Same(t, nav, p.Page().MainFrame().PendingDocumentRequest())

	be.setTree("T2", "main-2", "")
	be.event("pp1", methodTargetCreated, targetCreatedPayload{TargetInfo: targetInfo{TargetID: "T2", Type: "page", IsProvisional: true}})
	be.waitFor("pp1", "T2", "Network.enable")
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		t2 := p.targets["T2"]
		return t2 != nil && t2.mainFrameID == "main-2"
	}, 5*time.Second, 5*time.Millisecond)
	return b, be, p, nav
}

func TestPage_ProvisionalCommitAdoptsNavigation(t *testing.T) {
	_, be, p, nav := promoteSetup(t)
	main := p.Page().MainFrame()

	p.mu.Lock()
	assert.Same(t, nav, p.coopRequest)
	t1 := p.targets["T1"]
	p.mu.Unlock()

	// The new process reports the same navigation under its own request id.
	be.targetEvent("pp1", "T2", "Network.requestWillBeSent", documentRequest("r2", "main-2", "L2", "https://other.test/", 11))
	be.targetEvent("pp1", "T2", "Network.loadingFinished", loadingFinishedPayload{RequestID: "r2", Timestamp: 12})
	fin, before := waitEvent(t, p, page.EventRequestFinished)
	assert.Same(t, nav, fin.Request)
	assert.NotContains(t, kindsOf(before), page.EventRequest, "the adopted request is not reported twice")
	done, took := fin.Response.Finished()
	assert.True(t, done)
	assert.Equal(t, 2*time.Second, took, "start time of the original request is kept")

	be.event("pp1", methodDidCommitProvisionalTarget, didCommitProvisionalTargetPayload{OldTargetID: "T1", NewTargetID: "T2"})
	be.targetEvent("pp1", "T2", "Page.frameNavigated", frameNavigatedPayload{Frame: framePayload{ID: "main-2", LoaderID: "L2", URL: "https://other.test/"}})
	navEv, _ := waitEvent(t, p, page.EventFrameNavigated)

	assert.Same(t, main, navEv.Frame, "the main frame keeps its identity")
	assert.Equal(t, "main-2", main.ID())
	assert.Equal(t, "https://other.test/", main.URL())
	assert.True(t, t1.session.IsDisposed())

	p.mu.Lock()
	assert.Equal(t, "T2", p.committed)
	assert.Empty(t, p.provisional)
	assert.NotContains(t, p.targets, "T1")
	assert.Nil(t, p.coopRequest)
	assert.Empty(t, p.requests)
	p.mu.Unlock()

	// Late traffic from the old process goes nowhere; the next event from the
	// new one is still delivered.
	be.targetEvent("pp1", "T1", "Page.loadEventFired", frameIDPayload{FrameID: "main-1"})
	be.targetEvent("pp1", "T2", "Page.domContentEventFired", frameIDPayload{FrameID: "main-2"})
	lc, skipped := waitEvent(t, p, page.EventLifecycle)
	assert.Empty(t, skipped)
	assert.Equal(t, page.LifecycleDOMContentLoaded, lc.Text)
}

func TestPage_CommittedFailureOfHandedOverRequestIsHeldBack(t *testing.T) {
	_, be, p, nav := promoteSetup(t)

	// The old process gives up on the load it handed over.
	be.targetEvent("pp1", "T1", "Network.loadingFailed", loadingFailedPayload{RequestID: "r1", Timestamp: 11, ErrorText: "Load cancelled"})
	be.targetEvent("pp1", "T1", "Page.loadEventFired", frameIDPayload{FrameID: "main-1"})
	_, before := waitEvent(t, p, page.EventLifecycle)
	assert.NotContains(t, kindsOf(before), page.EventRequestFailed)

	p.mu.Lock()
	entry := p.requests["r1"]
	held := p.coopFailure
	p.mu.Unlock()
	require.NotNil(t, entry)
	assert.Same(t, nav, entry.Request())
	require.NotNil(t, held)
	assert.Equal(t, "Load cancelled", held.ErrorText)
}

func TestPage_ProvisionalDestroyCancelsAdoptedRequest(t *testing.T) {
	_, be, p, nav := promoteSetup(t)
	p.mu.Lock()
	t2 := p.targets["T2"]
	p.mu.Unlock()

	be.event("pp1", methodTargetDestroyed, targetDestroyedPayload{TargetID: "T2"})
	failed, _ := waitEvent(t, p, page.EventRequestFailed)
	assert.Same(t, nav, failed.Request)
	assert.Equal(t, "Provisional navigation canceled.", failed.Text)
	require.Eventually(t, t2.session.IsDisposed, 5*time.Second, 5*time.Millisecond)

	p.mu.Lock()
	assert.Empty(t, p.provisional)
	assert.Empty(t, p.requests)
	assert.Equal(t, "T1", p.committed)
	p.mu.Unlock()
	assert.Equal(t, "main-1", p.Page().MainFrame().ID())
}

func TestPage_CommitWithoutAdoptionFailsNavigation(t *testing.T) {
	_, be, p, nav := promoteSetup(t)

	// The old process reports the failure it handed over, and the new one
	// commits without ever claiming the navigation.
	be.targetEvent("pp1", "T1", "Network.loadingFailed", loadingFailedPayload{RequestID: "r1", Timestamp: 11, ErrorText: "Load cancelled"})
	be.event("pp1", methodDidCommitProvisionalTarget, didCommitProvisionalTargetPayload{OldTargetID: "T1", NewTargetID: "T2"})

	failed, _ := waitEvent(t, p, page.EventRequestFailed)
	assert.Same(t, nav, failed.Request)
	assert.Equal(t, "Load cancelled", failed.Text)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, "T2", p.committed)
	assert.Empty(t, p.requests)
	assert.Nil(t, p.coopRequest)
	assert.Nil(t, p.coopFailure)
}

func TestPage_CommitWithoutAdoptionOrFailureCancelsNavigation(t *testing.T) {
	_, be, p, nav := promoteSetup(t)

	be.event("pp1", methodDidCommitProvisionalTarget, didCommitProvisionalTargetPayload{OldTargetID: "T1", NewTargetID: "T2"})
	failed, _ := waitEvent(t, p, page.EventRequestFailed)
	assert.Same(t, nav, failed.Request)
	assert.Equal(t, "Provisional navigation canceled.", failed.Text)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.requests)
}

func TestPage_AdoptionDropsOldProcessFailure(t *testing.T) {
	_, be, p, nav := promoteSetup(t)

	be.targetEvent("pp1", "T1", "Network.loadingFailed", loadingFailedPayload{RequestID: "r1", Timestamp: 11, ErrorText: "Load cancelled"})
	be.targetEvent("pp1", "T2", "Network.requestWillBeSent", documentRequest("r2", "main-2", "L2", "https://other.test/", 11))
	be.event("pp1", methodDidCommitProvisionalTarget, didCommitProvisionalTargetPayload{OldTargetID: "T1", NewTargetID: "T2"})
	be.targetEvent("pp1", "T2", "Network.loadingFinished", loadingFinishedPayload{RequestID: "r2", Timestamp: 12})

	fin, before := waitEvent(t, p, page.EventRequestFinished)
	assert.Same(t, nav, fin.Request)
	assert.NotContains(t, kindsOf(before), page.EventRequestFailed)
	assert.Empty(t, nav.Failure())
}

func TestPage_CommitRightAfterResourceTreeMovesMainFrame(t *testing.T) {
	b, be := connectTestBrowser(t)
	p := openPage(t, b, be, "pp1", "T1", "main-1")
	main := p.Page().MainFrame()

	be.hold("Page.getResourceTree")
	be.event("pp1", methodTargetCreated, targetCreatedPayload{TargetInfo: targetInfo{TargetID: "T2", Type: "page", IsProvisional: true}})
	be.waitFor("pp1", "T2", "Page.getResourceTree")
	tree, ok := be.lastCall("Page.getResourceTree")
	require.True(t, ok)
	require.Equal(t, "T2", tree.targetID)

	// The tree reply, the commit and the first event of the new process
	// arrive back to back.
	raw, err := protocol.EncodeParams(getResourceTreeResult{FrameTree: frameResourceTree{Frame: framePayload{ID: "main-2"}}})
	require.NoError(t, err)
	be.fromTarget("pp1", "T2", &protocol.Message{ID: tree.id, Result: raw})
	be.event("pp1", methodDidCommitProvisionalTarget, didCommitProvisionalTargetPayload{OldTargetID: "T1", NewTargetID: "T2"})
	be.targetEvent("pp1", "T2", "Page.frameNavigated", frameNavigatedPayload{Frame: framePayload{ID: "main-2", LoaderID: "L2", URL: "https://other.test/"}})

	for {
		navEv, _ := waitEvent(t, p, page.EventFrameNavigated)
		if navEv.URL != "https://other.test/" {
			continue
		}
		assert.Same(t, main, navEv.Frame, "the main frame keeps its identity")
		break
	}
	assert.Equal(t, "main-2", main.ID())
	assert.Equal(t, "https://other.test/", main.URL())
}

func TestPage_PolicyChecksIgnoredWhileProvisional(t *testing.T) {
	b, be := connectTestBrowser(t)
	p := openPage(t, b, be, "pp1", "T1", "main-1")

	be.targetEvent("pp1", "T1", "Page.willCheckNavigationPolicy", frameIDPayload{FrameID: "main-1"})
	waitEvent(t, p, page.EventNavigationRequested)
	be.targetEvent("pp1", "T1", "Page.didCheckNavigationPolicy", didCheckNavigationPolicyPayload{FrameID: "main-1", Cancel: true})
	aborted, _ := waitEvent(t, p, page.EventNavigationAborted)
	assert.Equal(t, "Navigation canceled by policy check", aborted.Text)

	be.event("pp1", methodTargetCreated, targetCreatedPayload{TargetInfo: targetInfo{TargetID: "T2", Type: "page", IsProvisional: true}})
	be.waitFor("pp1", "T2", "Network.enable")

	be.targetEvent("pp1", "T1", "Page.willCheckNavigationPolicy", frameIDPayload{FrameID: "main-1"})
	be.targetEvent("pp1", "T1", "Page.didCheckNavigationPolicy", didCheckNavigationPolicyPayload{FrameID: "main-1", Cancel: true})
	be.targetEvent("pp1", "T1", "Page.loadEventFired", frameIDPayload{FrameID: "main-1"})
	_, before := waitEvent(t, p, page.EventLifecycle)
	assert.Empty(t, before)
}

func TestPage_RedirectKeepsOneEntry(t *testing.T) {
	b, be := connectTestBrowser(t)
	p := openPage(t, b, be, "pp1", "T1", "main-1")

	be.targetEvent("pp1", "T1", "Network.requestWillBeSent", documentRequest("r1", "main-1", "L1", "http://a.test/", 1))
	redirect := documentRequest("r1", "main-1", "L1", "https://a.test/", 1.25)
	redirect.RedirectResponse = &responsePayload{URL: "http://a.test/", Status: 301, StatusText: "Moved Permanently"}
	be.targetEvent("pp1", "T1", "Network.requestWillBeSent", redirect)

	first, _ := waitEvent(t, p, page.EventRequest)
	second, between := waitEvent(t, p, page.EventRequest)
	assert.Equal(t, []page.EventKind{page.EventResponse, page.EventRequestFinished}, kindsOf(between))
	assert.Same(t, first.Request, second.Request.RedirectedFrom())
	assert.Equal(t, "https://a.test/", second.Request.URL())
	assert.Equal(t, 301, first.Request.Response().Status())

	p.mu.Lock()
	require.Len(t, p.requests, 1)
	entry := p.requests["r1"]
	p.mu.Unlock()
	require.NotNil(t, entry)
	assert.Same(t, second.Request, entry.Request())
	assert.Len(t, entry.Responses(), 1)

	be.targetEvent("pp1", "T1", "Network.responseReceived", responseReceivedPayload{
		RequestID: "r1", FrameID: "main-1", Timestamp: 1.5, Response: responsePayload{URL: "https://a.test/", Status: 200},
	})
	be.targetEvent("pp1", "T1", "Network.loadingFinished", loadingFinishedPayload{RequestID: "r1", Timestamp: 2})
	fin, _ := waitEvent(t, p, page.EventRequestFinished)
	assert.Same(t, second.Request, fin.Request)
	assert.Len(t, entry.Responses(), 2)
	_, took := fin.Response.Finished()
	assert.Equal(t, 750*time.Millisecond, took)

	p.mu.Lock()
	assert.Empty(t, p.requests)
	p.mu.Unlock()
}

func TestPage_NoContentNavigationFails(t *testing.T) {
	b, be := connectTestBrowser(t)
	p := openPage(t, b, be, "pp1", "T1", "main-1")

	be.targetEvent("pp1", "T1", "Network.requestWillBeSent", documentRequest("r1", "main-1", "L1", "https://empty.test/", 1))
	be.targetEvent("pp1", "T1", "Network.responseReceived", responseReceivedPayload{
		RequestID: "r1", FrameID: "main-1", Timestamp: 1.1, Response: responsePayload{URL: "https://empty.test/", Status: 204},
	})
	failed, before := waitEvent(t, p, page.EventRequestFailed)
	assert.Equal(t, "Aborted: 204 No Content", failed.Text)
	assert.Contains(t, kindsOf(before), page.EventNavigationAborted)
	assert.Nil(t, p.Page().MainFrame().PendingDocumentRequest())

	p.mu.Lock()
	assert.Empty(t, p.requests)
	p.mu.Unlock()
}

func TestPage_SkipsDataAndAboutURLs(t *testing.T) {
	b, be := connectTestBrowser(t)
	p := openPage(t, b, be, "pp1", "T1", "main-1")

	be.targetEvent("pp1", "T1", "Network.requestWillBeSent", documentRequest("r1", "main-1", "L1", "data:text/plain,hi", 1))
	be.targetEvent("pp1", "T1", "Network.requestWillBeSent", documentRequest("r2", "main-1", "L2", "about:blank", 1))
	be.targetEvent("pp1", "T1", "Page.loadEventFired", frameIDPayload{FrameID: "main-1"})
	_, before := waitEvent(t, p, page.EventLifecycle)
	assert.NotContains(t, kindsOf(before), page.EventRequest)
}

func TestPage_CrashRejectsPendingCalls(t *testing.T) {
	b, be := connectTestBrowser(t)
	p := openPage(t, b, be, "pp1", "T1", "main-1")
	be.hold("Page.reload")

	errCh := make(chan error, 1)
	go func() { errCh <- p.Reload(context.Background()) }()
	be.waitFor("pp1", "T1", "Page.reload")

	be.event("pp1", methodTargetDestroyed, targetDestroyedPayload{TargetID: "T1", Crashed: true})
	select {
	case err := <-errCh:
		var pe *protocol.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, protocol.ErrorTypeCrashed, pe.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call was not rejected")
	}
	waitEvent(t, p, page.EventCrash)
	assert.True(t, p.Page().Crashed())
}

func TestPage_NavigateAndClose(t *testing.T) {
	b, be := connectTestBrowser(t)
	p := openPage(t, b, be, "pp1", "T1", "main-1")

	loaderID, err := p.Navigate(context.Background(), "https://next.test/", "https://ref.test/")
	require.NoError(t, err)
	assert.Equal(t, "loader-nav", loaderID)
	c, ok := be.lastCall("Playwright.navigate")
	require.True(t, ok)
	assert.JSONEq(t, `{"url":"https://next.test/","pageProxyId":"pp1","frameId":"main-1","referrer":"https://ref.test/"}`, string(c.params))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx, false))
	assert.True(t, p.Page().IsClosed())
	c, ok = be.lastCall("Target.close")
	require.True(t, ok)
	assert.JSONEq(t, `{"targetId":"T1"}`, string(c.params))
	assert.Empty(t, b.Pages())

	_, err = p.Navigate(context.Background(), "https://again.test/", "")
	var closed *protocol.TargetClosedError
	assert.ErrorAs(t, err, &closed)
}

func TestPage_ExtraHeadersReachBothTargets(t *testing.T) {
	b, be := connectTestBrowser(t)
	p := openPage(t, b, be, "pp1", "T1", "main-1")
	be.event("pp1", methodTargetCreated, targetCreatedPayload{TargetInfo: targetInfo{TargetID: "T2", Type: "page", IsProvisional: true}})
	be.waitFor("pp1", "T2", "Network.enable")

	p.SetExtraHTTPHeaders(context.Background(), map[string]string{"X-Test": "1"})
	assert.Contains(t, be.methods("pp1", "T1"), "Network.setExtraHTTPHeaders")
	assert.Contains(t, be.methods("pp1", "T2"), "Network.setExtraHTTPHeaders")
}

func TestPage_WindowOpenFeatures(t *testing.T) {
	b, be := connectTestBrowser(t)
	p := openPage(t, b, be, "pp1", "T1", "main-1")
	be.event("", methodWindowOpen, windowOpenPayload{PageProxyID: "pp1", URL: "https://popup.test/", WindowFeatures: []string{"width=100"}})
	require.Eventually(t, func() bool { return len(p.WindowFeatures()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"width=100"}, p.WindowFeatures())
}

func TestBrowser_NewPageAndDisconnect(t *testing.T) {
	b, be := connectTestBrowser(t)

	ctxID, err := b.NewContext(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ctx-1", ctxID)

	p, err := b.NewPage(context.Background(), ctxID)
	require.NoError(t, err)
	assert.Equal(t, "pp-new-1", p.ID())
	assert.Equal(t, ctxID, p.ContextID())
	assert.Len(t, b.Pages(), 1)

	be.tr.Hangup(errors.New("pipe closed"))
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("browser did not notice the disconnect")
	}
	assert.True(t, p.Page().IsClosed())
	assert.False(t, b.IsConnected())
	assert.Empty(t, b.Pages())
}

func TestBrowser_IgnoresUnknownContextWhenNotPersistent(t *testing.T) {
	b, be := connectTestBrowser(t)
	b.mu.Lock()
	b.opts.Persistent = false
	b.mu.Unlock()

	be.event("", methodPageProxyCreated, pageProxyCreatedPayload{PageProxyID: "stray", BrowserContextID: "nope"})
	be.event("", methodPageProxyCreated, pageProxyCreatedPayload{PageProxyID: "pp1"})

	ctxID, err := b.NewContext(context.Background(), nil)
	require.NoError(t, err)
	p, err := b.NewPage(context.Background(), ctxID)
	require.NoError(t, err)

	assert.Nil(t, b.page("stray"))
	assert.Nil(t, b.page("pp1"))
	assert.Equal(t, []*Page{p}, b.Pages())
}
