// internal/webkit/backend_test.go
package webkit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/protocol"
	"github.com/xkilldash9x/driveline/internal/transport/transporttest"
)

// call is one request the code under test sent to the fake browser.
type call struct {
	id          int64
	pageProxyID string
	targetID    string
	method      string
	params      json.RawMessage
}

// backend is a scripted WebKit: it answers every request it sees unless the
// method was held, and reports target traffic the way WebKit wraps it.
type backend struct {
	t  *testing.T
	tr *transporttest.Memory

	mu       sync.Mutex
	calls    []call
	trees    map[string]frameResourceTree
	held     map[string]bool
	nextPage int

	stop chan struct{}
	done chan struct{}
}

func newBackend(t *testing.T) *backend {
	b := &backend{
		t:     t,
		tr:    transporttest.NewMemory(),
		trees: make(map[string]frameResourceTree),
		held:  make(map[string]bool),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.serve()
	return b
}

func (b *backend) shutdown() {
	close(b.stop)
	<-b.done
	b.tr.Hangup(nil)
}

// setTree scripts the resource tree reported by a target.
func (b *backend) setTree(targetID, mainFrameID, url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trees[targetID] = frameResourceTree{Frame: framePayload{ID: mainFrameID, LoaderID: "init-" + targetID, URL: url}}
}

// hold makes the backend leave method unanswered.
func (b *backend) hold(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held[method] = true
}

func (b *backend) serve() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case msg := <-b.tr.Sent():
			b.handle(msg)
		}
	}
}

func (b *backend) record(c call) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, c)
	return b.held[c.method]
}

func (b *backend) reply(id int64, pageProxyID string, result any) {
	raw, _ := protocol.EncodeParams(result)
	b.tr.Deliver(&protocol.Message{ID: id, PageProxyID: pageProxyID, Result: raw})
}

func (b *backend) event(pageProxyID, method string, params any) {
	raw, _ := protocol.EncodeParams(params)
	b.tr.Deliver(&protocol.Message{Method: method, PageProxyID: pageProxyID, Params: raw})
}

// fromTarget delivers msg as if target targetID had sent it.
func (b *backend) fromTarget(pageProxyID, targetID string, msg *protocol.Message) {
	data, _ := protocol.Marshal(msg)
	b.event(pageProxyID, methodDispatchMessageFromTarget, dispatchMessageFromTargetPayload{TargetID: targetID, Message: string(data)})
}

// targetEvent delivers a target event.
func (b *backend) targetEvent(pageProxyID, targetID, method string, params any) {
	raw, _ := protocol.EncodeParams(params)
	b.fromTarget(pageProxyID, targetID, &protocol.Message{Method: method, Params: raw})
}

func (b *backend) handle(msg *protocol.Message) {
	if msg.Method == methodSendMessageToTarget {
		var p sendMessageToTargetParams
		_ = protocol.DecodeParams(msg.Params, &p)
		b.reply(msg.ID, msg.PageProxyID, nil)
		inner, err := protocol.Unmarshal([]byte(p.Message))
		if err != nil {
			return
		}
		if b.record(call{id: inner.ID, pageProxyID: msg.PageProxyID, targetID: p.TargetID, method: inner.Method, params: inner.Params}) {
			return
		}
		var result any
		if inner.Method == "Page.getResourceTree" {
			b.mu.Lock()
			tree, ok := b.trees[p.TargetID]
			b.mu.Unlock()
			if !ok {
				tree = frameResourceTree{Frame: framePayload{ID: "frame-" + p.TargetID, URL: "about:blank"}}
			}
			result = getResourceTreeResult{FrameTree: tree}
		}
		raw, _ := protocol.EncodeParams(result)
		b.fromTarget(msg.PageProxyID, p.TargetID, &protocol.Message{ID: inner.ID, Result: raw})
		return
	}

	if b.record(call{id: msg.ID, pageProxyID: msg.PageProxyID, method: msg.Method, params: msg.Params}) {
		return
	}
	switch msg.Method {
	case "Playwright.createPage":
		var p createPageParams
		_ = protocol.DecodeParams(msg.Params, &p)
		b.mu.Lock()
		b.nextPage++
		id := fmt.Sprintf("pp-new-%d", b.nextPage)
		b.mu.Unlock()
		b.event("", methodPageProxyCreated, pageProxyCreatedPayload{PageProxyID: id, BrowserContextID: p.BrowserContextID})
		b.reply(msg.ID, "", createPageResult{PageProxyID: id})
		b.event(id, methodTargetCreated, targetCreatedPayload{TargetInfo: targetInfo{TargetID: "target-" + id, Type: "page"}})
	case "Playwright.createContext":
		b.reply(msg.ID, "", createContextResult{BrowserContextID: "ctx-1"})
	case "Playwright.navigate":
		b.reply(msg.ID, "", navigateResult{LoaderID: "loader-nav"})
	case "Target.close":
		b.reply(msg.ID, msg.PageProxyID, nil)
		b.event("", methodPageProxyDestroyed, pageProxyDestroyedPayload{PageProxyID: msg.PageProxyID})
	default:
		b.reply(msg.ID, msg.PageProxyID, nil)
	}
}

// methods lists what was sent to one target ("" for browser and page proxy
// traffic), in order.
func (b *backend) methods(pageProxyID, targetID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.calls {
		if c.pageProxyID == pageProxyID && c.targetID == targetID {
			out = append(out, c.method)
		}
	}
	return out
}

func (b *backend) lastCall(method string) (call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.calls) - 1; i >= 0; i-- {
		if b.calls[i].method == method {
			return b.calls[i], true
		}
	}
	return call{}, false
}

func (b *backend) waitFor(pageProxyID, targetID, method string) {
	b.t.Helper()
	require.Eventually(b.t, func() bool {
		for _, m := range b.methods(pageProxyID, targetID) {
			if m == method {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "%s was never sent", method)
}

// connectTestBrowser connects a persistent WebKit browser to a fresh backend.
// Page initialization goroutines may still log while a test is being torn
// down, so logs go to an observer rather than to t.
func connectTestBrowser(t *testing.T) (*Browser, *backend) {
	t.Helper()
	be := newBackend(t)
	core, _ := observer.New(zap.DebugLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := Connect(ctx, be.tr, browser.Options{Name: "webkit", Persistent: true, Logger: zap.New(core)})
	require.NoError(t, err)
	t.Cleanup(func() {
		be.shutdown()
		<-b.Done()
	})
	return b, be
}

// openPage announces page proxy pageProxyID with committed target targetID
// whose main frame is mainFrameID, and waits for the page to initialize.
func openPage(t *testing.T, b *Browser, be *backend, pageProxyID, targetID, mainFrameID string) *Page {
	t.Helper()
	be.setTree(targetID, mainFrameID, "https://start.test/")
	be.event("", methodPageProxyCreated, pageProxyCreatedPayload{PageProxyID: pageProxyID})
	be.event(pageProxyID, methodTargetCreated, targetCreatedPayload{TargetInfo: targetInfo{TargetID: targetID, Type: "page"}})

	var p *Page
	require.Eventually(t, func() bool {
		p = b.page(pageProxyID)
		return p != nil
	}, 5*time.Second, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForInitialization(ctx))
	return p
}
