// internal/webkit/browser.go
package webkit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/connection"
	"github.com/xkilldash9x/driveline/internal/protocol"
	"github.com/xkilldash9x/driveline/internal/transport"
)

// CloseMethod is the browser-wide close request sent during a graceful close.
const CloseMethod = "Playwright.close"

// Browser-level events.
const (
	methodPageProxyCreated      = "Playwright.pageProxyCreated"
	methodPageProxyDestroyed    = "Playwright.pageProxyDestroyed"
	methodProvisionalLoadFailed = "Playwright.provisionalLoadFailed"
	methodWindowOpen            = "Playwright.windowOpen"
)

// Browser is a WebKit browser. Messages are routed to page proxies by their
// pageProxyId; each page proxy is driven by a Page.
type Browser struct {
	*browser.Base

	opts   browser.Options
	logger *zap.Logger

	mu       sync.Mutex
	pages    map[string]*Page
	contexts map[string]bool
}

// Connect takes ownership of t and performs the Playwright.enable handshake.
func Connect(ctx context.Context, t transport.Transport, opts browser.Options) (*Browser, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Browser{
		opts:     opts,
		logger:   logger.Named("webkit"),
		pages:    make(map[string]*Page),
		contexts: make(map[string]bool),
	}
	conn := connection.New(t, logger,
		connection.WithPageProxyRouting(),
		connection.WithProtocolLogger(opts.ProtocolLogger),
		connection.WithBrowserLogs(opts.RecentOutput),
		connection.WithAttachHook(b.onAttach),
	)
	b.Base = browser.NewBase(conn, opts)
	conn.RootSession().Listen(b.onBrowserMessage)
	b.WatchConnection(b.onDisconnect)

	root := conn.RootSession()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return root.Send(gctx, "Playwright.enable", nil, nil) })
	if opts.Persistent {
		g.Go(func() error {
			behavior := "deny"
			if opts.DownloadsPath != "" {
				behavior = "allow"
			}
			return root.Send(gctx, "Playwright.setDownloadBehavior", setDownloadBehaviorParams{
				Behavior:     behavior,
				DownloadPath: opts.DownloadsPath,
			}, nil)
		})
	}
	if err := g.Wait(); err != nil {
		conn.Close()
		return nil, err
	}
	b.logger.Debug("Connected to WebKit.", zap.Bool("persistent", opts.Persistent))
	return b, nil
}

// onAttach runs on the connection reader before routing, so a page proxy's
// session and Page exist before any of its messages or the reply to
// Playwright.createPage are processed.
func (b *Browser) onAttach(conn *connection.Connection, msg *protocol.Message) {
	if msg.Method != methodPageProxyCreated {
		return
	}
	var ev pageProxyCreatedPayload
	if !decode(b.logger, msg, &ev) {
		return
	}

	b.mu.Lock()
	known := ev.BrowserContextID != "" && b.contexts[ev.BrowserContextID]
	if !known && !b.opts.Persistent {
		b.mu.Unlock()
		b.logger.Debug("Page proxy in an unknown context ignored.", zap.String("page_proxy_id", ev.PageProxyID), zap.String("browser_context_id", ev.BrowserContextID))
		return
	}
	session, err := conn.CreateSession(ev.PageProxyID)
	if err != nil {
		b.mu.Unlock()
		return
	}
	p := newPage(b, session, ev.PageProxyID, ev.BrowserContextID, b.pages[ev.OpenerID])
	b.pages[ev.PageProxyID] = p
	b.mu.Unlock()

	session.Listen(p.onPageProxyMessage)
}

// onBrowserMessage consumes root session events. Per-page events are replayed
// into the page proxy mailbox so each page keeps a single consumer.
func (b *Browser) onBrowserMessage(msg *protocol.Message) {
	switch msg.Method {
	case methodPageProxyCreated:
		// Handled in onAttach.
	case methodPageProxyDestroyed:
		var ev pageProxyDestroyedPayload
		if !decode(b.logger, msg, &ev) {
			return
		}
		b.mu.Lock()
		p := b.pages[ev.PageProxyID]
		delete(b.pages, ev.PageProxyID)
		b.mu.Unlock()
		if p != nil {
			p.pageProxy.Dispatch(&protocol.Message{Method: methodPageProxyDestroyed, Params: msg.Params})
		}
	case methodProvisionalLoadFailed, methodWindowOpen:
		var ev struct {
			PageProxyID string `json:"pageProxyId"`
		}
		if !decode(b.logger, msg, &ev) {
			return
		}
		if p := b.page(ev.PageProxyID); p != nil {
			p.pageProxy.Dispatch(&protocol.Message{Method: msg.Method, Params: msg.Params})
		}
	default:
		b.logger.Debug("Unhandled browser event.", zap.String("method", msg.Method))
	}
}

func (b *Browser) page(pageProxyID string) *Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pages[pageProxyID]
}

func (b *Browser) onDisconnect() {
	b.mu.Lock()
	pages := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		pages = append(pages, p)
	}
	b.pages = make(map[string]*Page)
	b.mu.Unlock()

	for _, p := range pages {
		p.didClose()
	}
	b.DidClose()
}

// Pages returns the live pages ordered by page proxy id.
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	out := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		out = append(out, p)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].pageProxyID < out[j].pageProxyID })
	return out
}

// NewContext creates an isolated browser context. A nil proxy falls back to
// the browser-wide proxy.
func (b *Browser) NewContext(ctx context.Context, proxy *browser.ProxySettings) (string, error) {
	if proxy == nil {
		proxy = b.opts.Proxy
	}
	var params createContextParams
	if proxy != nil {
		params.ProxyServer = proxy.Server
		params.ProxyBypassList = proxy.Bypass
	}
	var res createContextResult
	if err := b.Conn().RootSession().Send(ctx, "Playwright.createContext", params, &res); err != nil {
		return "", err
	}
	b.mu.Lock()
	b.contexts[res.BrowserContextID] = true
	b.mu.Unlock()
	return res.BrowserContextID, nil
}

// DeleteContext closes every page of a context and forgets it.
func (b *Browser) DeleteContext(ctx context.Context, contextID string) error {
	if err := b.Conn().RootSession().Send(ctx, "Playwright.deleteContext", createPageParams{BrowserContextID: contextID}, nil); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.contexts, contextID)
	b.mu.Unlock()
	return nil
}

// NewPage opens a page in contextID (empty for the default context of a
// persistent browser) and waits until it is initialized.
func (b *Browser) NewPage(ctx context.Context, contextID string) (*Page, error) {
	var res createPageResult
	if err := b.Conn().RootSession().Send(ctx, "Playwright.createPage", createPageParams{BrowserContextID: contextID}, &res); err != nil {
		return nil, err
	}
	p := b.page(res.PageProxyID)
	if p == nil {
		return nil, fmt.Errorf("page proxy %s was never announced", res.PageProxyID)
	}
	if err := p.WaitForInitialization(ctx); err != nil {
		return nil, err
	}
	return p, nil
}
