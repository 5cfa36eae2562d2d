// internal/chromium/browser.go
package chromium

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chromedp/cdproto"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/connection"
	"github.com/xkilldash9x/driveline/internal/protocol"
	"github.com/xkilldash9x/driveline/internal/transport"
)

// CloseMethod is the browser-wide close request sent during a graceful close.
const CloseMethod = cdproto.CommandBrowserClose

// Target is one auto-attached CDP target and its flat session.
type Target struct {
	info    *target.Info
	session *connection.Session

	mu      sync.Mutex
	crashed bool
}

func (t *Target) ID() target.ID                   { return t.info.TargetID }
func (t *Target) Type() string                    { return t.info.Type }
func (t *Target) URL() string                     { return t.info.URL }
func (t *Target) Session() *connection.Session    { return t.session }
func (t *Target) ContextID() cdp.BrowserContextID { return t.info.BrowserContextID }

// Crashed reports whether the target's renderer crashed.
func (t *Target) Crashed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.crashed
}

// Browser is a Chromium browser driven over CDP with flat sessions.
type Browser struct {
	*browser.Base

	opts   browser.Options
	logger *zap.Logger

	mu      sync.Mutex
	targets map[target.SessionID]*Target
	// changed is closed and replaced whenever a target attaches.
	changed chan struct{}
}

// Connect takes ownership of t, enables auto-attach and reads the product
// version.
func Connect(ctx context.Context, t transport.Transport, opts browser.Options) (*Browser, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Browser{
		opts:    opts,
		logger:  logger.Named("chromium"),
		targets: make(map[target.SessionID]*Target),
		changed: make(chan struct{}),
	}
	conn := connection.New(t, logger,
		connection.WithProtocolLogger(opts.ProtocolLogger),
		connection.WithBrowserLogs(opts.RecentOutput),
		connection.WithAttachHook(b.onAttach),
	)
	b.Base = browser.NewBase(conn, opts)
	root := conn.RootSession()
	root.Listen(b.onBrowserMessage)
	b.WatchConnection(b.onDisconnect)

	var version cdpbrowser.GetVersionReturns
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return root.Send(gctx, cdproto.CommandBrowserGetVersion, nil, &version) })
	g.Go(func() error {
		return root.Send(gctx, cdproto.CommandTargetSetAutoAttach, target.SetAutoAttach(true, true).WithFlatten(true), nil)
	})
	if opts.Persistent {
		g.Go(func() error {
			params := cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorDeny)
			if opts.DownloadsPath != "" {
				params = cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
					WithDownloadPath(opts.DownloadsPath).
					WithEventsEnabled(true)
			}
			return root.Send(gctx, cdproto.CommandBrowserSetDownloadBehavior, params, nil)
		})
	}
	if err := g.Wait(); err != nil {
		conn.Close()
		return nil, err
	}
	b.SetVersion(productVersion(version.Product))
	b.logger.Debug("Connected to Chromium.", zap.String("product", version.Product), zap.String("protocol_version", version.ProtocolVersion))
	return b, nil
}

// productVersion turns "HeadlessChrome/120.0.6099.28" into "120.0.6099.28".
func productVersion(product string) string {
	if i := strings.IndexByte(product, '/'); i >= 0 {
		return product[i+1:]
	}
	return product
}

// onAttach creates the flat session of a newly attached target before any of
// its messages are routed.
func (b *Browser) onAttach(conn *connection.Connection, msg *protocol.Message) {
	if msg.Method != cdproto.EventTargetAttachedToTarget || msg.SessionID != "" {
		return
	}
	var ev target.EventAttachedToTarget
	if err := protocol.DecodeParams(msg.Params, &ev); err != nil || ev.TargetInfo == nil {
		b.logger.Warn("Malformed attach event.", zap.Error(err))
		return
	}
	session, err := conn.CreateSession(string(ev.SessionID))
	if err != nil {
		return
	}
	t := &Target{info: ev.TargetInfo, session: session}
	session.Listen(func(m *protocol.Message) { b.onTargetMessage(t, m) })

	b.mu.Lock()
	b.targets[ev.SessionID] = t
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()

	b.logger.Debug("Target attached.",
		zap.String("target_id", string(ev.TargetInfo.TargetID)),
		zap.String("session_id", string(ev.SessionID)),
		zap.String("type", ev.TargetInfo.Type))

	if ev.WaitingForDebugger {
		go session.SendMayFail(context.Background(), cdproto.CommandRuntimeRunIfWaitingForDebugger, runtime.RunIfWaitingForDebugger())
	}
}

func (b *Browser) onBrowserMessage(msg *protocol.Message) {
	switch msg.Method {
	case cdproto.EventTargetAttachedToTarget:
		// Handled in onAttach.
	case cdproto.EventTargetDetachedFromTarget:
		var ev target.EventDetachedFromTarget
		if err := protocol.DecodeParams(msg.Params, &ev); err != nil {
			return
		}
		b.mu.Lock()
		t := b.targets[ev.SessionID]
		delete(b.targets, ev.SessionID)
		b.mu.Unlock()
		if t != nil {
			t.session.Dispose()
			b.logger.Debug("Target detached.", zap.String("session_id", string(ev.SessionID)))
		}
	case cdproto.EventTargetTargetCrashed:
		var ev target.EventTargetCrashed
		if err := protocol.DecodeParams(msg.Params, &ev); err != nil {
			return
		}
		if t := b.targetByID(ev.TargetID); t != nil {
			b.markCrashed(t)
		}
	}
}

func (b *Browser) onTargetMessage(t *Target, msg *protocol.Message) {
	if msg.Method == cdproto.EventInspectorTargetCrashed {
		b.markCrashed(t)
	}
}

func (b *Browser) markCrashed(t *Target) {
	t.mu.Lock()
	if t.crashed {
		t.mu.Unlock()
		return
	}
	t.crashed = true
	t.mu.Unlock()
	t.session.MarkAsCrashed()
	t.session.Dispose()
	b.logger.Warn("Target crashed.", zap.String("target_id", string(t.ID())))
}

func (b *Browser) targetByID(id target.ID) *Target {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.targets {
		if t.info.TargetID == id {
			return t
		}
	}
	return nil
}

func (b *Browser) onDisconnect() {
	b.mu.Lock()
	targets := b.targets
	b.targets = make(map[target.SessionID]*Target)
	b.mu.Unlock()
	for _, t := range targets {
		t.session.Dispose()
	}
	b.DidClose()
}

// Targets returns the attached targets ordered by target id.
func (b *Browser) Targets() []*Target {
	b.mu.Lock()
	out := make([]*Target, 0, len(b.targets))
	for _, t := range b.targets {
		out = append(out, t)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// NewContext creates an isolated browser context. A nil proxy falls back to
// the browser-wide proxy.
func (b *Browser) NewContext(ctx context.Context, proxy *browser.ProxySettings) (cdp.BrowserContextID, error) {
	if proxy == nil {
		proxy = b.opts.Proxy
	}
	params := target.CreateBrowserContext().WithDisposeOnDetach(true)
	if proxy != nil {
		params = params.WithProxyServer(proxy.Server).WithProxyBypassList(proxy.Bypass)
	}
	var res target.CreateBrowserContextReturns
	if err := b.Conn().RootSession().Send(ctx, cdproto.CommandTargetCreateBrowserContext, params, &res); err != nil {
		return "", err
	}
	return res.BrowserContextID, nil
}

// DisposeContext closes every target of a context.
func (b *Browser) DisposeContext(ctx context.Context, id cdp.BrowserContextID) error {
	return b.Conn().RootSession().Send(ctx, cdproto.CommandTargetDisposeBrowserContext, target.DisposeBrowserContext(id), nil)
}

// NewPage opens about:blank in contextID (empty for the default context) and
// waits until the new target is attached.
func (b *Browser) NewPage(ctx context.Context, contextID cdp.BrowserContextID) (*Target, error) {
	params := target.CreateTarget("about:blank")
	if contextID != "" {
		params = params.WithBrowserContextID(contextID)
	}
	var res target.CreateTargetReturns
	if err := b.Conn().RootSession().Send(ctx, cdproto.CommandTargetCreateTarget, params, &res); err != nil {
		return nil, err
	}
	for {
		b.mu.Lock()
		changed := b.changed
		b.mu.Unlock()
		if t := b.targetByID(res.TargetID); t != nil {
			return t, nil
		}
		select {
		case <-changed:
		case <-b.Done():
			return nil, &protocol.TargetClosedError{Reason: "browser closed"}
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for target %s to attach: %w", res.TargetID, ctx.Err())
		}
	}
}

// CloseTarget closes one target.
func (b *Browser) CloseTarget(ctx context.Context, id target.ID) error {
	return b.Conn().RootSession().Send(ctx, cdproto.CommandTargetCloseTarget, target.CloseTarget(id), nil)
}
