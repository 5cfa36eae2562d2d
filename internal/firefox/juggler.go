// internal/firefox/juggler.go
package firefox

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/connection"
	"github.com/xkilldash9x/driveline/internal/protocol"
	"github.com/xkilldash9x/driveline/internal/transport"
)

// CloseMethod is the Juggler close request sent during a graceful close.
const CloseMethod = "Browser.close"

const (
	methodAttachedToTarget   = "Browser.attachedToTarget"
	methodDetachedFromTarget = "Browser.detachedFromTarget"
	methodPageCrashed        = "Page.crashed"
)

type targetInfoPayload struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	BrowserContextID string `json:"browserContextId,omitempty"`
	OpenerID         string `json:"openerId,omitempty"`
	URL              string `json:"url,omitempty"`
}

type attachedToTargetPayload struct {
	SessionID  string            `json:"sessionId"`
	TargetInfo targetInfoPayload `json:"targetInfo"`
}

type detachedFromTargetPayload struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
}

type enableParams struct {
	AttachToDefaultContext bool `json:"attachToDefaultContext"`
}

type getInfoResult struct {
	Version   string `json:"version"`
	UserAgent string `json:"userAgent"`
}

type downloadOptions struct {
	Behavior     string `json:"behavior"`
	DownloadsDir string `json:"downloadsDir,omitempty"`
}

type setDownloadOptionsParams struct {
	BrowserContextID string          `json:"browserContextId,omitempty"`
	DownloadOptions  downloadOptions `json:"downloadOptions"`
}

type setBrowserProxyParams struct {
	Type     string   `json:"type"`
	Bypass   []string `json:"bypass"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
}

type browserContextParams struct {
	BrowserContextID string `json:"browserContextId,omitempty"`
	RemoveOnDetach   bool   `json:"removeOnDetach,omitempty"`
}

type browserContextResult struct {
	BrowserContextID string `json:"browserContextId"`
}

type newPageResult struct {
	TargetID string `json:"targetId"`
}

// Target is one Juggler page target and its session.
type Target struct {
	info    targetInfoPayload
	session *connection.Session

	mu      sync.Mutex
	crashed bool
}

func (t *Target) ID() string                   { return t.info.TargetID }
func (t *Target) ContextID() string            { return t.info.BrowserContextID }
func (t *Target) OpenerID() string             { return t.info.OpenerID }
func (t *Target) Session() *connection.Session { return t.session }

// Crashed reports whether the content process of the target crashed.
func (t *Target) Crashed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.crashed
}

// Browser is a Firefox browser driven over the Juggler protocol.
type Browser struct {
	*browser.Base

	opts   browser.Options
	logger *zap.Logger

	mu       sync.Mutex
	targets  map[string]*Target // by target id
	contexts map[string]bool
	changed  chan struct{}
}

// Connect takes ownership of t and performs the Browser.enable handshake.
func Connect(ctx context.Context, t transport.Transport, opts browser.Options) (*Browser, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Browser{
		opts:     opts,
		logger:   logger.Named("juggler"),
		targets:  make(map[string]*Target),
		contexts: make(map[string]bool),
		changed:  make(chan struct{}),
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

	var info getInfoResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return root.Send(gctx, "Browser.enable", enableParams{AttachToDefaultContext: opts.Persistent}, nil)
	})
	g.Go(func() error { return root.Send(gctx, "Browser.getInfo", nil, &info) })
	if opts.Persistent && opts.DownloadsPath != "" {
		g.Go(func() error {
			return root.Send(gctx, "Browser.setDownloadOptions", setDownloadOptionsParams{
				DownloadOptions: downloadOptions{Behavior: "saveToDisk", DownloadsDir: opts.DownloadsPath},
			}, nil)
		})
	}
	if opts.Proxy != nil && opts.Proxy.Server != "" {
		params, err := browserProxyParams(opts.Proxy)
		if err != nil {
			conn.Close()
			return nil, err
		}
		g.Go(func() error { return root.Send(gctx, "Browser.setBrowserProxy", params, nil) })
	}
	if err := g.Wait(); err != nil {
		conn.Close()
		return nil, err
	}
	b.SetVersion(info.Version[strings.IndexByte(info.Version, '/')+1:])
	b.logger.Debug("Connected to Firefox.", zap.String("version", info.Version))
	return b, nil
}

// browserProxyParams maps a proxy server url onto Browser.setBrowserProxy.
func browserProxyParams(p *browser.ProxySettings) (setBrowserProxyParams, error) {
	u, err := url.Parse(p.Server)
	if err != nil {
		return setBrowserProxyParams{}, fmt.Errorf("invalid proxy server %q: %w", p.Server, err)
	}
	params := setBrowserProxyParams{
		Type:     "http",
		Bypass:   []string{},
		Host:     u.Hostname(),
		Username: p.Username,
		Password: p.Password,
	}
	switch u.Scheme {
	case "socks5":
		params.Type = "socks"
	case "socks4":
		params.Type = "socks4"
	case "https":
		params.Type = "https"
	}
	if port := u.Port(); port != "" {
		params.Port, _ = strconv.Atoi(port)
	} else if u.Scheme == "http" {
		params.Port = 80
	} else if u.Scheme == "https" {
		params.Port = 443
	}
	if bypass := splitBypass(p.Bypass); len(bypass) > 0 {
		params.Bypass = bypass
	}
	return params, nil
}

func splitBypass(list string) []string {
	var out []string
	for _, domain := range strings.Split(list, ",") {
		if domain = strings.TrimSpace(domain); domain != "" {
			out = append(out, domain)
		}
	}
	return out
}

func (b *Browser) onAttach(conn *connection.Connection, msg *protocol.Message) {
	if msg.Method != methodAttachedToTarget || msg.SessionID != "" {
		return
	}
	var ev attachedToTargetPayload
	if err := protocol.DecodeParams(msg.Params, &ev); err != nil {
		b.logger.Warn("Malformed attach event.", zap.Error(err))
		return
	}
	if ev.TargetInfo.Type != "page" {
		b.logger.Warn("Ignoring non-page target.", zap.String("target_id", ev.TargetInfo.TargetID), zap.String("type", ev.TargetInfo.Type))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	known := ev.TargetInfo.BrowserContextID != "" && b.contexts[ev.TargetInfo.BrowserContextID]
	if !known && !b.opts.Persistent {
		b.logger.Debug("Target in an unknown context ignored.", zap.String("target_id", ev.TargetInfo.TargetID), zap.String("browser_context_id", ev.TargetInfo.BrowserContextID))
		return
	}
	session, err := conn.CreateSession(ev.SessionID)
	if err != nil {
		return
	}
	t := &Target{info: ev.TargetInfo, session: session}
	session.Listen(func(m *protocol.Message) {
		if m.Method == methodPageCrashed {
			b.markCrashed(t)
		}
	})
	b.targets[t.ID()] = t
	close(b.changed)
	b.changed = make(chan struct{})
	b.logger.Debug("Target attached.", zap.String("target_id", t.ID()), zap.String("session_id", ev.SessionID))
}

func (b *Browser) onBrowserMessage(msg *protocol.Message) {
	if msg.Method != methodDetachedFromTarget {
		return
	}
	var ev detachedFromTargetPayload
	if err := protocol.DecodeParams(msg.Params, &ev); err != nil {
		return
	}
	b.mu.Lock()
	t := b.targets[ev.TargetID]
	delete(b.targets, ev.TargetID)
	b.mu.Unlock()
	if t != nil {
		t.session.Dispose()
		b.logger.Debug("Target detached.", zap.String("target_id", ev.TargetID))
	}
}

func (b *Browser) markCrashed(t *Target) {
	t.mu.Lock()
	already := t.crashed
	t.crashed = true
	t.mu.Unlock()
	if already {
		return
	}
	t.session.MarkAsCrashed()
	t.session.Dispose()
	b.logger.Warn("Target crashed.", zap.String("target_id", t.ID()))
}

func (b *Browser) onDisconnect() {
	b.mu.Lock()
	targets := b.targets
	b.targets = make(map[string]*Target)
	b.mu.Unlock()
	for _, t := range targets {
		t.session.Dispose()
	}
	b.DidClose()
}

// Targets returns the attached targets ordered by id.
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

// NewContext creates a browser context that is removed when the client
// detaches.
func (b *Browser) NewContext(ctx context.Context) (string, error) {
	var res browserContextResult
	if err := b.Conn().RootSession().Send(ctx, "Browser.createBrowserContext", browserContextParams{RemoveOnDetach: true}, &res); err != nil {
		return "", err
	}
	b.mu.Lock()
	b.contexts[res.BrowserContextID] = true
	b.mu.Unlock()
	return res.BrowserContextID, nil
}

// RemoveContext closes a context and all of its pages.
func (b *Browser) RemoveContext(ctx context.Context, contextID string) error {
	if err := b.Conn().RootSession().Send(ctx, "Browser.removeBrowserContext", browserContextParams{BrowserContextID: contextID}, nil); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.contexts, contextID)
	b.mu.Unlock()
	return nil
}

// NewPage opens a page in contextID and waits for its target to attach.
func (b *Browser) NewPage(ctx context.Context, contextID string) (*Target, error) {
	var res newPageResult
	if err := b.Conn().RootSession().Send(ctx, "Browser.newPage", browserContextParams{BrowserContextID: contextID}, &res); err != nil {
		return nil, err
	}
	for {
		b.mu.Lock()
		t := b.targets[res.TargetID]
		changed := b.changed
		b.mu.Unlock()
		if t != nil {
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
