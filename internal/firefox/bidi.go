// internal/firefox/bidi.go
package firefox

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/connection"
	"github.com/xkilldash9x/driveline/internal/protocol"
	"github.com/xkilldash9x/driveline/internal/transport"
)

// BiDiCloseMethod is the WebDriver BiDi close request sent during a graceful close.
const BiDiCloseMethod = "browser.close"

// Events the BiDi browser subscribes to.
var bidiEvents = []string{"browsingContext", "network", "log", "script"}

const (
	methodContextCreated   = "browsingContext.contextCreated"
	methodContextDestroyed = "browsingContext.contextDestroyed"
)

type proxyCapability struct {
	ProxyType string   `json:"proxyType"`
	HTTPProxy string   `json:"httpProxy,omitempty"`
	SSLProxy  string   `json:"sslProxy,omitempty"`
	NoProxy   []string `json:"noProxy,omitempty"`
}

type capabilities struct {
	AcceptInsecureCerts bool             `json:"acceptInsecureCerts"`
	WebSocketURL        bool             `json:"webSocketUrl,omitempty"`
	Proxy               *proxyCapability `json:"proxy,omitempty"`
}

type sessionNewParams struct {
	Capabilities struct {
		AlwaysMatch capabilities `json:"alwaysMatch"`
	} `json:"capabilities"`
}

type sessionNewResult struct {
	SessionID    string `json:"sessionId"`
	Capabilities struct {
		BrowserName    string `json:"browserName"`
		BrowserVersion string `json:"browserVersion"`
	} `json:"capabilities"`
}

type subscribeParams struct {
	Events []string `json:"events"`
}

type contextInfo struct {
	Context     string `json:"context"`
	URL         string `json:"url"`
	Parent      string `json:"parent,omitempty"`
	UserContext string `json:"userContext,omitempty"`
}

type createContextParams struct {
	Type        string `json:"type"`
	UserContext string `json:"userContext,omitempty"`
}

type createContextResult struct {
	Context string `json:"context"`
}

type userContextResult struct {
	UserContext string `json:"userContext"`
}

// BrowsingContext is one top-level BiDi browsing context.
type BrowsingContext struct {
	ID          string
	URL         string
	UserContext string
}

// BiDiBrowser is a browser driven over WebDriver BiDi. BiDi has no per-target
// sessions; every command goes through the root session.
type BiDiBrowser struct {
	*browser.Base

	opts      browser.Options
	logger    *zap.Logger
	sessionID string

	mu       sync.Mutex
	contexts map[string]*BrowsingContext
	changed  chan struct{}
}

// ConnectBiDi takes ownership of t, creates the BiDi session and subscribes
// to browsing context events.
func ConnectBiDi(ctx context.Context, t transport.Transport, opts browser.Options) (*BiDiBrowser, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &BiDiBrowser{
		opts:     opts,
		logger:   logger.Named("bidi"),
		contexts: make(map[string]*BrowsingContext),
		changed:  make(chan struct{}),
	}
	conn := connection.New(t, logger,
		connection.WithProtocolLogger(opts.ProtocolLogger),
		connection.WithBrowserLogs(opts.RecentOutput),
	)
	b.Base = browser.NewBase(conn, opts)
	root := conn.RootSession()
	root.Listen(b.onEvent)
	b.WatchConnection(b.DidClose)

	// 1. session.new must complete before anything else is accepted.
	var params sessionNewParams
	params.Capabilities.AlwaysMatch = capabilities{Proxy: proxyCapabilityFor(opts.Proxy)}
	var res sessionNewResult
	if err := root.Send(ctx, "session.new", params, &res); err != nil {
		conn.Close()
		return nil, err
	}
	b.sessionID = res.SessionID
	b.SetVersion(res.Capabilities.BrowserVersion)

	// 2. Subscribe globally.
	if err := root.Send(ctx, "session.subscribe", subscribeParams{Events: bidiEvents}, nil); err != nil {
		conn.Close()
		return nil, err
	}
	b.logger.Debug("Connected over WebDriver BiDi.",
		zap.String("session_id", res.SessionID),
		zap.String("browser_name", res.Capabilities.BrowserName),
		zap.String("version", res.Capabilities.BrowserVersion))
	return b, nil
}

func proxyCapabilityFor(p *browser.ProxySettings) *proxyCapability {
	if p == nil || p.Server == "" {
		return nil
	}
	pc := &proxyCapability{ProxyType: "manual", HTTPProxy: p.Server, SSLProxy: p.Server}
	if bypass := splitBypass(p.Bypass); len(bypass) > 0 {
		pc.NoProxy = bypass
	}
	return pc
}

// SessionID is the id returned by session.new.
func (b *BiDiBrowser) SessionID() string { return b.sessionID }

func (b *BiDiBrowser) onEvent(msg *protocol.Message) {
	switch msg.Method {
	case methodContextCreated:
		var ev contextInfo
		if err := protocol.DecodeParams(msg.Params, &ev); err != nil || ev.Parent != "" {
			return
		}
		b.mu.Lock()
		b.contexts[ev.Context] = &BrowsingContext{ID: ev.Context, URL: ev.URL, UserContext: ev.UserContext}
		close(b.changed)
		b.changed = make(chan struct{})
		b.mu.Unlock()
		b.logger.Debug("Browsing context created.", zap.String("context", ev.Context))
	case methodContextDestroyed:
		var ev contextInfo
		if err := protocol.DecodeParams(msg.Params, &ev); err != nil {
			return
		}
		b.mu.Lock()
		delete(b.contexts, ev.Context)
		b.mu.Unlock()
	}
}

// Contexts returns the top-level browsing contexts ordered by id.
func (b *BiDiBrowser) Contexts() []*BrowsingContext {
	b.mu.Lock()
	out := make([]*BrowsingContext, 0, len(b.contexts))
	for _, c := range b.contexts {
		out = append(out, c)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NewUserContext creates an isolated user context.
func (b *BiDiBrowser) NewUserContext(ctx context.Context) (string, error) {
	var res userContextResult
	if err := b.Conn().RootSession().Send(ctx, "browser.createUserContext", nil, &res); err != nil {
		return "", err
	}
	return res.UserContext, nil
}

// RemoveUserContext closes a user context and its browsing contexts.
func (b *BiDiBrowser) RemoveUserContext(ctx context.Context, userContext string) error {
	return b.Conn().RootSession().Send(ctx, "browser.removeUserContext", userContextResult{UserContext: userContext}, nil)
}

// NewPage opens a tab in userContext ("" for the default one).
func (b *BiDiBrowser) NewPage(ctx context.Context, userContext string) (*BrowsingContext, error) {
	var res createContextResult
	if err := b.Conn().RootSession().Send(ctx, "browsingContext.create", createContextParams{Type: "tab", UserContext: userContext}, &res); err != nil {
		return nil, err
	}
	for {
		b.mu.Lock()
		c := b.contexts[res.Context]
		changed := b.changed
		b.mu.Unlock()
		if c != nil {
			return c, nil
		}
		select {
		case <-changed:
		case <-b.Done():
			return nil, &protocol.TargetClosedError{Reason: "browser closed"}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
