// internal/browser/interface.go
package browser

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/driveline/internal/observability"
)

// Browser is a connected browser of any engine.
type Browser interface {
	ID() string
	// Name is the engine name: chromium, webkit, firefox or bidi.
	Name() string
	Version() string
	// Close shuts the browser down gracefully and waits until it is gone.
	Close(ctx context.Context) error
	// Kill force-stops the browser.
	Kill() error
	// Done is closed once the browser has disconnected.
	Done() <-chan struct{}
	IsConnected() bool
	Options() Options
}

// ProxySettings is the browser-wide proxy after normalization.
type ProxySettings struct {
	Server   string
	Bypass   string
	Username string
	Password string
}

// Options is what an engine browser is constructed with. It is fixed for the
// lifetime of the browser.
type Options struct {
	Name string
	// Headful is the inverse of headless.
	Headful bool
	// Persistent is set for browsers launched with a caller-owned profile.
	Persistent bool

	DownloadsPath string
	TracesDir     string
	Proxy         *ProxySettings

	// Process is nil for browsers obtained through Connect.
	Process *Process

	ProtocolLogger *observability.ProtocolLogger
	// BrowserLogs collects the process output, nil when there is no process.
	BrowserLogs *observability.RecentLogs
	// WSEndpoint is set when the browser was reached over a web socket.
	WSEndpoint string

	Logger *zap.Logger
}

// RecentOutput returns the captured browser output, or "" when none is kept.
func (o Options) RecentOutput() string {
	if o.BrowserLogs == nil {
		return ""
	}
	return o.BrowserLogs.String()
}
