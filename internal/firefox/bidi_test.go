// internal/firefox/bidi_test.go
package firefox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/protocol"
)

func bidiResponder(f *fakeBrowser, msg *protocol.Message) any {
	switch msg.Method {
	case "session.new":
		var res sessionNewResult
		res.SessionID = "bidi-session"
		res.Capabilities.BrowserName = "firefox"
		res.Capabilities.BrowserVersion = "130.0a1"
		return res
	case "browser.createUserContext":
		return userContextResult{UserContext: "uc-1"}
	case "browsingContext.create":
		var p createContextParams
		_ = protocol.DecodeParams(msg.Params, &p)
		f.event("", methodContextCreated, contextInfo{Context: "bc-1", URL: "about:blank", UserContext: p.UserContext})
		return createContextResult{Context: "bc-1"}
	}
	return nil
}

func connectBiDi(t *testing.T, opts browser.Options) (*BiDiBrowser, *fakeBrowser) {
	t.Helper()
	f := newFakeBrowser(bidiResponder)
	opts.Name = "bidi"
	opts.Logger = testLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := ConnectBiDi(ctx, f.tr, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		f.shutdown()
		<-b.Done()
	})
	return b, f
}

func TestBiDi_Handshake(t *testing.T) {
	b, f := connectBiDi(t, browser.Options{Proxy: &browser.ProxySettings{Server: "http://proxy.test:3128", Bypass: "localhost"}})
	assert.Equal(t, "bidi-session", b.SessionID())
	assert.Equal(t, "130.0a1", b.Version())

	r, ok := f.find("", "session.new")
	require.True(t, ok)
	assert.JSONEq(t, `{"capabilities":{"alwaysMatch":{"acceptInsecureCerts":false,"proxy":{"proxyType":"manual","httpProxy":"http://proxy.test:3128","sslProxy":"http://proxy.test:3128","noProxy":["localhost"]}}}}`, string(r.params))

	r, ok = f.find("", "session.subscribe")
	require.True(t, ok)
	assert.JSONEq(t, `{"events":["browsingContext","network","log","script"]}`, string(r.params))
}

func TestBiDi_HandshakeErrorCode(t *testing.T) {
	f := newFakeBrowser(nil)
	f.hold("session.new")
	defer f.shutdown()

	errCh := make(chan error, 1)
	go func() {
		_, err := ConnectBiDi(context.Background(), f.tr, browser.Options{Name: "bidi", Logger: testLogger()})
		errCh <- err
	}()
	r := f.waitFor(t, "", "session.new")
	msg, err := protocol.Unmarshal([]byte(`{"type":"error","error":"session not created","message":"Maximum number of active sessions"}`))
	require.NoError(t, err)
	msg.ID = r.id
	f.tr.Deliver(msg)

	select {
	case err := <-errCh:
		var pe *protocol.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "session.new", pe.Method)
		assert.Contains(t, pe.Message, "session not created")
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not fail")
	}
	assert.Equal(t, 1, f.tr.CloseCalls())
}

func TestBiDi_ContextsAndPages(t *testing.T) {
	b, f := connectBiDi(t, browser.Options{})

	uc, err := b.NewUserContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "uc-1", uc)

	page, err := b.NewPage(context.Background(), uc)
	require.NoError(t, err)
	assert.Equal(t, "bc-1", page.ID)
	assert.Equal(t, "uc-1", page.UserContext)

	// Nested contexts are frames, not pages.
	f.event("", methodContextCreated, contextInfo{Context: "frame-1", Parent: "bc-1"})
	f.event("", methodContextDestroyed, contextInfo{Context: "bc-1"})
	require.Eventually(t, func() bool { return len(b.Contexts()) == 0 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, b.RemoveUserContext(context.Background(), uc))
	r, ok := f.find("", "browser.removeUserContext")
	require.True(t, ok)
	assert.JSONEq(t, `{"userContext":"uc-1"}`, string(r.params))
}

func TestWriteProxyPrefs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user.js"), []byte("user_pref(\"browser.startup.page\", 0);\n"), 0o600))

	require.NoError(t, WriteProxyPrefs(dir, &browser.ProxySettings{Server: "http://proxy.test:3128", Bypass: "a.test,b.test"}))
	data, err := os.ReadFile(filepath.Join(dir, "user.js"))
	require.NoError(t, err)
	prefs := string(data)
	assert.Contains(t, prefs, `user_pref("browser.startup.page", 0);`)
	assert.Contains(t, prefs, `user_pref("network.proxy.type", 1);`)
	assert.Contains(t, prefs, `user_pref("network.proxy.http", "proxy.test");`)
	assert.Contains(t, prefs, `user_pref("network.proxy.http_port", 3128);`)
	assert.Contains(t, prefs, `user_pref("network.proxy.no_proxies_on", "a.test, b.test");`)

	socksDir := t.TempDir()
	require.NoError(t, WriteProxyPrefs(socksDir, &browser.ProxySettings{Server: "socks5://s.test:1080"}))
	data, err = os.ReadFile(filepath.Join(socksDir, "user.js"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `user_pref("network.proxy.socks_version", 5);`)

	assert.NoError(t, WriteProxyPrefs(t.TempDir(), nil))
}
