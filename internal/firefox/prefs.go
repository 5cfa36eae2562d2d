// internal/firefox/prefs.go
package firefox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xkilldash9x/driveline/internal/browser"
)

// WriteProxyPrefs appends manual proxy preferences for p to the user.js of
// profileDir so the proxy applies before the first connection is made.
func WriteProxyPrefs(profileDir string, p *browser.ProxySettings) error {
	if p == nil || p.Server == "" {
		return nil
	}
	params, err := browserProxyParams(p)
	if err != nil {
		return err
	}

	var b strings.Builder
	pref := func(name string, value any) {
		switch v := value.(type) {
		case string:
			fmt.Fprintf(&b, "user_pref(%q, %q);\n", name, v)
		default:
			fmt.Fprintf(&b, "user_pref(%q, %v);\n", name, v)
		}
	}
	pref("network.proxy.type", 1)
	switch params.Type {
	case "socks", "socks4":
		pref("network.proxy.socks", params.Host)
		pref("network.proxy.socks_port", params.Port)
		version := 5
		if params.Type == "socks4" {
			version = 4
		}
		pref("network.proxy.socks_version", version)
		pref("network.proxy.socks_remote_dns", true)
	default:
		pref("network.proxy.http", params.Host)
		pref("network.proxy.http_port", params.Port)
		pref("network.proxy.ssl", params.Host)
		pref("network.proxy.ssl_port", params.Port)
	}
	if len(params.Bypass) > 0 {
		pref("network.proxy.no_proxies_on", strings.Join(params.Bypass, ", "))
	}

	f, err := os.OpenFile(filepath.Join(profileDir, "user.js"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open user.js: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write proxy preferences: %w", err)
	}
	return f.Close()
}
