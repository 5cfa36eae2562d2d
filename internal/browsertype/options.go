// internal/browsertype/options.go
package browsertype

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"golang.org/x/net/http/httpproxy"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/config"
)

// LaunchOptions is the immutable description of one launch. Build it with
// FromConfig or by hand; Launch works on a normalized copy.
type LaunchOptions struct {
	ExecutablePath string
	Channel        string

	Headless        bool
	Devtools        bool
	ChromiumSandbox bool

	Args                 []string
	IgnoreDefaultArgs    []string
	IgnoreAllDefaultArgs bool
	Env                  map[string]string

	// Timeout bounds the whole launch. Zero means no deadline.
	Timeout      time.Duration
	CloseTimeout time.Duration

	Proxy *ProxyOptions

	DownloadsPath string
	TracesDir     string

	// UseWebSocket or a non-zero DebuggingPort select the web socket
	// transport for engines that would otherwise use the pipe.
	UseWebSocket  bool
	DebuggingPort int

	HandleSIGINT  bool
	HandleSIGTERM bool
	HandleSIGHUP  bool

	// ProtocolLogging logs every protocol message at debug level.
	ProtocolLogging bool

	// proxy is Proxy after normalization.
	proxy *browser.ProxySettings
}

// ProxyOptions is the proxy as configured, before normalization.
type ProxyOptions struct {
	Server   string
	Bypass   string
	Username string
	Password string
	// FromEnvironment fills an empty Server from HTTPS_PROXY/HTTP_PROXY and
	// an empty Bypass from NO_PROXY.
	FromEnvironment bool
}

// FromConfig converts the browser section of the configuration.
func FromConfig(cfg config.BrowserConfig, protocolLogging bool) LaunchOptions {
	opts := LaunchOptions{
		ExecutablePath:       cfg.ExecutablePath,
		Channel:              cfg.Channel,
		Headless:             cfg.Headless,
		Devtools:             cfg.Devtools,
		ChromiumSandbox:      cfg.ChromiumSandbox,
		Args:                 append([]string(nil), cfg.Args...),
		IgnoreDefaultArgs:    append([]string(nil), cfg.IgnoreDefaultArgs...),
		IgnoreAllDefaultArgs: cfg.IgnoreAllDefaultArgs,
		Timeout:              cfg.Timeout,
		CloseTimeout:         cfg.CloseTimeout,
		DownloadsPath:        cfg.DownloadsPath,
		TracesDir:            cfg.TracesDir,
		UseWebSocket:         cfg.UseWebSocket,
		DebuggingPort:        cfg.DebuggingPort,
		HandleSIGINT:         cfg.HandleSIGINT,
		HandleSIGTERM:        cfg.HandleSIGTERM,
		HandleSIGHUP:         cfg.HandleSIGHUP,
		ProtocolLogging:      protocolLogging,
	}
	if len(cfg.Env) > 0 {
		opts.Env = make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			opts.Env[k] = v
		}
	}
	if cfg.Proxy.Server != "" || cfg.Proxy.FromEnvironment {
		opts.Proxy = &ProxyOptions{
			Server:          cfg.Proxy.Server,
			Bypass:          cfg.Proxy.Bypass,
			Username:        cfg.Proxy.Username,
			Password:        cfg.Proxy.Password,
			FromEnvironment: cfg.Proxy.FromEnvironment,
		}
	}
	return opts
}

// usePipe reports whether the launch talks to the browser over fds 3/4.
func (o *LaunchOptions) usePipe(e Engine) bool {
	return e.SupportsPipe() && !o.UseWebSocket && o.DebuggingPort == 0
}

// normalized validates the options and returns a copy with paths made
// absolute, the proxy normalized and headless derived from devtools.
func (o LaunchOptions) normalized() (LaunchOptions, error) {
	out := o
	if out.Devtools {
		out.Headless = false
	}
	if out.DebuggingPort < 0 {
		return out, fmt.Errorf("invalid debugging port %d", out.DebuggingPort)
	}

	var err error
	if out.ExecutablePath, err = absPath(out.ExecutablePath); err != nil {
		return out, fmt.Errorf("invalid executable path: %w", err)
	}
	if out.DownloadsPath, err = absPath(out.DownloadsPath); err != nil {
		return out, fmt.Errorf("invalid downloads path: %w", err)
	}
	if out.TracesDir, err = absPath(out.TracesDir); err != nil {
		return out, fmt.Errorf("invalid traces directory: %w", err)
	}

	if out.proxy, err = normalizeProxy(out.Proxy, httpproxy.FromEnvironment()); err != nil {
		return out, err
	}
	return out, nil
}

// absPath expands a leading ~ and makes path absolute. Empty stays empty.
func absPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}

// normalizeProxy defaults the scheme to http, strips everything but
// scheme://host[:port] and trims the bypass list.
func normalizeProxy(p *ProxyOptions, env *httpproxy.Config) (*browser.ProxySettings, error) {
	if p == nil {
		return nil, nil
	}
	server, bypass := p.Server, p.Bypass
	if p.FromEnvironment && env != nil {
		if server == "" {
			server = env.HTTPSProxy
		}
		if server == "" {
			server = env.HTTPProxy
		}
		if bypass == "" {
			bypass = env.NoProxy
		}
	}
	if server == "" {
		if p.FromEnvironment {
			return nil, nil
		}
		return nil, errors.New("proxy server is required")
	}

	u, err := url.Parse(server)
	if err != nil || u.Host == "" || u.Scheme == "" {
		u, err = url.Parse("http://" + server)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy server %q: %w", server, err)
		}
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid proxy server %q", server)
	}
	hasAuth := p.Username != "" || p.Password != ""
	switch {
	case u.Scheme == "socks4" && hasAuth:
		return nil, errors.New("socks4 proxy protocol does not support authentication")
	case u.Scheme == "socks5" && hasAuth:
		return nil, errors.New("browser does not support socks5 proxy authentication")
	}

	var parts []string
	for _, entry := range strings.Split(bypass, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			parts = append(parts, entry)
		}
	}
	return &browser.ProxySettings{
		Server:   u.Scheme + "://" + u.Host,
		Bypass:   strings.Join(parts, ","),
		Username: p.Username,
		Password: p.Password,
	}, nil
}

// buildArgs merges the engine defaults with the user arguments, honouring
// IgnoreDefaultArgs and IgnoreAllDefaultArgs.
func buildArgs(defaults []string, opts *LaunchOptions) []string {
	if opts.IgnoreAllDefaultArgs {
		return append([]string(nil), opts.Args...)
	}
	ignored := make(map[string]bool, len(opts.IgnoreDefaultArgs))
	for _, arg := range opts.IgnoreDefaultArgs {
		ignored[arg] = true
	}
	args := make([]string, 0, len(defaults)+len(opts.Args))
	for _, arg := range defaults {
		if !ignored[arg] {
			args = append(args, arg)
		}
	}
	return append(args, opts.Args...)
}

// buildEnv overlays opts.Env on the base environment.
func buildEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, replaced := overrides[key]; !replaced {
			env = append(env, kv)
		}
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// envValue looks key up in a KEY=VALUE list.
func envValue(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// withoutEnv drops every entry for the given keys.
func withoutEnv(env []string, keys ...string) []string {
	out := env[:0:0]
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		drop := false
		for _, key := range keys {
			if k == key {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, kv)
		}
	}
	return out
}
