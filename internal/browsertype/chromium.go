// internal/browsertype/chromium.go
package browsertype

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/chromium"
	"github.com/xkilldash9x/driveline/internal/transport"
)

const devToolsPortFile = "DevToolsActivePort"

// Chromium launches Chromium-based browsers over CDP.
type Chromium struct{}

func (Chromium) Name() string       { return "chromium" }
func (Chromium) SupportsPipe() bool { return true }

func (Chromium) ExecutablePath(opts *LaunchOptions) (string, error) {
	if opts.ExecutablePath != "" {
		return opts.ExecutablePath, nil
	}
	switch opts.Channel {
	case "chrome":
		return lookExecutable("chrome", "google-chrome", "google-chrome-stable")
	case "chrome-beta":
		return lookExecutable("chrome-beta", "google-chrome-beta")
	case "msedge":
		return lookExecutable("msedge", "microsoft-edge", "microsoft-edge-stable")
	case "":
		return lookExecutable("chromium", "chromium", "chromium-browser", "google-chrome")
	}
	return "", fmt.Errorf("unsupported chromium channel %q", opts.Channel)
}

func (Chromium) DefaultArgs(opts *LaunchOptions, userDataDir string, persistent, pipe bool) ([]string, error) {
	if err := checkArgs(opts.Args, map[string]string{
		"--user-data-dir":            fmt.Sprintf(userDataDirMisuse, "--user-data-dir"),
		"--remote-debugging-pipe":    "the remote debugging connection is managed by the launcher",
		"--remote-debugging-port":    "use the debugging port option instead of --remote-debugging-port",
		"--remote-debugging-address": "the remote debugging connection is managed by the launcher",
	}); err != nil {
		return nil, err
	}

	args := []string{
		"--disable-field-trial-config",
		"--disable-background-networking",
		"--disable-background-timer-throttling",
		"--disable-backgrounding-occluded-windows",
		"--disable-back-forward-cache",
		"--disable-breakpad",
		"--disable-client-side-phishing-detection",
		"--disable-component-extensions-with-background-pages",
		"--disable-default-apps",
		"--disable-dev-shm-usage",
		"--disable-hang-monitor",
		"--disable-ipc-flooding-protection",
		"--disable-popup-blocking",
		"--disable-prompt-on-repost",
		"--disable-renderer-backgrounding",
		"--force-color-profile=srgb",
		"--metrics-recording-only",
		"--no-first-run",
		"--enable-automation",
		"--password-store=basic",
		"--use-mock-keychain",
		"--no-service-autorun",
		"--export-tagged-pdf",
		"--user-data-dir=" + userDataDir,
	}
	if opts.Devtools {
		args = append(args, "--auto-open-devtools-for-tabs")
	}
	if opts.Headless {
		args = append(args, "--headless", "--hide-scrollbars", "--mute-audio", "--blink-settings=primaryHoverType=2,availableHoverTypes=2,primaryPointerType=4,availablePointerTypes=4")
	}
	if !opts.ChromiumSandbox {
		args = append(args, "--no-sandbox")
	}
	if p := opts.proxy; p != nil {
		args = append(args, "--proxy-server="+p.Server)
		bypass := []string{"<-loopback>"}
		for _, entry := range strings.Split(p.Bypass, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				bypass = append(bypass, entry)
			}
		}
		args = append(args, "--proxy-bypass-list="+strings.Join(bypass, ";"))
	}
	if pipe {
		args = append(args, "--remote-debugging-pipe")
	} else {
		args = append(args, fmt.Sprintf("--remote-debugging-port=%d", opts.DebuggingPort))
	}
	if persistent {
		args = append(args, "about:blank")
	} else {
		args = append(args, "--no-startup-window")
	}
	return args, nil
}

func (Chromium) AmendEnvironment(env []string, _ string, _ bool) ([]string, error) {
	return env, nil
}

// PrepareProfile drops a DevToolsActivePort left behind by an earlier run so
// a stale endpoint is never picked up.
func (Chromium) PrepareProfile(userDataDir string, _ *LaunchOptions, pipe bool) error {
	if pipe {
		return nil
	}
	err := os.Remove(filepath.Join(userDataDir, devToolsPortFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale %s: %w", devToolsPortFile, err)
	}
	return nil
}

func (Chromium) ConnectToTransport(ctx context.Context, t transport.Transport, opts browser.Options) (browser.Browser, error) {
	b, err := chromium.Connect(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (Chromium) AttemptToGracefullyClose(t transport.Transport) error {
	return sendClose(t, chromium.CloseMethod)
}

func (Chromium) RewriteStartupLog(err error) error {
	return rewriteLogs(err, func(logs string) (string, bool) {
		switch {
		case strings.Contains(logs, "Missing X server"):
			return noXServerMessage, true
		case strings.Contains(logs, "crbug.com/357670"),
			strings.Contains(logs, "No usable sandbox!"),
			strings.Contains(logs, "crbug.com/638180"):
			return strings.Join([]string{
				"Chromium sandboxing failed!",
				"================================",
				"To avoid the sandboxing issue, do either of the following:",
				"  - (preferred): Configure your environment to support sandboxing",
				"  - (alternative): Launch Chromium without sandbox by setting chromium_sandbox to false",
				"================================",
			}, "\n"), true
		case strings.Contains(logs, "Failed to create a ProcessSingleton"),
			strings.Contains(logs, "The profile appears to be in use"):
			return "The profile directory is already in use by another browser instance.\nClose it or use a different user data directory.", true
		}
		return "", false
	})
}

func (Chromium) ReadyState(_ *LaunchOptions, userDataDir string) ReadyState {
	return &devToolsReadyState{
		lineReadyState: newLineReadyState(`DevTools listening on (.*)`, ""),
		portFile:       filepath.Join(userDataDir, devToolsPortFile),
	}
}
