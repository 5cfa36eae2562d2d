// cmd/probe.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/driveline/internal/browsertype"
)

const defaultProbeURL = "data:text/html,<title>driveline probe</title>"

func newProbeCmd(a *app) *cobra.Command {
	var navTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe [url]",
		Short: "Launches Chromium and checks it end to end by loading a page",
		Long: `Launches Chromium with a web socket endpoint, attaches a second client to
that endpoint, navigates a new tab to url and prints the page title and
final location. The browser is closed afterwards.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := defaultProbeURL
			if len(args) == 1 {
				url = args[0]
			}
			return a.runProbe(cmd, url, navTimeout)
		},
	}
	browserFlags(cmd)
	cmd.Flags().DurationVar(&navTimeout, "nav-timeout", 30*time.Second, "maximum time for the navigation")
	return cmd
}

func (a *app) runProbe(cmd *cobra.Command, url string, navTimeout time.Duration) error {
	ctx := cmd.Context()
	bcfg := a.cfg.Browser()

	engine, err := browsertype.ForName(bcfg.Engine)
	if err != nil {
		return err
	}
	if engine.Name() != "chromium" {
		return fmt.Errorf("probe needs a chromium engine, not %q", engine.Name())
	}

	// 1. Launch on a web socket so a second client can attach.
	opts := browsertype.FromConfig(bcfg, a.cfg.Logger().Protocol)
	opts.UseWebSocket = true
	bt := browsertype.New(engine, a.registry, a.logger)
	b, err := bt.Launch(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bcfg.CloseTimeout)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			a.logger.Warn("Failed to close probed browser, killing it.", zap.Error(err))
			b.Kill()
		}
	}()
	endpoint := b.Options().WSEndpoint
	a.logger.Info("Probing browser.", zap.String("endpoint", endpoint), zap.String("version", b.Version()))

	// 2. Drive a navigation through an independent CDP client.
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, endpoint, chromedp.NoModifyURL)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()
	runCtx, cancelRun := context.WithTimeout(tabCtx, navTimeout)
	defer cancelRun()

	var title, location string
	if err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.Title(&title),
		chromedp.Location(&location),
	); err != nil {
		return fmt.Errorf("probe navigation to %s failed: %w", url, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", b.Version(), title, location)
	return nil
}
