// cmd/launch.go
package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/driveline/internal/browser"
	"github.com/xkilldash9x/driveline/internal/browsertype"
)

func newLaunchCmd(a *app) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launches browsers and keeps them running until interrupted",
		Long: `Launches the configured browser engine and prints one line per browser:
its id, process id and, when it listens on a web socket, the endpoint.
The browsers are closed when the command is interrupted or once all of
them have exited on their own.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1, got %d", count)
			}
			return a.runLaunch(cmd, count)
		},
	}
	browserFlags(cmd)
	cmd.Flags().Bool("websocket", false, "connect over a web socket instead of the debugging pipe")
	cmd.Flags().Int("port", 0, "remote debugging port, 0 picks a free one")
	cmd.Flags().String("user-data-dir", "", "launch on a persistent profile in this directory")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of browsers to launch")
	return cmd
}

func (a *app) runLaunch(cmd *cobra.Command, count int) error {
	ctx := cmd.Context()
	bcfg := a.cfg.Browser()
	if count > 1 && bcfg.UserDataDir != "" {
		return fmt.Errorf("a persistent profile can only back one browser")
	}

	engine, err := browsertype.ForName(bcfg.Engine)
	if err != nil {
		return err
	}
	bt := browsertype.New(engine, a.registry, a.logger, browsertype.WithProtocolLogging(a.cfg.Logger().Protocol))
	opts := browsertype.FromConfig(bcfg, a.cfg.Logger().Protocol)
	manager := browser.NewManager(a.cfg.Manager(), a.logger)
	defer func() {
		if err := manager.Shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("Browser manager shutdown reported an error.", zap.Error(err))
		}
	}()

	// 1. Launch, throttled by the manager.
	launched := make([]browser.Browser, 0, count)
	for range count {
		b, err := manager.Launch(ctx, func(ctx context.Context) (browser.Browser, error) {
			if bcfg.UserDataDir != "" {
				return bt.LaunchPersistentContext(ctx, bcfg.UserDataDir, opts)
			}
			return bt.Launch(ctx, opts)
		})
		if err != nil {
			return err
		}
		launched = append(launched, b)
		fmt.Fprintln(cmd.OutOrStdout(), describe(b))
	}

	// 2. Hold until interrupted or until every browser is gone.
	allGone := make(chan struct{})
	var wg sync.WaitGroup
	for _, b := range launched {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-b.Done()
		}()
	}
	go func() {
		wg.Wait()
		close(allGone)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("Interrupted, closing browsers.")
	case <-allGone:
		a.logger.Info("All browsers have exited.")
	}
	return nil
}

// describe renders the line printed for a launched browser.
func describe(b browser.Browser) string {
	opts := b.Options()
	pid := 0
	if opts.Process != nil {
		pid = opts.Process.PID()
	}
	line := fmt.Sprintf("%s\t%s %s\tpid=%d", b.ID(), b.Name(), b.Version(), pid)
	if opts.WSEndpoint != "" {
		line += "\t" + opts.WSEndpoint
	}
	return line
}
