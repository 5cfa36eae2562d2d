// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/driveline/internal/config"
	"github.com/xkilldash9x/driveline/internal/launcher"
	"github.com/xkilldash9x/driveline/internal/observability"
)

// flagKeys maps command line flags to the configuration keys they override.
var flagKeys = map[string]string{
	"engine":        "browser.engine",
	"executable":    "browser.executable_path",
	"channel":       "browser.channel",
	"headless":      "browser.headless",
	"websocket":     "browser.use_websocket",
	"port":          "browser.debugging_port",
	"user-data-dir": "browser.user_data_dir",
	"timeout":       "browser.timeout",
	"protocol-log":  "logger.protocol",
	"log-level":     "logger.level",
}

// app is the state shared by every command of one invocation.
type app struct {
	cfgFile  string
	cfg      *config.Config
	logger   *zap.Logger
	registry *launcher.ShutdownRegistry
}

// newRootCommand builds a fresh command tree and the state its commands share.
func newRootCommand() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:               "driveline",
		Short:             "driveline launches and drives Chromium, Firefox and WebKit browsers.",
		Version:           Version,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./driveline.yaml)")
	root.PersistentFlags().String("log-level", "", "override logger.level")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newLaunchCmd(a))
	root.AddCommand(newProbeCmd(a))
	root.AddCommand(newVersionCmd())
	return root, a
}

// Execute runs the command line against ctx. Errors are logged before being
// returned; the caller only decides on the exit code.
func Execute(ctx context.Context) error {
	root, a := newRootCommand()
	defer a.teardown()

	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		if a.logger != nil {
			a.logger.Error("Command execution failed.", zap.Error(err))
		} else {
			root.PrintErrln("Error:", err)
		}
	}
	observability.Sync()
	return err
}

// setup runs before every command: configuration first, then logging, then
// the signal registry browsers get registered with.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	// Argument errors have already been reported with usage by now.
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	// 1. Configuration
	v := viper.New()
	config.SetDefaults(v)
	if err := initializeConfig(v, a.cfgFile, cmd.Flags()); err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}
	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		return fmt.Errorf("failed to load or validate config: %w", err)
	}
	a.cfg = cfg

	// 2. Logging
	observability.Initialize(cfg.Logger(), zapcore.Lock(zapcore.AddSync(cmd.ErrOrStderr())))
	a.logger = observability.GetLogger()
	a.logger.Debug("Starting driveline.", zap.String("version", Version), zap.String("command", cmd.Name()))

	// 3. Signals
	a.registry = launcher.NewShutdownRegistry(a.logger)
	a.registry.Install()
	return nil
}

func (a *app) teardown() {
	if a.registry != nil {
		a.registry.Uninstall()
	}
}

// initializeConfig layers the config file, DRIVELINE_* environment variables
// and explicitly set flags onto v, in increasing precedence.
func initializeConfig(v *viper.Viper, cfgFile string, flags *pflag.FlagSet) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("driveline")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("DRIVELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}

// browserFlags registers the launch flags shared by launch and probe.
func browserFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("engine", "", "browser engine: chromium, webkit, firefox or bidi")
	f.String("executable", "", "path to the browser executable")
	f.String("channel", "", "installed browser channel, e.g. chrome or firefox-beta")
	f.Bool("headless", true, "run the browser headless")
	f.Duration("timeout", 0, "maximum time to wait for the browser to start")
	f.Bool("protocol-log", false, "log every protocol message at debug level")
}
