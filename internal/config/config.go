// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Manager() ManagerConfig

	// Browser Setters
	SetBrowserEngine(string)
	SetBrowserHeadless(bool)
	SetBrowserExecutablePath(string)
	SetBrowserUseWebSocket(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	ManagerCfg ManagerConfig `mapstructure:"manager" yaml:"manager"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Manager() ManagerConfig { return c.ManagerCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserEngine(e string)         { c.BrowserCfg.Engine = e }
func (c *Config) SetBrowserHeadless(b bool)         { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserExecutablePath(p string) { c.BrowserCfg.ExecutablePath = p }
func (c *Config) SetBrowserUseWebSocket(b bool)     { c.BrowserCfg.UseWebSocket = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
	// Protocol turns on debug logging of every wire message.
	Protocol bool `mapstructure:"protocol" yaml:"protocol"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig is the launch surface. It is converted once per launch into
// an immutable set of launch options.
type BrowserConfig struct {
	// Engine selects the browser family: chromium, webkit, firefox or bidi.
	Engine               string            `mapstructure:"engine" yaml:"engine"`
	ExecutablePath       string            `mapstructure:"executable_path" yaml:"executable_path"`
	Channel              string            `mapstructure:"channel" yaml:"channel"`
	Headless             bool              `mapstructure:"headless" yaml:"headless"`
	Devtools             bool              `mapstructure:"devtools" yaml:"devtools"`
	ChromiumSandbox      bool              `mapstructure:"chromium_sandbox" yaml:"chromium_sandbox"`
	Args                 []string          `mapstructure:"args" yaml:"args"`
	IgnoreDefaultArgs    []string          `mapstructure:"ignore_default_args" yaml:"ignore_default_args"`
	IgnoreAllDefaultArgs bool              `mapstructure:"ignore_all_default_args" yaml:"ignore_all_default_args"`
	Env                  map[string]string `mapstructure:"env" yaml:"env"`
	Timeout              time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	CloseTimeout         time.Duration     `mapstructure:"close_timeout" yaml:"close_timeout"`
	Proxy                ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
	UserDataDir          string            `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	DownloadsPath        string            `mapstructure:"downloads_path" yaml:"downloads_path"`
	TracesDir            string            `mapstructure:"traces_dir" yaml:"traces_dir"`
	UseWebSocket         bool              `mapstructure:"use_websocket" yaml:"use_websocket"`
	DebuggingPort        int               `mapstructure:"debugging_port" yaml:"debugging_port"`
	HandleSIGINT         bool              `mapstructure:"handle_sigint" yaml:"handle_sigint"`
	HandleSIGTERM        bool              `mapstructure:"handle_sigterm" yaml:"handle_sigterm"`
	HandleSIGHUP         bool              `mapstructure:"handle_sighup" yaml:"handle_sighup"`
}

// ProxyConfig configures the browser-wide proxy.
type ProxyConfig struct {
	Server   string `mapstructure:"server" yaml:"server"`
	Bypass   string `mapstructure:"bypass" yaml:"bypass"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	// FromEnvironment derives the proxy from HTTP(S)_PROXY / NO_PROXY when Server is empty.
	FromEnvironment bool `mapstructure:"from_environment" yaml:"from_environment"`
}

// ManagerConfig tunes the multi-browser manager.
type ManagerConfig struct {
	LaunchRate      float64       `mapstructure:"launch_rate" yaml:"launch_rate"`
	LaunchBurst     int           `mapstructure:"launch_burst" yaml:"launch_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

var validEngines = map[string]bool{
	"chromium": true,
	"webkit":   true,
	"firefox":  true,
	"bidi":     true,
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "driveline")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.protocol", false)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.engine", "chromium")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.devtools", false)
	v.SetDefault("browser.chromium_sandbox", false)
	v.SetDefault("browser.timeout", "3m")
	v.SetDefault("browser.close_timeout", "20s")
	v.SetDefault("browser.use_websocket", false)
	v.SetDefault("browser.debugging_port", 0)
	v.SetDefault("browser.handle_sigint", true)
	v.SetDefault("browser.handle_sigterm", true)
	v.SetDefault("browser.handle_sighup", true)
	v.SetDefault("browser.proxy.from_environment", false)

	// -- Manager --
	v.SetDefault("manager.launch_rate", 2.0)
	v.SetDefault("manager.launch_burst", 4)
	v.SetDefault("manager.shutdown_timeout", "30s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Proxy credentials are usually kept out of config files.
	v.BindEnv("browser.proxy.username", "DRIVELINE_PROXY_USERNAME")
	v.BindEnv("browser.proxy.password", "DRIVELINE_PROXY_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.BrowserCfg.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if c.ManagerCfg.LaunchRate <= 0 {
		return fmt.Errorf("manager.launch_rate must be positive")
	}
	if c.ManagerCfg.LaunchBurst <= 0 {
		return fmt.Errorf("manager.launch_burst must be a positive integer")
	}
	if c.ManagerCfg.ShutdownTimeout < 0 {
		return fmt.Errorf("manager.shutdown_timeout must not be negative")
	}
	return nil
}

// Validate checks the browser launch settings.
func (b *BrowserConfig) Validate() error {
	if !validEngines[b.Engine] {
		return fmt.Errorf("engine %q is not one of chromium, webkit, firefox, bidi", b.Engine)
	}
	if b.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if b.CloseTimeout <= 0 {
		return fmt.Errorf("close_timeout must be a positive duration")
	}
	if b.DebuggingPort < 0 || b.DebuggingPort > 65535 {
		return fmt.Errorf("debugging_port %d is out of range", b.DebuggingPort)
	}
	if b.Proxy.Server == "" && (b.Proxy.Username != "" || b.Proxy.Password != "") && !b.Proxy.FromEnvironment {
		return fmt.Errorf("proxy credentials require proxy.server")
	}
	return nil
}
