// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Bridge   BridgeConfig   `mapstructure:"bridge" yaml:"bridge"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox" yaml:"sandbox"`
	Vision   VisionConfig   `mapstructure:"vision" yaml:"vision"`
	Takeover TakeoverConfig `mapstructure:"takeover" yaml:"takeover"`
	Transfer TransferConfig `mapstructure:"transfer" yaml:"transfer"`
}

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
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// BridgeConfig tunes the file-mediated request/response loop.
type BridgeConfig struct {
	// RequestRoot is the directory that holds one mailbox directory per
	// worker session namespace.
	RequestRoot string `mapstructure:"request_root" yaml:"request_root"`
	// PollInterval is the cadence at which the host scans for request files.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// ResponsePollInterval is the worker-side cadence for response files.
	ResponsePollInterval time.Duration `mapstructure:"response_poll_interval" yaml:"response_poll_interval"`
	// ResponseTTL is how long an unread response file survives before the
	// host garbage-collects it.
	ResponseTTL time.Duration `mapstructure:"response_ttl" yaml:"response_ttl"`
	// SettleDelay is the pause between a primitive action and the post-action
	// snapshot used for verification.
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	// ListenAddr is the bind address of the takeover web surface.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// SandboxConfig holds the connection details for the sandbox command surface.
type SandboxConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	// CommandsPerSecond paces outbound commands so a runaway macro cannot
	// flood the sandbox backend.
	CommandsPerSecond float64 `mapstructure:"commands_per_second" yaml:"commands_per_second"`
	FrameWidth        int     `mapstructure:"frame_width" yaml:"frame_width"`
	FrameHeight       int     `mapstructure:"frame_height" yaml:"frame_height"`
}

// VisionConfig configures the vision-model fallback of the element locator.
type VisionConfig struct {
	APIKey     string        `mapstructure:"api_key" yaml:"-"`
	Model      string        `mapstructure:"model" yaml:"model"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	// MaxCallsPerWindow and Window bound vision usage: at most MaxCallsPerWindow
	// lookups in any trailing Window.
	MaxCallsPerWindow int           `mapstructure:"max_calls_per_window" yaml:"max_calls_per_window"`
	Window            time.Duration `mapstructure:"window" yaml:"window"`
	// ScreenshotTTL is how long a captured frame may be reused before a fresh
	// capture is forced.
	ScreenshotTTL time.Duration `mapstructure:"screenshot_ttl" yaml:"screenshot_ttl"`
}

// Enabled reports whether the vision fallback may be used at all.
func (v VisionConfig) Enabled() bool { return v.APIKey != "" }

// TakeoverConfig configures the human-takeover surface.
type TakeoverConfig struct {
	// LiveViewBase is the externally reachable base URL of the takeover UI.
	LiveViewBase string `mapstructure:"live_view_base" yaml:"live_view_base"`
	// SigningSecret signs short-lived live-view URL tokens.
	SigningSecret string `mapstructure:"signing_secret" yaml:"-"`
	// LiveViewTokenTTL bounds the validity of a signed live-view URL.
	LiveViewTokenTTL time.Duration `mapstructure:"live_view_token_ttl" yaml:"live_view_token_ttl"`
}

// TransferConfig bounds file extraction and upload.
type TransferConfig struct {
	// AllowedRoots is the allow-list of directories file transfers may touch.
	AllowedRoots []string `mapstructure:"allowed_roots" yaml:"allowed_roots"`
	// ChunkSize must be a multiple of 3 so base64 expansion produces no
	// interior padding.
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size"`
}

// NewDefaultConfig creates a configuration struct populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults, but fail loudly if it does.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "sandbridge")
	v.SetDefault("logger.log_file", "sandbridge.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Bridge --
	v.SetDefault("bridge.request_root", "/var/run/sandbridge/sessions")
	v.SetDefault("bridge.poll_interval", "1s")
	v.SetDefault("bridge.response_poll_interval", "500ms")
	v.SetDefault("bridge.response_ttl", "10m")
	v.SetDefault("bridge.settle_delay", "250ms")
	v.SetDefault("bridge.listen_addr", "127.0.0.1:8377")

	// -- Sandbox --
	v.SetDefault("sandbox.base_url", "http://127.0.0.1:8080")
	v.SetDefault("sandbox.command_timeout", "30s")
	v.SetDefault("sandbox.commands_per_second", 10.0)
	v.SetDefault("sandbox.frame_width", 1280)
	v.SetDefault("sandbox.frame_height", 800)

	// -- Vision --
	v.SetDefault("vision.model", "gemini-2.5-flash")
	v.SetDefault("vision.api_timeout", "45s")
	v.SetDefault("vision.max_calls_per_window", 3)
	v.SetDefault("vision.window", "10s")
	v.SetDefault("vision.screenshot_ttl", "2s")

	// -- Takeover --
	v.SetDefault("takeover.live_view_base", "http://127.0.0.1:8377/live")
	v.SetDefault("takeover.live_view_token_ttl", "30m")

	// -- Transfer --
	v.SetDefault("transfer.allowed_roots", []string{"/home/user", "/tmp"})
	v.SetDefault("transfer.chunk_size", 49152)
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("vision.api_key", "SANDBRIDGE_VISION_API_KEY")
	v.BindEnv("takeover.signing_secret", "SANDBRIDGE_TAKEOVER_SECRET")

	var cfg Config
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
	if c.Bridge.RequestRoot == "" {
		return fmt.Errorf("bridge.request_root is a required configuration field")
	}
	if c.Bridge.PollInterval <= 0 {
		return fmt.Errorf("bridge.poll_interval must be a positive duration")
	}
	if c.Transfer.ChunkSize <= 0 || c.Transfer.ChunkSize%3 != 0 {
		return fmt.Errorf("transfer.chunk_size must be a positive multiple of 3, got %d", c.Transfer.ChunkSize)
	}
	if c.Vision.Enabled() && c.Vision.MaxCallsPerWindow <= 0 {
		return fmt.Errorf("vision.max_calls_per_window must be positive when vision is enabled")
	}
	if c.Sandbox.FrameWidth <= 0 || c.Sandbox.FrameHeight <= 0 {
		return fmt.Errorf("sandbox.frame_width and sandbox.frame_height must be positive")
	}
	return nil
}
