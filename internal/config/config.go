// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// TargetKind selects one of the built-in chat target profiles. The two kinds
// differ in page URL, DOM selectors, socket URL filter, and wire dialect.
type TargetKind string

const (
	// TargetStandard is the consumer chat frontend. Its socket speaks the
	// event-tagged dialect and is reused across turns.
	TargetStandard TargetKind = "standard"
	// TargetM365 is the workplace chat frontend. Its socket speaks the
	// delimiter-framed full-replacement dialect and is opened per turn.
	TargetM365 TargetKind = "m365"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Target  TargetConfig  `mapstructure:"target" yaml:"target"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig configures the OpenAI-compatible HTTP facade.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// Model is the model name published through /v1/models and echoed in
	// completion responses. Purely cosmetic; the backing model is whatever
	// the wrapped web target runs.
	Model string `mapstructure:"model" yaml:"model"`
}

// BrowserConfig holds settings for the supervised browser process.
type BrowserConfig struct {
	// Path is the browser executable. Empty means autodetect from the
	// platform default locations and $PATH.
	Path string `mapstructure:"path" yaml:"path"`
	// ProfileDir is the --user-data-dir passed to the browser. Empty means
	// launch against the default profile.
	ProfileDir string `mapstructure:"profile_dir" yaml:"profile_dir"`
	DebugPort  int    `mapstructure:"debug_port" yaml:"debug_port"`
	Headless   bool   `mapstructure:"headless" yaml:"headless"`
	// Args are extra flags appended after the fixed launch flag set.
	Args []string `mapstructure:"args" yaml:"args"`

	// LaunchSettle is how long to wait after spawning before declaring the
	// process up (an exit inside this window is a launch failure).
	LaunchSettle time.Duration `mapstructure:"launch_settle" yaml:"launch_settle"`
	// EndpointRetries bounds the /json/version polling loop.
	EndpointRetries int           `mapstructure:"endpoint_retries" yaml:"endpoint_retries"`
	EndpointBackoff time.Duration `mapstructure:"endpoint_backoff" yaml:"endpoint_backoff"`
}

// TargetConfig describes the chat web application being driven. Kind selects
// a built-in profile; any explicitly set field overrides the profile value.
type TargetConfig struct {
	Kind            TargetKind `mapstructure:"kind" yaml:"kind"`
	PageURL         string     `mapstructure:"page_url" yaml:"page_url"`
	SocketURLFilter string     `mapstructure:"socket_url_filter" yaml:"socket_url_filter"`
	InputSelector   string     `mapstructure:"input_selector" yaml:"input_selector"`
	SubmitSelector  string     `mapstructure:"submit_selector" yaml:"submit_selector"`

	CommandTimeout    time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ElementTimeout    time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	ElementPoll       time.Duration `mapstructure:"element_poll" yaml:"element_poll"`
	CaptureTimeout    time.Duration `mapstructure:"capture_timeout" yaml:"capture_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

// targetProfiles are the built-in per-kind defaults, mirroring the live
// deployments as last observed. Selector drift on the target's side is a
// configuration update, not a code change.
var targetProfiles = map[TargetKind]TargetConfig{
	TargetStandard: {
		Kind:            TargetStandard,
		PageURL:         "https://copilot.microsoft.com/",
		SocketURLFilter: "wss://copilot.microsoft.com/c/api/chat?api-version=2",
		InputSelector:   "textarea#userInput",
		SubmitSelector:  `button[data-testid="submit-button"]`,
	},
	TargetM365: {
		Kind:            TargetM365,
		PageURL:         "https://m365.cloud.microsoft/chat",
		SocketURLFilter: "wss://substrate.office.com/m365Copilot/Chathub/",
		InputSelector:   "span[role=textbox]",
		SubmitSelector:  "button[type=submit]",
	},
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "copilot-relay")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.model", "copilot-relay")

	// -- Browser --
	v.SetDefault("browser.path", "")
	v.SetDefault("browser.profile_dir", filepath.Join(os.TempDir(), "copilot-relay-profile"))
	v.SetDefault("browser.debug_port", 9222)
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.launch_settle", "5s")
	v.SetDefault("browser.endpoint_retries", 10)
	v.SetDefault("browser.endpoint_backoff", "2s")

	// -- Target --
	v.SetDefault("target.kind", string(TargetStandard))
	v.SetDefault("target.command_timeout", "10s")
	v.SetDefault("target.navigation_timeout", "15s")
	v.SetDefault("target.element_timeout", "25s")
	v.SetDefault("target.element_poll", "500ms")
	v.SetDefault("target.capture_timeout", "20s")
	v.SetDefault("target.settle_delay", "200ms")
}

// NewDefaultConfig creates a configuration populated with default values and
// the standard target profile. Intended for tests and programmatic use.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	cfg, err := NewConfigFromViper(v)
	if err != nil {
		// Defaults must always produce a valid configuration.
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// NewConfigFromViper unmarshals and validates a configuration from a viper
// instance, applying the target profile selected by target.kind.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Target = cfg.Target.withProfileDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// withProfileDefaults fills any unset target field from the built-in profile
// for the configured kind. An unknown kind is left for Validate to reject.
func (t TargetConfig) withProfileDefaults() TargetConfig {
	profile, ok := targetProfiles[t.Kind]
	if !ok {
		return t
	}
	if t.PageURL == "" {
		t.PageURL = profile.PageURL
	}
	if t.SocketURLFilter == "" {
		t.SocketURLFilter = profile.SocketURLFilter
	}
	if t.InputSelector == "" {
		t.InputSelector = profile.InputSelector
	}
	if t.SubmitSelector == "" {
		t.SubmitSelector = profile.SubmitSelector
	}
	return t
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if _, ok := targetProfiles[c.Target.Kind]; !ok {
		return fmt.Errorf("target.kind must be one of %q or %q, got %q",
			TargetStandard, TargetM365, c.Target.Kind)
	}
	if c.Target.PageURL == "" {
		return fmt.Errorf("target.page_url is required")
	}
	if c.Target.SocketURLFilter == "" {
		return fmt.Errorf("target.socket_url_filter is required")
	}
	if c.Target.InputSelector == "" || c.Target.SubmitSelector == "" {
		return fmt.Errorf("target.input_selector and target.submit_selector are required")
	}
	if c.Browser.DebugPort <= 0 || c.Browser.DebugPort > 65535 {
		return fmt.Errorf("browser.debug_port must be a valid TCP port")
	}
	if c.Browser.EndpointRetries <= 0 {
		return fmt.Errorf("browser.endpoint_retries must be a positive integer")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"target.command_timeout", c.Target.CommandTimeout},
		{"target.navigation_timeout", c.Target.NavigationTimeout},
		{"target.element_timeout", c.Target.ElementTimeout},
		{"target.element_poll", c.Target.ElementPoll},
		{"target.capture_timeout", c.Target.CaptureTimeout},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be a positive duration", d.name)
		}
	}
	return nil
}
