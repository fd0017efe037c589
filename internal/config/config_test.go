package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "copilot-relay", cfg.Logger.ServiceName)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 9222, cfg.Browser.DebugPort)
	assert.Equal(t, TargetStandard, cfg.Target.Kind)

	// The standard profile must be applied when no overrides are set.
	assert.Equal(t, "https://copilot.microsoft.com/", cfg.Target.PageURL)
	assert.Equal(t, "textarea#userInput", cfg.Target.InputSelector)
	assert.Equal(t, 20*time.Second, cfg.Target.CaptureTimeout)
}

func TestNewConfigFromViper_M365Profile(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("target.kind", "m365")

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, TargetM365, cfg.Target.Kind)
	assert.Equal(t, "https://m365.cloud.microsoft/chat", cfg.Target.PageURL)
	assert.Equal(t, "wss://substrate.office.com/m365Copilot/Chathub/", cfg.Target.SocketURLFilter)
	assert.Equal(t, "span[role=textbox]", cfg.Target.InputSelector)
}

func TestNewConfigFromViper_ProfileOverride(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("target.input_selector", "textarea#customInput")

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	// Explicit values win over the profile; unset fields still come from it.
	assert.Equal(t, "textarea#customInput", cfg.Target.InputSelector)
	assert.Equal(t, `button[data-testid="submit-button"]`, cfg.Target.SubmitSelector)
}

func TestNewConfigFromViper_UnknownKind(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("target.kind", "gemini")

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target.kind")
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(c *Config)
		expected string
	}{
		{
			name:     "bad debug port",
			mutate:   func(c *Config) { c.Browser.DebugPort = -1 },
			expected: "browser.debug_port",
		},
		{
			name:     "bad server port",
			mutate:   func(c *Config) { c.Server.Port = 70000 },
			expected: "server.port",
		},
		{
			name:     "zero capture timeout",
			mutate:   func(c *Config) { c.Target.CaptureTimeout = 0 },
			expected: "target.capture_timeout",
		},
		{
			name:     "zero endpoint retries",
			mutate:   func(c *Config) { c.Browser.EndpointRetries = 0 },
			expected: "browser.endpoint_retries",
		},
		{
			name:     "missing page url",
			mutate:   func(c *Config) { c.Target.PageURL = "" },
			expected: "target.page_url",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.expected)
		})
	}
}
