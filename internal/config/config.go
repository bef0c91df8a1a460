// Package config loads and validates the chatrelay configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	. "github.com/chatrelay/chatrelay/internal/logging"
)

// APIKey is one named secret in the rotation ring. Keys are configured as an
// ordered list because list order is the canonical ring order the rotation
// scans through.
type APIKey struct {
	Name   string `yaml:"name"`
	Secret string `yaml:"secret"`
}

// APIConfig holds the remote chat-completion endpoint settings.
type APIConfig struct {
	BaseURL          string  `yaml:"base_url"`
	Model            string  `yaml:"model"`
	Temperature      float32 `yaml:"temperature"`
	MaxTokens        int     `yaml:"max_tokens"`
	TopP             float32 `yaml:"top_p"`
	FrequencyPenalty float32 `yaml:"frequency_penalty"`
	// RequestTimeoutSeconds bounds a single streamed completion call.
	// A timed-out call counts as a transient failure, not a key failure.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// TriggerConfig holds the idle-trigger scheduler settings.
type TriggerConfig struct {
	Enabled         bool     `yaml:"enabled"`
	IntervalMinutes int      `yaml:"interval_minutes"`
	Message         string   `yaml:"message"`
	Whitelist       []string `yaml:"whitelist"`
}

// TelegramConfig holds the bot channel settings.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
}

// Config is the merged chatrelay configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	ContextLength      int  `yaml:"context_length"`
	ShowNickname       bool `yaml:"show_nickname"`
	GroupSharedContext bool `yaml:"group_shared_context"`
	EnableMemory       bool `yaml:"enable_memory"`

	MaxFailuresBeforeSwitch int `yaml:"max_failures_before_switch"`

	API      APIConfig         `yaml:"api"`
	APIKeys  []APIKey          `yaml:"api_keys"`
	Personas map[string]string `yaml:"personas"`
	Trigger  TriggerConfig     `yaml:"trigger"`
	Telegram TelegramConfig    `yaml:"telegram"`
}

// DefaultPersona is the persona name used when a user has not picked one.
const DefaultPersona = "default"

// Default returns the configuration defaults, matching the shipped personas.
func Default() *Config {
	return &Config{
		LogLevel:           "info",
		DataDir:            "data",
		ContextLength:      10,
		ShowNickname:       true,
		GroupSharedContext: true,
		EnableMemory:       true,

		MaxFailuresBeforeSwitch: 3,

		API: APIConfig{
			BaseURL:               "https://www.gpt4novel.com/api/xiaoshuoai/ext/v1",
			Model:                 "nalang-turbo-v23",
			Temperature:           0.7,
			MaxTokens:             800,
			TopP:                  0.35,
			RequestTimeoutSeconds: 120,
		},

		Personas: map[string]string{
			DefaultPersona: "You are a helpful AI assistant.",
			"programmer":   "You are a professional programmer, skilled at solving coding problems and optimizing code.",
			"teacher":      "You are a patient teacher who explains complex concepts in simple terms.",
			"translator":   "You are a professional translator who renders text accurately between languages.",
		},

		Trigger: TriggerConfig{
			Enabled:         false,
			IntervalMinutes: 1440,
			Message:         "(Note: I haven't heard from you in a while, so I'm reaching out first...)",
		},
	}
}

// Load reads the YAML config at path over the defaults. A missing file is not
// an error; the defaults are returned so a bare install still starts.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			L_warn("config: file not found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.clamp()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// clamp forces out-of-range numeric settings back into their allowed ranges.
func (c *Config) clamp() {
	if c.ContextLength < 1 {
		c.ContextLength = 1
	}
	// 1..10 failures before a key is considered exhausted
	if c.MaxFailuresBeforeSwitch < 1 {
		c.MaxFailuresBeforeSwitch = 1
	}
	if c.MaxFailuresBeforeSwitch > 10 {
		c.MaxFailuresBeforeSwitch = 10
	}
	// 1 minute .. 7 days
	if c.Trigger.IntervalMinutes < 1 {
		c.Trigger.IntervalMinutes = 1
	}
	if c.Trigger.IntervalMinutes > 10080 {
		c.Trigger.IntervalMinutes = 10080
	}
	if c.API.RequestTimeoutSeconds < 1 {
		c.API.RequestTimeoutSeconds = 120
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.APIKeys))
	for _, k := range c.APIKeys {
		name := strings.TrimSpace(k.Name)
		if name == "" {
			return fmt.Errorf("api_keys: entry with empty name")
		}
		if seen[name] {
			return fmt.Errorf("api_keys: duplicate key name %q", name)
		}
		seen[name] = true
	}
	if c.Personas == nil {
		c.Personas = map[string]string{}
	}
	if _, ok := c.Personas[DefaultPersona]; !ok {
		// Keep the fallback persona available even when the operator
		// replaces the whole personas map.
		c.Personas[DefaultPersona] = Default().Personas[DefaultPersona]
	}
	return nil
}

// HasUsableKeys reports whether at least one key has a non-blank secret.
func (c *Config) HasUsableKeys() bool {
	for _, k := range c.APIKeys {
		if strings.TrimSpace(k.Secret) != "" {
			return true
		}
	}
	return false
}
