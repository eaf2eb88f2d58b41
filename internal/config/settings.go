package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither flags nor the settings file set a value.
const (
	DefaultProvider    = "anthropic"
	DefaultMCPConfig   = "mcp_config.json"
	DefaultEnvFile     = ".env"
	DefaultInitTimeout = 15 * time.Second
	DefaultExecTimeout = 60 * time.Second
	DefaultMaxRetries  = 2
)

// Settings holds persistent CLI defaults loaded from a config file.
type Settings struct {
	Provider     string        `yaml:"provider"`
	MaxSteps     int           `yaml:"max_steps"`
	MaxTokens    int           `yaml:"max_tokens"`
	MaxRetries   *int          `yaml:"max_retries,omitempty"` // model API retries on 429/5xx
	InitTimeout  time.Duration `yaml:"init_timeout"`
	ExecTimeout  time.Duration `yaml:"exec_timeout"`
	MCPConfig    string        `yaml:"mcp_config"`
	EnvFile      string        `yaml:"env_file"`
	History      string        `yaml:"history"`
	MetricsAddr  string        `yaml:"metrics_addr,omitempty"`
	SystemPrompt string        `yaml:"system_prompt,omitempty"`

	// Per-provider overrides, keyed by provider name
	Providers map[string]*ProviderConfig `yaml:"providers,omitempty"`
}

// ProviderConfig overrides model, endpoint or key for one provider.
type ProviderConfig struct {
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"` // literal or "env:VAR_NAME"
}

// LoadSettings reads a YAML config file into Settings.
// If the file does not exist, it returns zero-value Settings and nil error.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Settings{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if s.InitTimeout < 0 || s.ExecTimeout < 0 {
		return nil, fmt.Errorf("config %s: timeouts must not be negative", path)
	}

	return &s, nil
}

// Overrides returns the configured override block for provider name.
func (s *Settings) Overrides(name string) ProviderConfig {
	if s.Providers == nil || s.Providers[name] == nil {
		return ProviderConfig{}
	}
	return *s.Providers[name]
}

// Retries returns the configured model API retry count.
func (s *Settings) Retries() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *s.MaxRetries
}
