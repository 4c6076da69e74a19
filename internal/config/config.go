package config

import (
	"fmt"
)

type Config struct {
	Server    ServerConfig
	Anthropic AnthropicConfig
	Payment   PaymentConfig
	Storage   StorageConfig
	Log       LogConfig
	API       APIConfig
}

type ServerConfig struct {
	Port int
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

// PaymentConfig points at an external payout provider. When BaseURL is
// empty the server falls back to a stub that reports every payment as
// successful, so the flow works without a provider account.
type PaymentConfig struct {
	BaseURL   string
	APIKey    string
	Recipient string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// APIConfig carries the bearer token protecting the HTTP surface.
type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-5",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/canvass/config.json, then applies CANVASS_* environment
// overrides. Secrets are never read from the file; they come from the
// environment only.
func Load() (Config, error) {
	return loadWith(newBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Anthropic.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: Anthropic API key. Set it via environment variable CANVASS_ANTHROPIC_API_KEY")
	}

	return cfg, nil
}
