package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CANVASS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "anthropic.api_key", typ: kString, env: "CANVASS_ANTHROPIC_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Anthropic.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.APIKey },
	},
	{
		key: "anthropic.model", typ: kString, env: "CANVASS_ANTHROPIC_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Anthropic.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.Model },
	},
	{
		key: "payment.base_url", typ: kString, env: "CANVASS_PAYMENT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Payment.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Payment.BaseURL },
	},
	{
		key: "payment.api_key", typ: kString, env: "CANVASS_PAYMENT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Payment.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Payment.APIKey },
	},
	{
		key: "payment.recipient", typ: kString, env: "CANVASS_PAYMENT_RECIPIENT",
		apply:   func(cfg *Config, v any) { cfg.Payment.Recipient = v.(string) },
		extract: func(cfg Config) any { return cfg.Payment.Recipient },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CANVASS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CANVASS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "api.token", typ: kString, env: "CANVASS_API_TOKEN",
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
