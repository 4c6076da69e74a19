package config

import (
	"strings"
	"testing"
)

// mapBackend is an in-memory Backend for tests.
type mapBackend struct {
	data map[string]any
}

func newMapBackend() *mapBackend {
	return &mapBackend{data: make(map[string]any)}
}

func (b *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (b *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	return v.(int), true, nil
}

func (b *mapBackend) SetString(key, val string) error {
	b.data[key] = val
	return nil
}

func (b *mapBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return nil
}

func (b *mapBackend) Delete(key string) error {
	delete(b.data, key)
	return nil
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CANVASS_ANTHROPIC_API_KEY", "sk-test")

	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("loadWith() error = %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Anthropic.Model != "claude-sonnet-4-5" {
		t.Errorf("Anthropic.Model = %q, want default", cfg.Anthropic.Model)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestLoad_BackendValues(t *testing.T) {
	t.Setenv("CANVASS_ANTHROPIC_API_KEY", "sk-test")

	b := newMapBackend()
	b.SetInt("server.port", 5050)
	b.SetString("payment.recipient", "wallet@example.com")
	b.SetString("anthropic.model", "claude-opus-4-1")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith() error = %v", err)
	}
	if cfg.Server.Port != 5050 {
		t.Errorf("Server.Port = %d, want 5050", cfg.Server.Port)
	}
	if cfg.Payment.Recipient != "wallet@example.com" {
		t.Errorf("Payment.Recipient = %q, want backend value", cfg.Payment.Recipient)
	}
	if cfg.Anthropic.Model != "claude-opus-4-1" {
		t.Errorf("Anthropic.Model = %q, want backend value", cfg.Anthropic.Model)
	}
}

func TestLoad_EnvOverridesBackend(t *testing.T) {
	t.Setenv("CANVASS_ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("CANVASS_SERVER_PORT", "7777")

	b := newMapBackend()
	b.SetInt("server.port", 5050)

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith() error = %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want env override 7777", cfg.Server.Port)
	}
}

func TestLoad_MissingAPIKey(t *testing.T) {
	t.Setenv("CANVASS_ANTHROPIC_API_KEY", "")

	_, err := loadWith(newMapBackend())
	if err == nil {
		t.Fatal("loadWith() error = nil, want missing API key error")
	}
	if !strings.Contains(err.Error(), "CANVASS_ANTHROPIC_API_KEY") {
		t.Errorf("error = %v, want mention of the env var", err)
	}
}

func TestLoad_SecretsNotReadFromBackend(t *testing.T) {
	t.Setenv("CANVASS_ANTHROPIC_API_KEY", "sk-env")

	b := newMapBackend()
	b.SetString("anthropic.api_key", "sk-file")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith() error = %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-env" {
		t.Errorf("APIKey = %q, want env value only", cfg.Anthropic.APIKey)
	}
}

func TestSetKey_RejectsSecrets(t *testing.T) {
	err := setKeyWith(newMapBackend(), "anthropic.api_key", "sk-x")
	if err == nil {
		t.Fatal("setKeyWith() error = nil, want rejection for secret key")
	}
}

func TestSetKey_UnknownKey(t *testing.T) {
	err := setKeyWith(newMapBackend(), "nope.nothing", "x")
	if err == nil {
		t.Fatal("setKeyWith() error = nil, want unknown key error")
	}
}

func TestSetKey_IntValidation(t *testing.T) {
	b := newMapBackend()
	if err := setKeyWith(b, "server.port", "not-a-number"); err == nil {
		t.Error("setKeyWith() error = nil, want integer parse error")
	}
	if err := setKeyWith(b, "server.port", "4001"); err != nil {
		t.Errorf("setKeyWith() error = %v", err)
	}
	if v, _, _ := b.GetInt("server.port"); v != 4001 {
		t.Errorf("stored port = %d, want 4001", v)
	}
}

func TestShowAll_OmitsSecrets(t *testing.T) {
	t.Setenv("CANVASS_ANTHROPIC_API_KEY", "sk-test")

	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("loadWith() error = %v", err)
	}

	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Key, "api_key") {
			t.Errorf("ShowAll() exposes secret key %q", k.Key)
		}
	}
}

func TestEnsureAPIToken_KeepsExisting(t *testing.T) {
	cfg := Config{}
	cfg.API.Token = "existing-token"

	token, err := EnsureAPIToken(&cfg)
	if err != nil {
		t.Fatalf("EnsureAPIToken() error = %v", err)
	}
	if token != "existing-token" {
		t.Errorf("token = %q, want existing token kept", token)
	}
}
