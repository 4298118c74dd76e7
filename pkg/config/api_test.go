package config

import (
	"testing"
	"time"
)

func TestLoadAPIConfigDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", "dev-secret")
	t.Setenv("SIWE_DOMAINS", " Example.com ,, app.example.com")

	cfg, err := LoadAPIConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":4000" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.SessionTTL != 30*24*time.Hour {
		t.Fatalf("unexpected session ttl: %s", cfg.SessionTTL)
	}
	if len(cfg.SIWEDomains) != 2 || cfg.SIWEDomains[0] != "example.com" || cfg.SIWEDomains[1] != "app.example.com" {
		t.Fatalf("unexpected domains: %v", cfg.SIWEDomains)
	}
	if cfg.IsProduction() {
		t.Fatalf("expected development environment")
	}
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg := APIConfig{SessionTTL: time.Hour, SessionCookieName: "s"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestValidateProductionSecretLength(t *testing.T) {
	cfg := APIConfig{
		Environment:       "production",
		SessionSecret:     "too-short",
		SessionTTL:        time.Hour,
		SessionCookieName: "s",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected short secret to be rejected in production")
	}
	cfg.SessionSecret = "0123456789abcdef0123456789abcdef"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMigrateConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/teamgate")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadMigrateConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/teamgate" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
