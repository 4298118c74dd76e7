package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	minProductionSecretLength = 32
	environmentProduction     = "production"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string        `env:"APP_ENV" envDefault:"development"`
	Addr               string        `env:"API_ADDR" envDefault:":4000"`
	DatabaseURL        string        `env:"DATABASE_URL" envDefault:"postgres://teamgate:teamgate@db:5432/teamgate?sslmode=disable"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	SessionSecret      string        `env:"SESSION_SECRET"`
	SessionTTL         time.Duration `env:"SESSION_TTL" envDefault:"720h"`
	SessionCookieName  string        `env:"SESSION_COOKIE_NAME" envDefault:"teamgate_session"`
	SIWEDomains        []string      `env:"SIWE_DOMAINS" envSeparator:","`
	EthRPCURL          string        `env:"ETH_RPC_URL"`
	ENSRegistryAddress string        `env:"ENS_REGISTRY_ADDRESS" envDefault:"0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e"`
	ENSCacheSize       int           `env:"ENS_CACHE_SIZE" envDefault:"512"`
	ENSCacheTTL        time.Duration `env:"ENS_CACHE_TTL" envDefault:"10m"`
	ENSTimeout         time.Duration `env:"ENS_TIMEOUT" envDefault:"5s"`
	RateLimitRedisAddr string        `env:"RATE_LIMIT_REDIS_ADDR"`
	RateLimitRedisPass string        `env:"RATE_LIMIT_REDIS_PASSWORD"`
	RateLimitRedisDB   int           `env:"RATE_LIMIT_REDIS_DB" envDefault:"0"`
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() (APIConfig, error) {
	var cfg APIConfig
	if err := ParseEnv(&cfg); err != nil {
		return APIConfig{}, err
	}
	cfg.SIWEDomains = normalizeDomains(cfg.SIWEDomains)
	if err := cfg.Validate(); err != nil {
		return APIConfig{}, err
	}
	return cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c APIConfig) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), environmentProduction)
}

// Validate checks settings that have no safe default.
func (c APIConfig) Validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return errors.New("SESSION_SECRET is required")
	}
	if c.IsProduction() && len(c.SessionSecret) < minProductionSecretLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters in production", minProductionSecretLength)
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be positive")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return errors.New("SESSION_COOKIE_NAME must not be empty")
	}
	return nil
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if trimmed := strings.ToLower(strings.TrimSpace(d)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
