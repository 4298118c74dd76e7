package config

import (
	"errors"
	"strings"
)

// MigrateConfig holds settings for the migration CLI.
type MigrateConfig struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"postgres://teamgate:teamgate@db:5432/teamgate?sslmode=disable"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadMigrateConfig reads the migration settings from the environment.
func LoadMigrateConfig() (MigrateConfig, error) {
	var cfg MigrateConfig
	if err := ParseEnv(&cfg); err != nil {
		return MigrateConfig{}, err
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return MigrateConfig{}, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}
