package main

import (
	"errors"

	"github.com/renkulab/kg-pipeline/internal/config"
)

// ErrDatabaseURLRequired is returned when EVENT_LOG_POSTGRES_URL is not set.
var ErrDatabaseURLRequired = errors.New("EVENT_LOG_POSTGRES_URL cannot be empty")

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL: config.GetEnvStr("EVENT_LOG_POSTGRES_URL", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}

	return nil
}
