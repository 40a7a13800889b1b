package middleware

import (
	"time"

	"github.com/renkulab/kg-pipeline/internal/config"
)

// Config holds the rate limiter configuration: a global bucket over all
// requests plus a per-client bucket. Burst fields left at 0 are computed as
// twice the sustained rate.
type Config struct {
	// Enabled turns rate limiting off entirely when false. Useful behind an
	// ingress that already limits.
	Enabled bool

	GlobalRPS int
	ClientRPS int

	GlobalBurst int
	ClientBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxClients      int
}

// LoadConfig loads the rate limiter configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Enabled: config.GetEnvBool("EVENT_LOG_RATE_LIMIT_ENABLED", true),

		GlobalRPS: config.GetEnvInt("EVENT_LOG_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("EVENT_LOG_CLIENT_RPS", defaultClientRPS),

		GlobalBurst: config.GetEnvInt("EVENT_LOG_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("EVENT_LOG_CLIENT_BURST", 0),

		CleanupInterval: config.GetEnvDuration("EVENT_LOG_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("EVENT_LOG_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:      config.GetEnvInt("EVENT_LOG_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
