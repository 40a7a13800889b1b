package webhook

import (
	"errors"

	"github.com/renkulab/kg-pipeline/internal/config"
)

// Config validation errors.
var (
	ErrEventLogURLRequired = errors.New("EVENT_LOG_URL cannot be empty")
	ErrBrokersRequired     = errors.New("KAFKA_BROKERS cannot be empty when FORGE_PUSH_TOPIC is set")
)

// Config holds the webhook service configuration.
type Config struct {
	// EventLogURL is the base URL of the event-log service.
	EventLogURL string

	// HookTokenSecret derives the AES key for hook tokens.
	HookTokenSecret string

	// ForgePushTopic enables the Kafka ingest path when non-empty.
	ForgePushTopic string

	// KafkaBrokers is the broker list for the push topic.
	KafkaBrokers []string
}

// LoadConfig loads the webhook configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		EventLogURL:     config.GetEnvStr("EVENT_LOG_URL", ""),
		HookTokenSecret: config.GetEnvStr("HOOK_TOKEN_SECRET", ""),
		ForgePushTopic:  config.GetEnvStr("FORGE_PUSH_TOPIC", ""),
		KafkaBrokers:    config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is complete.
func (c *Config) Validate() error {
	if c.EventLogURL == "" {
		return ErrEventLogURLRequired
	}

	if c.HookTokenSecret == "" {
		return ErrSecretRequired
	}

	if c.ForgePushTopic != "" && len(c.KafkaBrokers) == 0 {
		return ErrBrokersRequired
	}

	return nil
}

// KafkaEnabled reports whether the Forge push ingest path is configured.
func (c *Config) KafkaEnabled() bool {
	return c.ForgePushTopic != ""
}
