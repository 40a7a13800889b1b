package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/renkulab/kg-pipeline/internal/events"
)

// consumerGroup identifies this service in the Forge push topic.
const consumerGroup = "kg-pipeline-webhook"

type (
	// pushMessage is a push notification arriving on the Forge topic. Forges
	// that cannot deliver HTTP hooks publish here instead; both paths feed
	// the same commit-sync publisher.
	pushMessage struct {
		ProjectID int    `json:"projectId"`
		Slug      string `json:"slug"`
		CommitSHA string `json:"commitSha"`
	}

	// messageReader is the part of kafka.Reader the consumer needs. Unit
	// tests substitute a stub.
	messageReader interface {
		ReadMessage(ctx context.Context) (kafka.Message, error)
		Close() error
	}

	// Consumer drains the Forge push topic into commit-sync requests.
	Consumer struct {
		reader    messageReader
		publisher SyncPublisher
		logger    *slog.Logger
	}
)

// NewConsumer creates a Kafka consumer for the Forge push topic.
func NewConsumer(brokers []string, topic string, publisher SyncPublisher, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: consumerGroup,
	})

	return &Consumer{reader: reader, publisher: publisher, logger: logger}
}

// newConsumerWithReader wires a stub reader. Tests only.
func newConsumerWithReader(reader messageReader, publisher SyncPublisher, logger *slog.Logger) *Consumer {
	return &Consumer{reader: reader, publisher: publisher, logger: logger}
}

// Run consumes until the context is cancelled. Malformed messages are logged
// and skipped; the topic may carry payloads from newer forge versions.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() { _ = c.reader.Close() }()

	c.logger.Info("forge push consumer started")

	for {
		message, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.logger.Info("forge push consumer stopped")

				return ctx.Err()
			}

			c.logger.Error("failed to read push message", slog.String("error", err.Error()))

			continue
		}

		c.handle(ctx, message)
	}
}

func (c *Consumer) handle(ctx context.Context, message kafka.Message) {
	var push pushMessage

	if err := json.Unmarshal(message.Value, &push); err != nil {
		c.logger.Warn("skipping malformed push message",
			slog.Int64("offset", message.Offset),
			slog.String("error", err.Error()),
		)

		return
	}

	project := events.Project{
		ID:   events.ProjectID(push.ProjectID),
		Slug: events.Slug(push.Slug),
	}

	if err := project.ID.Validate(); err != nil {
		c.logger.Warn("skipping push message with invalid project id",
			slog.Int64("offset", message.Offset),
		)

		return
	}

	if err := c.publisher.PublishCommitSync(ctx, CommitSyncRequest{Project: project}); err != nil {
		c.logger.Error("failed to publish commit sync request from push topic",
			slog.String("project_id", project.ID.String()),
			slog.String("commit_sha", push.CommitSHA),
			slog.String("error", err.Error()),
		)
	}
}
