package producers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/renkulab/kg-pipeline/internal/dispatch"
	"github.com/renkulab/kg-pipeline/internal/storage"
)

// Coordinator defaults. The sent timeout bounds how long a claimed migration
// may stay unacknowledged before another subscriber gets a turn.
const (
	DefaultMigrationInterval           = 10 * time.Second
	DefaultMigrationSentTimeout        = 1 * time.Minute
	DefaultMigrationRecoverableTimeout = 30 * time.Second
)

type (
	// migrationMessage is the "event" part of a TS_MIGRATION_REQUEST delivery.
	migrationMessage struct {
		CategoryName      string `json:"categoryName"`
		SubscriberVersion string `json:"subscriberVersion"`
	}

	// MigrationCoordinator drives triples-store migrations: it claims at most
	// one subscriber of the latest service version at a time and asks it to
	// run the migration. The subscriber reports the outcome back through the
	// migration status endpoint.
	MigrationCoordinator struct {
		store              *storage.MigrationStore
		sender             *dispatch.Sender
		interval           time.Duration
		sentTimeout        time.Duration
		recoverableTimeout time.Duration
		logger             *slog.Logger
	}
)

// NewMigrationCoordinator creates the migration coordinator.
func NewMigrationCoordinator(
	store *storage.MigrationStore,
	sender *dispatch.Sender,
	logger *slog.Logger,
) *MigrationCoordinator {
	return &MigrationCoordinator{
		store:              store,
		sender:             sender,
		interval:           DefaultMigrationInterval,
		sentTimeout:        DefaultMigrationSentTimeout,
		recoverableTimeout: DefaultMigrationRecoverableTimeout,
		logger:             logger.With(slog.String("producer", "ts-migration")),
	}
}

// Run ticks until the context is cancelled.
func (c *MigrationCoordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("migration coordinator started", slog.Duration("interval", c.interval))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("migration coordinator stopped")

			return ctx.Err()
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *MigrationCoordinator) tick(ctx context.Context) {
	row, err := c.store.NextMigration(ctx, c.sentTimeout, c.recoverableTimeout)
	if err != nil {
		c.logger.Error("migration selection failed", slog.String("error", err.Error()))

		return
	}

	if row == nil {
		return
	}

	outcome, err := c.sender.Send(ctx, row.SubscriberURL, dispatch.Envelope{
		Event: migrationMessage{
			CategoryName:      "TS_MIGRATION_REQUEST",
			SubscriberVersion: row.SubscriberVersion,
		},
	})
	// An unexpected status still classifies; the claim has to be released
	// like any other rejection.
	if err != nil && outcome != dispatch.OutcomeUnexpected {
		c.logger.Error("migration request failed", slog.String("error", err.Error()))

		return
	}

	switch outcome {
	case dispatch.OutcomeAccepted:
		c.logger.Info("migration request sent",
			slog.String("subscriber_url", row.SubscriberURL),
			slog.String("subscriber_version", row.SubscriberVersion),
		)

	default:
		// Release the claim so the next tick can try another subscriber once
		// the recoverable timeout elapses.
		message := fmt.Sprintf("migration request not accepted: %s", outcome)

		if err := c.store.UpdateStatus(ctx,
			row.SubscriberURL, row.SubscriberVersion,
			storage.MigrationRecFailure, message,
		); err != nil {
			c.logger.Error("failed to release migration claim", slog.String("error", err.Error()))
		}
	}
}
