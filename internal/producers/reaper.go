package producers

import (
	"context"
	"log/slog"
	"time"

	"github.com/renkulab/kg-pipeline/internal/storage"
)

// Reaper defaults. The grace period must exceed the longest expected
// processing time of a single event, or healthy work gets reclaimed.
const (
	DefaultReaperInterval = 1 * time.Minute
	DefaultReaperGrace    = 30 * time.Minute
)

// Reaper periodically reclaims zombie events: in-flight events whose
// subscriber disappeared or whose processing stalled past the grace period.
// Reclaimed events return to the predecessor of their processing status with
// the zombie marker set, so the producers pick them up again.
type Reaper struct {
	store    *storage.EventStore
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
}

// NewReaper creates a zombie reaper.
func NewReaper(store *storage.EventStore, interval, grace time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:    store,
		interval: interval,
		grace:    grace,
		logger:   logger.With(slog.String("producer", "zombie-reaper")),
	}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("zombie reaper started",
		slog.Duration("interval", r.interval),
		slog.Duration("grace", r.grace),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("zombie reaper stopped")

			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	zombies, err := r.store.FindZombieEvents(ctx, r.grace)
	if err != nil {
		r.logger.Error("zombie scan failed", slog.String("error", err.Error()))

		return
	}

	var reclaimed int

	for _, zombie := range zombies {
		outcome, err := r.store.ReclaimZombie(ctx, zombie)
		if err != nil {
			r.logger.Error("zombie reclaim failed",
				slog.String("event_id", string(zombie.ID.EventID)),
				slog.String("project_id", zombie.ID.ProjectID.String()),
				slog.String("error", err.Error()),
			)

			continue
		}

		if outcome == storage.UpdateApplied {
			reclaimed++
		}
	}

	if reclaimed > 0 {
		r.logger.Info("zombie events reclaimed", slog.Int("count", reclaimed))
	}
}
