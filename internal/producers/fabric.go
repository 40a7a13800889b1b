package producers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/renkulab/kg-pipeline/internal/dispatch"
	"github.com/renkulab/kg-pipeline/internal/events"
	"github.com/renkulab/kg-pipeline/internal/storage"
)

// DefaultSubscriberIdleTimeout is how long a subscriber may go without
// renewing its subscription before the registry evicts it.
const DefaultSubscriberIdleTimeout = 1 * time.Minute

type (
	runner interface {
		Run(ctx context.Context) error
	}

	// Fabric bundles every producer loop of the event log: the claiming
	// producers, the sync producers, the zombie reaper, the migration
	// coordinator and the registry sweep. One Run drives them all.
	Fabric struct {
		loops  []runner
		logger *slog.Logger
	}

	registrySweeper struct {
		registry    *dispatch.Registry
		interval    time.Duration
		idleTimeout time.Duration
		logger      *slog.Logger
	}
)

// NewFabric wires the full producer fabric.
func NewFabric(
	eventStore *storage.EventStore,
	migrationStore *storage.MigrationStore,
	registry *dispatch.Registry,
	dispatcher *dispatch.Dispatcher,
	sender *dispatch.Sender,
	tuning Tuning,
	logger *slog.Logger,
) *Fabric {
	loops := []runner{
		NewProducer("awaiting-generation",
			NewGenerationFinder(eventStore, tuning), dispatcher, tuning.TickInterval, logger),
		NewProducer("triples-generated",
			NewTransformationFinder(eventStore, tuning), dispatcher, tuning.TickInterval, logger),
		NewProducer("clean-up",
			NewCleanUpFinder(eventStore, tuning), dispatcher, tuning.TickInterval, logger),
		NewProducer("commit-sync",
			NewSyncFinder(eventStore, events.CategoryCommitSync, tuning.CommitSyncInterval),
			dispatcher, tuning.SyncTickInterval, logger),
		NewProducer("global-commit-sync",
			NewSyncFinder(eventStore, events.CategoryGlobalCommitSync, tuning.GlobalCommitSyncInterval),
			dispatcher, tuning.SyncTickInterval, logger),
		NewProducer("member-sync",
			NewSyncFinder(eventStore, events.CategoryMemberSync, tuning.MemberSyncInterval),
			dispatcher, tuning.SyncTickInterval, logger),
		NewReaper(eventStore, DefaultReaperInterval, DefaultReaperGrace, logger),
		NewMigrationCoordinator(migrationStore, sender, logger),
		&registrySweeper{
			registry:    registry,
			interval:    time.Minute,
			idleTimeout: DefaultSubscriberIdleTimeout,
			logger:      logger.With(slog.String("producer", "registry-sweep")),
		},
	}

	return &Fabric{loops: loops, logger: logger}
}

// Run starts every loop and blocks until the context is cancelled and all
// loops have returned.
func (f *Fabric) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, loop := range f.loops {
		wg.Add(1)

		go func(loop runner) {
			defer wg.Done()

			_ = loop.Run(ctx)
		}(loop)
	}

	f.logger.Info("producer fabric running", slog.Int("loops", len(f.loops)))

	wg.Wait()
}

func (s *registrySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.registry.Sweep(ctx, s.idleTimeout); err != nil {
				s.logger.Error("subscriber sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
