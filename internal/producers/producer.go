package producers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/renkulab/kg-pipeline/internal/dispatch"
	"github.com/renkulab/kg-pipeline/internal/storage"
)

type (
	// Producer drives one finder on a ticker: every tick it drains the finder
	// until nothing is due and hands each claimed event to the dispatcher.
	// Transient errors are logged and the loop carries on; a stuck database
	// must not kill the fabric.
	Producer struct {
		name       string
		finder     EventFinder
		dispatcher *dispatch.Dispatcher
		interval   time.Duration
		logger     *slog.Logger
	}
)

// NewProducer creates a producer loop for one category finder.
func NewProducer(
	name string,
	finder EventFinder,
	dispatcher *dispatch.Dispatcher,
	interval time.Duration,
	logger *slog.Logger,
) *Producer {
	return &Producer{
		name:       name,
		finder:     finder,
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger.With(slog.String("producer", name)),
	}
}

// Run ticks until the context is cancelled.
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("producer started", slog.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("producer stopped")

			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Producer) tick(ctx context.Context) {
	for {
		req, err := p.finder.PopEvent(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrDeadlockDetected) {
				p.logger.Debug("claim lost to deadlock, retrying next tick")

				return
			}

			p.logger.Error("event selection failed", slog.String("error", err.Error()))

			return
		}

		if req == nil {
			return
		}

		if err := p.dispatcher.Dispatch(ctx, *req); err != nil {
			if errors.Is(err, dispatch.ErrNoSubscriber) {
				// No point draining further until a subscriber shows up.
				return
			}

			p.logger.Error("dispatch failed", slog.String("error", err.Error()))

			return
		}
	}
}
