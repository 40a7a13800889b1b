package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/renkulab/kg-pipeline/internal/events"
	"github.com/renkulab/kg-pipeline/internal/storage"
)

type (
	// Request is one event handed to the dispatcher by a producer. ID is set
	// for events claimed through the status machine; sync requests carry only
	// the envelope.
	Request struct {
		Category events.Category
		ID       *events.CompoundID
		Envelope Envelope
	}

	// Dispatcher delivers claimed events to subscribers. The delivery row is
	// registered before the POST so every handed-out event leaves a durable
	// trail; on rejection the row is removed and the claim rolled back in the
	// same transaction.
	Dispatcher struct {
		registry   *Registry
		deliveries *storage.DeliveryStore
		eventStore *storage.EventStore
		sender     *Sender
		logger     *slog.Logger
	}
)

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	registry *Registry,
	deliveries *storage.DeliveryStore,
	eventStore *storage.EventStore,
	sender *Sender,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		deliveries: deliveries,
		eventStore: eventStore,
		sender:     sender,
		logger:     logger,
	}
}

// Dispatch delivers the request to the next free subscriber of its category.
// When no subscriber accepts the event, claimed events are rolled back to
// their previous status so another tick can pick them up.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	subscriber, err := d.registry.Next(ctx, req.Category)
	if errors.Is(err, ErrNoSubscriber) {
		if rollbackErr := d.rollback(ctx, req); rollbackErr != nil {
			return rollbackErr
		}

		return err
	}

	if err != nil {
		return err
	}

	if req.ID != nil {
		delivery := storage.Delivery{
			EventID:       req.ID.EventID,
			ProjectID:     req.ID.ProjectID,
			DeliveryID:    uuid.NewString(),
			SubscriberURL: subscriber.URL,
			Category:      req.Category,
		}

		if err := d.deliveries.Register(ctx, delivery); err != nil {
			if errors.Is(err, storage.ErrDeliveryExists) {
				// A crashed run left its delivery behind. Roll the claim back
				// and let the zombie reaper sort the stale row out.
				d.logger.Warn("delivery already registered",
					slog.String("event_id", string(req.ID.EventID)),
					slog.String("project_id", req.ID.ProjectID.String()),
				)

				return d.rollback(ctx, req)
			}

			return err
		}
	}

	outcome, sendErr := d.sender.Send(ctx, subscriber.URL, req.Envelope)
	if sendErr != nil && outcome != OutcomeUnexpected {
		return fmt.Errorf("failed to dispatch %s event: %w", req.Category, sendErr)
	}

	switch outcome {
	case OutcomeAccepted:
		d.logger.Debug("event dispatched",
			slog.String("category", string(req.Category)),
			slog.String("subscriber_url", subscriber.URL),
		)

		return nil

	case OutcomeTooBusy, OutcomeUnavailable:
		d.logger.Debug("subscriber rejected event",
			slog.String("category", string(req.Category)),
			slog.String("subscriber_url", subscriber.URL),
			slog.String("outcome", outcome.String()),
		)

		return d.rollback(ctx, req)

	case OutcomeUnexpected:
		// Protocol mismatch. The subscriber is alive, so it keeps its
		// registration; the delivery failed and the claim goes back.
		d.logger.Warn("subscriber answered outside the protocol",
			slog.String("category", string(req.Category)),
			slog.String("subscriber_url", subscriber.URL),
			slog.String("error", sendErr.Error()),
		)

		if err := d.rollback(ctx, req); err != nil {
			return err
		}

		return fmt.Errorf("failed to dispatch %s event: %w", req.Category, sendErr)

	case OutcomeLost:
		// The delivery row stays: it now references a missing subscriber and
		// the zombie reaper reclaims the event.
		if err := d.registry.MarkLost(ctx, req.Category, subscriber.URL); err != nil {
			return err
		}

		return nil

	default:
		return fmt.Errorf("unexpected dispatch outcome %q", outcome)
	}
}

// rollback undoes the producer's claim: the event returns to the status it
// held before dispatch and its delivery row is removed.
func (d *Dispatcher) rollback(ctx context.Context, req Request) error {
	if req.ID == nil {
		return nil
	}

	processing := req.Category.ProcessingStatus()
	if processing == "" {
		return nil
	}

	outcome, err := d.eventStore.UpdateStatus(ctx, *req.ID, storage.StatusUpdate{
		From:           []events.Status{processing},
		To:             processing.Predecessor(),
		DeleteDelivery: true,
	})
	if err != nil {
		return fmt.Errorf("failed to roll back dispatch claim: %w", err)
	}

	if outcome != storage.UpdateApplied {
		d.logger.Debug("dispatch rollback skipped",
			slog.String("event_id", string(req.ID.EventID)),
			slog.String("project_id", req.ID.ProjectID.String()),
			slog.String("outcome", string(outcome)),
		)
	}

	return nil
}
