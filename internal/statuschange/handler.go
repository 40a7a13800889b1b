package statuschange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/renkulab/kg-pipeline/internal/events"
	"github.com/renkulab/kg-pipeline/internal/storage"
)

// Default execution delays before a recoverable failure becomes eligible for
// retry. Reports may override them per message.
const (
	DefaultGenerationRetryDelay     = 5 * time.Minute
	DefaultTransformationRetryDelay = 1 * time.Hour
)

// deadlock CAS updates are retried a few times before giving up; Postgres
// resolves the deadlock by aborting one transaction, so an immediate-ish
// retry usually succeeds.
const (
	deadlockRetries = 3
	deadlockBackoff = 50 * time.Millisecond
)

// ErrDeliveryHeldByOther is returned when a subscriber reports a status change
// for an event currently delivered to a different subscriber.
var ErrDeliveryHeldByOther = errors.New("event delivered to another subscriber")

// Handler applies decoded status change messages against the event store.
type Handler struct {
	eventStore *storage.EventStore
	deliveries *storage.DeliveryStore
	logger     *slog.Logger
}

// NewHandler creates a status change handler.
func NewHandler(eventStore *storage.EventStore, deliveries *storage.DeliveryStore, logger *slog.Logger) *Handler {
	return &Handler{
		eventStore: eventStore,
		deliveries: deliveries,
		logger:     logger,
	}
}

// Apply executes the status change. The returned UpdateResult reports whether
// the CAS applied, lost to a concurrent change or addressed a missing event.
func (h *Handler) Apply(ctx context.Context, msg *Message) (storage.UpdateResult, error) {
	if err := h.verifyOwnership(ctx, msg); err != nil {
		return "", err
	}

	var outcome storage.UpdateResult

	backoff := retry.WithMaxRetries(deadlockRetries, retry.NewConstant(deadlockBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error

		outcome, err = h.apply(ctx, msg)
		if errors.Is(err, storage.ErrDeadlockDetected) {
			return retry.RetryableError(err)
		}

		return err
	})
	if err != nil {
		// The event may still be marked delivered; clear the delivery so the
		// zombie reaper does not have to wait for the grace period.
		h.clearDelivery(ctx, msg)

		return "", err
	}

	return outcome, nil
}

func (h *Handler) apply(ctx context.Context, msg *Message) (storage.UpdateResult, error) {
	switch msg.Kind {
	case KindToNew:
		return h.eventStore.UpdateStatus(ctx, *msg.ID, storage.StatusUpdate{
			From:           []events.Status{events.StatusGeneratingTriples},
			To:             events.StatusNew,
			ClearMessage:   true,
			ProcessingTime: msg.ProcessingTime,
			DeleteDelivery: true,
		})

	case KindToTriplesGenerated:
		return h.eventStore.UpdateStatus(ctx, *msg.ID, storage.StatusUpdate{
			From:           []events.Status{events.StatusGeneratingTriples},
			To:             events.StatusTriplesGenerated,
			ClearMessage:   true,
			Payload:        msg.Payload,
			ProcessingTime: msg.ProcessingTime,
			DeleteDelivery: true,
		})

	case KindToTriplesStore:
		return h.eventStore.ToTriplesStore(ctx, *msg.ID, msg.ProcessingTime)

	case KindToFailure:
		return h.applyFailure(ctx, msg)

	case KindToAwaitingDeletion:
		return h.eventStore.UpdateStatus(ctx, *msg.ID, storage.StatusUpdate{
			From: []events.Status{
				events.StatusNew,
				events.StatusGeneratingTriples,
				events.StatusTriplesGenerated,
				events.StatusTransformingTriples,
				events.StatusGenerationRecFailure,
				events.StatusTransformationRecFailure,
			},
			To:             events.StatusAwaitingDeletion,
			ClearMessage:   true,
			DeleteDelivery: true,
		})

	case KindRollbackToNew:
		return h.eventStore.UpdateStatus(ctx, *msg.ID, storage.StatusUpdate{
			From: []events.Status{
				events.StatusGeneratingTriples,
				events.StatusTriplesGenerated,
				events.StatusTransformingTriples,
				events.StatusGenerationRecFailure,
				events.StatusTransformationRecFailure,
				events.StatusAwaitingDeletion,
				events.StatusDeleting,
			},
			To:             events.StatusNew,
			ClearMessage:   true,
			ClearPayload:   true,
			DeleteDelivery: true,
		})

	case KindRollbackToTriplesGenerated:
		return h.eventStore.UpdateStatus(ctx, *msg.ID, storage.StatusUpdate{
			From:           []events.Status{events.StatusTransformingTriples},
			To:             events.StatusTriplesGenerated,
			ClearMessage:   true,
			DeleteDelivery: true,
		})

	case KindRedoProjectTransformation:
		applied, err := h.eventStore.RedoProjectTransformation(ctx, msg.ProjectID)
		if err != nil {
			return "", err
		}

		if !applied {
			return storage.UpdateNotFound, nil
		}

		return storage.UpdateApplied, nil

	case KindProjectEventsToNew:
		affected, err := h.eventStore.MarkProjectEventsNew(ctx, msg.ProjectID)
		if err != nil {
			return "", err
		}

		h.logger.Info("project events reset to NEW",
			slog.String("project_id", msg.ProjectID.String()),
			slog.Int64("count", affected),
		)

		return storage.UpdateApplied, nil

	default:
		return "", fmt.Errorf("unhandled status change kind %q", msg.Kind)
	}
}

// applyFailure parks the event in the reported failure status. Recoverable
// failures get an execution delay so the retry does not hammer a subscriber
// that just declared the event too hard for now.
func (h *Handler) applyFailure(ctx context.Context, msg *Message) (storage.UpdateResult, error) {
	update := storage.StatusUpdate{
		To:             msg.Target,
		Message:        msg.StatusMessage,
		ProcessingTime: msg.ProcessingTime,
		DeleteDelivery: true,
	}

	switch msg.Target {
	case events.StatusGenerationRecFailure, events.StatusGenerationNonRecFailure:
		update.From = []events.Status{events.StatusGeneratingTriples}
	case events.StatusTransformationRecFailure, events.StatusTransformationNonRecFailure:
		update.From = []events.Status{events.StatusTransformingTriples}
	}

	switch msg.Target {
	case events.StatusGenerationRecFailure:
		update.ExecutionDelay = delayOrDefault(msg.ExecutionDelay, DefaultGenerationRetryDelay)
	case events.StatusTransformationRecFailure:
		update.ExecutionDelay = delayOrDefault(msg.ExecutionDelay, DefaultTransformationRetryDelay)
	}

	return h.eventStore.UpdateStatus(ctx, *msg.ID, update)
}

// verifyOwnership rejects reports from a subscriber that does not hold the
// event's delivery. A missing delivery is fine: the reaper may have already
// reclaimed the event, in which case the CAS decides. Rollback kinds and
// project-wide operations skip the check.
func (h *Handler) verifyOwnership(ctx context.Context, msg *Message) error {
	if msg.SubscriberURL == "" || msg.ID == nil {
		return nil
	}

	switch msg.Kind {
	case KindRollbackToNew, KindRollbackToTriplesGenerated, KindRedoProjectTransformation, KindProjectEventsToNew:
		return nil
	}

	delivery, err := h.deliveries.Find(ctx, *msg.ID)
	if err != nil {
		return err
	}

	if delivery != nil && delivery.SubscriberURL != msg.SubscriberURL {
		return fmt.Errorf("%w: held by %s", ErrDeliveryHeldByOther, delivery.SubscriberURL)
	}

	return nil
}

func (h *Handler) clearDelivery(ctx context.Context, msg *Message) {
	if msg.ID == nil {
		return
	}

	if err := h.deliveries.Delete(ctx, *msg.ID); err != nil {
		h.logger.Error("failed to clear delivery after status change error",
			slog.String("event_id", string(msg.ID.EventID)),
			slog.String("project_id", msg.ID.ProjectID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func delayOrDefault(delay, fallback time.Duration) time.Duration {
	if delay > 0 {
		return delay
	}

	return fallback
}
