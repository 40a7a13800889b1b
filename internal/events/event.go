package events

import (
	"errors"
	"fmt"
	"time"
)

// maxEventDateSkew clamps event dates reported by the Forge. Commits can carry
// arbitrary author dates; anything more than 24h in the future is pulled back
// so it cannot park itself at the head of the per-project ordering.
// TODO: revisit whether the clamp is still needed once Forge-side clock skew
// telemetry is available.
const maxEventDateSkew = 24 * time.Hour

// Sentinel errors for event validation.
var (
	// ErrMessageRequired is returned when a failure or SKIPPED status carries
	// no message.
	ErrMessageRequired = errors.New("status requires a message")

	// ErrPayloadNotAllowed is returned when a payload is attached to a status
	// that cannot carry one.
	ErrPayloadNotAllowed = errors.New("status cannot carry a payload")

	// ErrPayloadRequired is returned when a payload-carrying status has none.
	ErrPayloadRequired = errors.New("status requires a payload")

	// ErrExecutionBeforeCreation is returned when the execution date precedes
	// the creation date.
	ErrExecutionBeforeCreation = errors.New("execution date cannot precede created date")
)

type (
	// Event is a unit of work in the log, uniquely identified by
	// (event_id, project_id).
	Event struct {
		ID        EventID
		Project   Project
		Status    Status
		// EventDate is domain time: the Forge commit date.
		EventDate time.Time
		// CreatedDate is when the event entered the log.
		CreatedDate time.Time
		// ExecutionDate is the earliest time a producer may pick the event up.
		// Recoverable failures push it into the future.
		ExecutionDate time.Time
		// BatchDate groups events created by the same sync run.
		BatchDate time.Time
		// Message is the human-readable failure reason or the zombie sentinel.
		Message string
		// Payload is the zipped JSON-LD artefact from triples generation.
		// Opaque to the event log.
		Payload []byte
		// ProcessingTimes records one duration per completed phase.
		ProcessingTimes []ProcessingTime
	}

	// ProcessingTime is the time a single phase took for an event.
	ProcessingTime struct {
		Status   Status
		Duration time.Duration
	}
)

// NewEvent builds an event in status NEW with the event date clamped and the
// execution date defaulted to the creation date.
func NewEvent(id EventID, project Project, eventDate, now time.Time) Event {
	return Event{
		ID:            id,
		Project:       project,
		Status:        StatusNew,
		EventDate:     ClampEventDate(eventDate, now),
		CreatedDate:   now,
		ExecutionDate: now,
		BatchDate:     now,
	}
}

// ClampEventDate pulls event dates more than 24h in the future back to now.
func ClampEventDate(eventDate, now time.Time) time.Time {
	if eventDate.After(now.Add(maxEventDateSkew)) {
		return now
	}

	return eventDate
}

// CompoundID returns the unique key of the event.
func (e Event) CompoundID() CompoundID {
	return CompoundID{EventID: e.ID, ProjectID: e.Project.ID}
}

// Validate checks the event invariants: identifier shape, execution ordering,
// message presence on failure and SKIPPED statuses, and a payload exactly on
// the payload-carrying statuses.
func (e Event) Validate() error {
	if err := e.CompoundID().Validate(); err != nil {
		return err
	}

	if err := e.Project.Slug.Validate(); err != nil {
		return err
	}

	if err := e.Status.Validate(); err != nil {
		return err
	}

	if e.ExecutionDate.Before(e.CreatedDate) {
		return fmt.Errorf("%w: execution %s created %s",
			ErrExecutionBeforeCreation, e.ExecutionDate, e.CreatedDate)
	}

	if (e.Status.IsFailure() || e.Status == StatusSkipped) && e.Message == "" {
		return fmt.Errorf("%w: status %s", ErrMessageRequired, e.Status)
	}

	if len(e.Payload) > 0 && !e.Status.CanCarryPayload() {
		return fmt.Errorf("%w: status %s", ErrPayloadNotAllowed, e.Status)
	}

	if len(e.Payload) == 0 && e.Status.CanCarryPayload() {
		return fmt.Errorf("%w: status %s", ErrPayloadRequired, e.Status)
	}

	return nil
}
