// Package statuschange handles EVENTS_STATUS_CHANGE reports: subscribers and
// operators move events through the status machine by POSTing status change
// messages to the event log (C5). Every transition is a compare-and-set
// against the statuses the report is allowed to come from.
package statuschange

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/renkulab/kg-pipeline/internal/events"
)

// Message decoding errors.
var (
	ErrEventIDRequired   = errors.New("event id required for this status change")
	ErrPayloadRequired   = errors.New("payload required for this status change")
	ErrMessageRequired   = errors.New("message required for failure status changes")
	ErrUnsupportedTarget = errors.New("unsupported target status")
)

// Kind names the concrete status change operation.
type Kind string

// Status change kinds. Which one a message decodes to follows from the target
// status, the addressing (single event or whole project) and the rollback
// flag.
const (
	KindToNew                      Kind = "TO_NEW"
	KindToTriplesGenerated         Kind = "TO_TRIPLES_GENERATED"
	KindToTriplesStore             Kind = "TO_TRIPLES_STORE"
	KindToFailure                  Kind = "TO_FAILURE"
	KindToAwaitingDeletion         Kind = "TO_AWAITING_DELETION"
	KindRollbackToNew              Kind = "ROLLBACK_TO_NEW"
	KindRollbackToTriplesGenerated Kind = "ROLLBACK_TO_TRIPLES_GENERATED"
	KindRedoProjectTransformation  Kind = "REDO_PROJECT_TRANSFORMATION"
	KindProjectEventsToNew         Kind = "PROJECT_EVENTS_TO_NEW"
)

type (
	// Message is a decoded status change ready for the handler.
	Message struct {
		Kind          Kind
		ID            *events.CompoundID
		ProjectID     events.ProjectID
		Target        events.Status
		StatusMessage string
		Payload       []byte

		// SubscriberURL identifies the reporter for delivery ownership
		// verification. Empty for operator-initiated rollbacks.
		SubscriberURL string

		// ProcessingTime records how long the reported phase took.
		ProcessingTime *events.ProcessingTime

		// ExecutionDelay postpones the retry of a recoverable failure. Zero
		// means the per-status default.
		ExecutionDelay time.Duration
	}

	wireMessage struct {
		CategoryName string `json:"categoryName"`
		ID           string `json:"id,omitempty"`
		Project      struct {
			ID   int    `json:"id"`
			Slug string `json:"slug,omitempty"`
		} `json:"project"`
		Subscriber struct {
			URL string `json:"url,omitempty"`
		} `json:"subscriber,omitempty"`
		NewStatus      string `json:"newStatus"`
		Message        string `json:"message,omitempty"`
		ProcessingTime string `json:"processingTime,omitempty"`
		ExecutionDelay string `json:"executionDelay,omitempty"`
		Rollback       bool   `json:"rollback,omitempty"`
	}
)

// Decode parses the "event" JSON part of a status change request, together
// with the optional zipped payload part.
func Decode(eventJSON, payload []byte) (*Message, error) {
	var wire wireMessage

	if err := json.Unmarshal(eventJSON, &wire); err != nil {
		return nil, fmt.Errorf("malformed status change: %w", err)
	}

	if wire.CategoryName != string(events.CategoryStatusChange) {
		return nil, fmt.Errorf("%w: expected %s, got %q",
			events.ErrUnknownCategory, events.CategoryStatusChange, wire.CategoryName)
	}

	projectID := events.ProjectID(wire.Project.ID)
	if err := projectID.Validate(); err != nil {
		return nil, err
	}

	target, err := events.ParseStatus(wire.NewStatus)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ProjectID:     projectID,
		Target:        target,
		StatusMessage: wire.Message,
		Payload:       payload,
		SubscriberURL: wire.Subscriber.URL,
	}

	if wire.ID != "" {
		msg.ID = &events.CompoundID{EventID: events.EventID(wire.ID), ProjectID: projectID}
	}

	if wire.ProcessingTime != "" {
		duration, err := time.ParseDuration(wire.ProcessingTime)
		if err != nil {
			return nil, fmt.Errorf("malformed processingTime: %w", err)
		}

		msg.ProcessingTime = &events.ProcessingTime{Status: target, Duration: duration}
	}

	if wire.ExecutionDelay != "" {
		delay, err := time.ParseDuration(wire.ExecutionDelay)
		if err != nil {
			return nil, fmt.Errorf("malformed executionDelay: %w", err)
		}

		msg.ExecutionDelay = delay
	}

	if err := classify(msg, wire.Rollback); err != nil {
		return nil, err
	}

	return msg, nil
}

// classify derives the operation kind and enforces its shape requirements.
func classify(msg *Message, rollback bool) error {
	switch msg.Target {
	case events.StatusNew:
		switch {
		case msg.ID == nil:
			msg.Kind = KindProjectEventsToNew
		case rollback:
			msg.Kind = KindRollbackToNew
		default:
			msg.Kind = KindToNew
		}

	case events.StatusTriplesGenerated:
		if msg.ID == nil {
			return ErrEventIDRequired
		}

		if rollback {
			msg.Kind = KindRollbackToTriplesGenerated

			return nil
		}

		if len(msg.Payload) == 0 {
			return ErrPayloadRequired
		}

		msg.Kind = KindToTriplesGenerated

	case events.StatusTriplesStore:
		if msg.ID == nil {
			msg.Kind = KindRedoProjectTransformation
		} else {
			msg.Kind = KindToTriplesStore
		}

	case events.StatusGenerationRecFailure,
		events.StatusGenerationNonRecFailure,
		events.StatusTransformationRecFailure,
		events.StatusTransformationNonRecFailure:
		if msg.ID == nil {
			return ErrEventIDRequired
		}

		if msg.StatusMessage == "" {
			return ErrMessageRequired
		}

		msg.Kind = KindToFailure

	case events.StatusAwaitingDeletion:
		if msg.ID == nil {
			return ErrEventIDRequired
		}

		msg.Kind = KindToAwaitingDeletion

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedTarget, msg.Target)
	}

	return nil
}
