package events

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of an event in the log.
type Status string

// All event statuses. An event starts in StatusNew and ends in one of the
// terminal statuses; the two recoverable-failure statuses loop back through
// their predecessor after the execution delay elapses.
const (
	StatusNew                         Status = "NEW"
	StatusGeneratingTriples           Status = "GENERATING_TRIPLES"
	StatusTriplesGenerated            Status = "TRIPLES_GENERATED"
	StatusTransformingTriples         Status = "TRANSFORMING_TRIPLES"
	StatusTriplesStore                Status = "TRIPLES_STORE"
	StatusSkipped                     Status = "SKIPPED"
	StatusGenerationRecFailure        Status = "GENERATION_RECOVERABLE_FAILURE"
	StatusGenerationNonRecFailure     Status = "GENERATION_NON_RECOVERABLE_FAILURE"
	StatusTransformationRecFailure    Status = "TRANSFORMATION_RECOVERABLE_FAILURE"
	StatusTransformationNonRecFailure Status = "TRANSFORMATION_NON_RECOVERABLE_FAILURE"
	StatusAwaitingDeletion            Status = "AWAITING_DELETION"
	StatusDeleting                    Status = "DELETING"
)

// ZombieMessage is the sentinel message set on events reclaimed by the zombie
// reaper. The rollback is conditional on the message not already being this
// sentinel so a stuck event is only reclaimed once per stall.
const ZombieMessage = "ZOMBIE_CHASING_EVENT"

// ErrUnknownStatus is returned when parsing an unrecognised status string.
var ErrUnknownStatus = errors.New("unknown event status")

// allStatuses enumerates every status for parsing and validation.
var allStatuses = []Status{
	StatusNew,
	StatusGeneratingTriples,
	StatusTriplesGenerated,
	StatusTransformingTriples,
	StatusTriplesStore,
	StatusSkipped,
	StatusGenerationRecFailure,
	StatusGenerationNonRecFailure,
	StatusTransformationRecFailure,
	StatusTransformationNonRecFailure,
	StatusAwaitingDeletion,
	StatusDeleting,
}

// transitions is the legal transition graph. The retry loops
// (GENERATION_RECOVERABLE_FAILURE back to GENERATING_TRIPLES,
// TRANSFORMATION_RECOVERABLE_FAILURE back to TRANSFORMING_TRIPLES) are the
// only cycles. Any non-terminal status may move to NEW (bulk project reset)
// or to AWAITING_DELETION (project cleanup).
var transitions = map[Status][]Status{
	StatusNew: {
		StatusGeneratingTriples,
		StatusSkipped,
		StatusGenerationNonRecFailure,
		StatusTransformationNonRecFailure,
		StatusAwaitingDeletion,
		StatusTriplesStore, // batch promotion of older events
	},
	StatusGeneratingTriples: {
		StatusTriplesGenerated,
		StatusGenerationRecFailure,
		StatusGenerationNonRecFailure,
		StatusNew, // rollback on graceful relinquish or zombie reclaim
		StatusTriplesStore,
		StatusAwaitingDeletion,
	},
	StatusTriplesGenerated: {
		StatusTransformingTriples,
		StatusTriplesStore,
		StatusNew,
		StatusAwaitingDeletion,
	},
	StatusTransformingTriples: {
		StatusTriplesStore,
		StatusTransformationRecFailure,
		StatusTransformationNonRecFailure,
		StatusTriplesGenerated, // rollback
		StatusNew,
		StatusAwaitingDeletion,
	},
	StatusGenerationRecFailure: {
		StatusGeneratingTriples,
		StatusNew,
		StatusTriplesStore,
		StatusAwaitingDeletion,
	},
	StatusTransformationRecFailure: {
		StatusTransformingTriples,
		StatusTriplesGenerated,
		StatusNew,
		StatusTriplesStore,
		StatusAwaitingDeletion,
	},
	StatusAwaitingDeletion: {
		StatusDeleting,
		StatusNew,
	},
	StatusDeleting: {
		StatusNew, // reclaim of a zombie deletion
	},
	// Terminal statuses have no outgoing edges.
	StatusTriplesStore:                {},
	StatusSkipped:                     {},
	StatusGenerationNonRecFailure:     {},
	StatusTransformationNonRecFailure: {},
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	for _, status := range allStatuses {
		if string(status) == s {
			return status, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Validate checks the status is one of the known values.
func (s Status) Validate() error {
	_, err := ParseStatus(string(s))

	return err
}

// IsTerminal reports whether no further transitions are possible.
// AWAITING_DELETION and DELETING are not terminal: the event is removed
// rather than parked.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusTriplesStore, StatusSkipped, StatusGenerationNonRecFailure, StatusTransformationNonRecFailure:
		return true
	default:
		return false
	}
}

// IsProcessing reports whether the event is currently owned by a subscriber.
func (s Status) IsProcessing() bool {
	switch s {
	case StatusGeneratingTriples, StatusTransformingTriples, StatusDeleting:
		return true
	default:
		return false
	}
}

// IsFailure reports whether the status records a failure (and therefore must
// carry a message).
func (s Status) IsFailure() bool {
	switch s {
	case StatusGenerationRecFailure,
		StatusGenerationNonRecFailure,
		StatusTransformationRecFailure,
		StatusTransformationNonRecFailure:
		return true
	default:
		return false
	}
}

// CanCarryPayload reports whether the zipped JSON-LD payload may be present.
func (s Status) CanCarryPayload() bool {
	switch s {
	case StatusTriplesGenerated, StatusTransformingTriples, StatusTransformationRecFailure, StatusTriplesStore:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the transition graph has an edge s -> to.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}

	return false
}

// Predecessor returns the status an in-flight event is rolled back to when a
// subscriber relinquishes it or the zombie reaper reclaims it.
func (s Status) Predecessor() Status {
	switch s {
	case StatusGeneratingTriples:
		return StatusNew
	case StatusTransformingTriples:
		return StatusTriplesGenerated
	case StatusDeleting:
		return StatusAwaitingDeletion
	default:
		return s
	}
}

// AllStatuses returns every status in declaration order.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ProcessingStatuses returns the statuses indicating subscriber ownership.
func ProcessingStatuses() []Status {
	return []Status{StatusGeneratingTriples, StatusTransformingTriples, StatusDeleting}
}
