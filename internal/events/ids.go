// Package events provides the domain model for the knowledge-graph event log:
// typed identifiers, the event status state machine, event categories and the
// zipped payload codec.
//
// Identifiers are deliberately distinct types so that an event id can never be
// passed where a project slug is expected. All of them keep the comparability
// of their underlying type and can be used as map keys.
package events

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel errors for identifier validation.
var (
	// ErrBlankEventID is returned when an event id is empty or whitespace.
	ErrBlankEventID = errors.New("event id cannot be blank")

	// ErrInvalidProjectID is returned when a project id is not a positive integer.
	ErrInvalidProjectID = errors.New("project id must be positive")

	// ErrInvalidSlug is returned when a project slug is not of the namespace/name form.
	ErrInvalidSlug = errors.New("project slug must be of the form namespace/name")
)

type (
	// EventID identifies an event; for commit events it is the commit SHA
	// reported by the Forge.
	EventID string

	// ProjectID is the numeric project identifier assigned by the Forge.
	ProjectID int

	// Slug is the canonical human-readable project identifier
	// (namespace/name). It is the routing key across the whole pipeline and
	// is immutable once persisted.
	Slug string

	// CompoundID is the unique key of an event. Event ids are only unique
	// within a project (the same commit can exist in a fork), so every store
	// operation addresses events by the pair.
	CompoundID struct {
		EventID   EventID
		ProjectID ProjectID
	}

	// Project pairs the Forge id with the routing slug.
	Project struct {
		ID   ProjectID `json:"id"`
		Slug Slug      `json:"slug"`
	}
)

// Validate checks the event id is non-blank.
func (id EventID) Validate() error {
	if strings.TrimSpace(string(id)) == "" {
		return ErrBlankEventID
	}

	return nil
}

// Validate checks the project id is positive.
func (id ProjectID) Validate() error {
	if id <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidProjectID, id)
	}

	return nil
}

// String implements fmt.Stringer.
func (id ProjectID) String() string {
	return strconv.Itoa(int(id))
}

// Validate checks the slug has at least a namespace and a name segment.
func (s Slug) Validate() error {
	parts := strings.Split(string(s), "/")
	if len(parts) < 2 {
		return fmt.Errorf("%w: %q", ErrInvalidSlug, s)
	}

	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return fmt.Errorf("%w: %q", ErrInvalidSlug, s)
		}
	}

	return nil
}

// String implements fmt.Stringer.
func (id CompoundID) String() string {
	return fmt.Sprintf("%s:%d", id.EventID, id.ProjectID)
}

// Validate checks both halves of the compound id.
func (id CompoundID) Validate() error {
	if err := id.EventID.Validate(); err != nil {
		return err
	}

	return id.ProjectID.Validate()
}
