package events

import (
	"errors"
	"fmt"
)

// Category names an event stream with its own subscriber pool and payload
// shape. Producers select events per category; subscribers subscribe per
// category.
type Category string

// All event categories served by the event log.
const (
	CategoryAwaitingGeneration Category = "AWAITING_GENERATION"
	CategoryTriplesGenerated   Category = "TRIPLES_GENERATED"
	CategoryCommitSync         Category = "COMMIT_SYNC"
	CategoryGlobalCommitSync   Category = "GLOBAL_COMMIT_SYNC"
	CategoryMemberSync         Category = "MEMBER_SYNC"
	CategoryCleanUp            Category = "CLEAN_UP"
	CategoryTSMigration        Category = "TS_MIGRATION_REQUEST"
	CategoryCommitSyncRequest  Category = "COMMIT_SYNC_REQUEST"
	CategoryStatusChange       Category = "EVENTS_STATUS_CHANGE"
)

// ErrUnknownCategory is returned when a subscription or envelope names a
// category the event log does not serve.
var ErrUnknownCategory = errors.New("unknown event category")

var knownCategories = map[Category]struct{}{
	CategoryAwaitingGeneration: {},
	CategoryTriplesGenerated:   {},
	CategoryCommitSync:         {},
	CategoryGlobalCommitSync:   {},
	CategoryMemberSync:         {},
	CategoryCleanUp:            {},
	CategoryTSMigration:        {},
	CategoryCommitSyncRequest:  {},
	CategoryStatusChange:       {},
}

// ParseCategory converts a string into a Category.
func ParseCategory(s string) (Category, error) {
	category := Category(s)
	if _, ok := knownCategories[category]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}

	return category, nil
}

// Validate checks the category is served by the event log.
func (c Category) Validate() error {
	_, err := ParseCategory(string(c))

	return err
}

// ProcessingStatus returns the status an event of this category enters when
// handed to a subscriber, or "" for categories that do not claim events
// through the status machine (sync requests, migrations).
func (c Category) ProcessingStatus() Status {
	switch c {
	case CategoryAwaitingGeneration:
		return StatusGeneratingTriples
	case CategoryTriplesGenerated:
		return StatusTransformingTriples
	case CategoryCleanUp:
		return StatusDeleting
	default:
		return ""
	}
}
