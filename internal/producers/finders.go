package producers

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/renkulab/kg-pipeline/internal/dispatch"
	"github.com/renkulab/kg-pipeline/internal/events"
	"github.com/renkulab/kg-pipeline/internal/storage"
)

type (
	// EventFinder selects and claims the next due event of one category.
	// A nil request with a nil error means nothing is due right now.
	EventFinder interface {
		PopEvent(ctx context.Context) (*dispatch.Request, error)
	}

	// eventMessage is the JSON shape of the "event" multipart field.
	eventMessage struct {
		CategoryName string         `json:"categoryName"`
		ID           string         `json:"id,omitempty"`
		Project      projectMessage `json:"project"`
	}

	projectMessage struct {
		ID   int    `json:"id"`
		Slug string `json:"slug"`
	}

	// claimingFinder serves the categories that claim events through the
	// status machine. It picks a project by priority, claims the project's
	// newest due event with a CAS into the processing status and hands it to
	// the dispatcher.
	claimingFinder struct {
		store       *storage.EventStore
		category    events.Category
		eligible    []events.Status
		laterStage  []events.Status
		capacity    int
		withPayload bool

		mu  sync.Mutex
		rng *rand.Rand
	}

	// cleanUpFinder claims AWAITING_DELETION events oldest first. Cleanup has
	// no fairness requirement across projects.
	cleanUpFinder struct {
		store    *storage.EventStore
		capacity int
	}

	// syncFinder emits periodic sync requests per project. It claims nothing
	// in the events table; the project_sync_times bump is the claim.
	syncFinder struct {
		store    *storage.EventStore
		category events.Category
		interval time.Duration
	}
)

// NewGenerationFinder selects events awaiting triples generation.
func NewGenerationFinder(store *storage.EventStore, tuning Tuning) EventFinder {
	return &claimingFinder{
		store:    store,
		category: events.CategoryAwaitingGeneration,
		eligible: []events.Status{events.StatusNew, events.StatusGenerationRecFailure},
		laterStage: []events.Status{
			events.StatusGeneratingTriples,
			events.StatusTriplesGenerated,
			events.StatusTransformingTriples,
			events.StatusTriplesStore,
		},
		capacity: tuning.GenerationCapacity,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewTransformationFinder selects events with generated triples awaiting
// transformation. The zipped triples payload travels with the delivery.
func NewTransformationFinder(store *storage.EventStore, tuning Tuning) EventFinder {
	return &claimingFinder{
		store:    store,
		category: events.CategoryTriplesGenerated,
		eligible: []events.Status{events.StatusTriplesGenerated, events.StatusTransformationRecFailure},
		laterStage: []events.Status{
			events.StatusTransformingTriples,
			events.StatusTriplesStore,
		},
		capacity:    tuning.TransformationCapacity,
		withPayload: true,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewCleanUpFinder selects events awaiting project deletion.
func NewCleanUpFinder(store *storage.EventStore, tuning Tuning) EventFinder {
	return &cleanUpFinder{store: store, capacity: tuning.CleanUpCapacity}
}

// NewSyncFinder creates a finder emitting sync requests for the category at
// the given per-project interval.
func NewSyncFinder(store *storage.EventStore, category events.Category, interval time.Duration) EventFinder {
	return &syncFinder{store: store, category: category, interval: interval}
}

func (f *claimingFinder) PopEvent(ctx context.Context) (*dispatch.Request, error) {
	processing := f.category.ProcessingStatus()

	inFlight, err := f.store.CountInStatus(ctx, processing)
	if err != nil {
		return nil, err
	}

	if inFlight >= f.capacity {
		return nil, nil
	}

	candidates, err := f.store.FindCandidateProjects(ctx, f.eligible, f.laterStage, processing)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	pick := pickCandidate(candidates, f.rng)
	f.mu.Unlock()

	if pick == nil {
		return nil, nil
	}

	event, err := f.store.ClaimEvent(ctx, pick.Project.ID, f.eligible, processing)
	if err != nil {
		return nil, err
	}

	if event == nil {
		// Lost the claim race; the next tick tries again.
		return nil, nil
	}

	req := &dispatch.Request{
		Category: f.category,
		ID:       &events.CompoundID{EventID: event.ID, ProjectID: event.Project.ID},
		Envelope: dispatch.Envelope{
			Event: eventMessage{
				CategoryName: string(f.category),
				ID:           string(event.ID),
				Project: projectMessage{
					ID:   int(event.Project.ID),
					Slug: string(event.Project.Slug),
				},
			},
		},
	}

	if f.withPayload {
		req.Envelope.Payload = event.Payload
	}

	return req, nil
}

func (f *cleanUpFinder) PopEvent(ctx context.Context) (*dispatch.Request, error) {
	inFlight, err := f.store.CountInStatus(ctx, events.StatusDeleting)
	if err != nil {
		return nil, err
	}

	if inFlight >= f.capacity {
		return nil, nil
	}

	event, err := f.store.ClaimOldestDue(ctx,
		[]events.Status{events.StatusAwaitingDeletion},
		events.StatusDeleting,
	)
	if err != nil || event == nil {
		return nil, err
	}

	return &dispatch.Request{
		Category: events.CategoryCleanUp,
		ID:       &events.CompoundID{EventID: event.ID, ProjectID: event.Project.ID},
		Envelope: dispatch.Envelope{
			Event: eventMessage{
				CategoryName: string(events.CategoryCleanUp),
				ID:           string(event.ID),
				Project: projectMessage{
					ID:   int(event.Project.ID),
					Slug: string(event.Project.Slug),
				},
			},
		},
	}, nil
}

func (f *syncFinder) PopEvent(ctx context.Context) (*dispatch.Request, error) {
	project, err := f.store.FindProjectDueForSync(ctx, f.category, f.interval)
	if err != nil || project == nil {
		return nil, err
	}

	return &dispatch.Request{
		Category: f.category,
		Envelope: dispatch.Envelope{
			Event: eventMessage{
				CategoryName: string(f.category),
				Project: projectMessage{
					ID:   int(project.ID),
					Slug: string(project.Slug),
				},
			},
		},
	}, nil
}
