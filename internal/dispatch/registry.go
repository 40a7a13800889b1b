// Package dispatch implements the subscriber registry and the event delivery
// fabric (C4): capacity-aware round-robin subscriber selection, multipart
// HTTP delivery with a persisted delivery trail, lost-subscriber handling and
// idle eviction.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/renkulab/kg-pipeline/internal/events"
	"github.com/renkulab/kg-pipeline/internal/storage"
)

// Sentinel errors of the dispatch layer.
var (
	// ErrNoSubscriber is returned when a category has no subscriber with free
	// capacity; the producer keeps the event and retries next tick.
	ErrNoSubscriber = errors.New("no subscriber available")

	// ErrUnknownVersion is returned when a subscription names a service
	// version the event log does not accept.
	ErrUnknownVersion = errors.New("unknown subscriber version")

	// ErrInvalidSubscription is returned when a subscription payload lacks
	// required subscriber fields.
	ErrInvalidSubscription = errors.New("invalid subscription")
)

type (
	// SubscriptionRequest is the payload of POST /subscriptions.
	SubscriptionRequest struct {
		CategoryName string         `json:"categoryName"`
		Subscriber   SubscriberInfo `json:"subscriber"`
		Capacity     *int           `json:"capacity,omitempty"`
	}

	// SubscriberInfo identifies the subscribing worker.
	SubscriberInfo struct {
		URL     string `json:"url"`
		ID      string `json:"id"`
		Version string `json:"version"`
	}

	// Registry tracks subscribers per category. Reads are served from an
	// in-memory snapshot refreshed from the database; writes go through a
	// lock keyed by (category, subscriber_url) so concurrent renewals of the
	// same subscriber serialise without blocking unrelated ones.
	Registry struct {
		subscribers *storage.SubscriberStore
		migrations  *storage.MigrationStore
		logger      *slog.Logger

		// acceptedVersion pins the service version subscriptions must carry.
		// Empty accepts everything.
		acceptedVersion string

		mu      sync.RWMutex
		cache   map[events.Category][]storage.Subscriber
		rrIndex map[events.Category]int

		keyedMu sync.Map // "category|url" -> *sync.Mutex
	}
)

// NewRegistry creates a subscriber registry. acceptedVersion pins the service
// version subscriptions must carry; empty disables the check.
func NewRegistry(
	subscribers *storage.SubscriberStore,
	migrations *storage.MigrationStore,
	acceptedVersion string,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		subscribers:     subscribers,
		migrations:      migrations,
		logger:          logger,
		acceptedVersion: acceptedVersion,
		cache:           make(map[events.Category][]storage.Subscriber),
		rrIndex:         make(map[events.Category]int),
	}
}

// Subscribe registers or renews a subscription. Unknown categories and
// unknown versions are rejected. TS_MIGRATION_REQUEST subscriptions also
// register a migration row so the coordinator sees the subscriber.
func (r *Registry) Subscribe(ctx context.Context, req SubscriptionRequest) error {
	category, err := events.ParseCategory(req.CategoryName)
	if err != nil {
		return err
	}

	if req.Subscriber.URL == "" || req.Subscriber.ID == "" {
		return fmt.Errorf("%w: subscriber url and id are required", ErrInvalidSubscription)
	}

	if r.acceptedVersion != "" && req.Subscriber.Version != r.acceptedVersion {
		return fmt.Errorf("%w: %q", ErrUnknownVersion, req.Subscriber.Version)
	}

	lock := r.lockFor(category, req.Subscriber.URL)
	lock.Lock()
	defer lock.Unlock()

	err = r.subscribers.Upsert(ctx, storage.Subscriber{
		Category:  category,
		URL:       req.Subscriber.URL,
		ID:        req.Subscriber.ID,
		SourceURL: req.Subscriber.URL,
		Capacity:  req.Capacity,
	})
	if err != nil {
		return err
	}

	if category == events.CategoryTSMigration {
		if err := r.migrations.Register(ctx, req.Subscriber.URL, req.Subscriber.Version); err != nil {
			return err
		}
	}

	r.invalidate(category)

	r.logger.Debug("subscription accepted",
		slog.String("category", string(category)),
		slog.String("subscriber_url", req.Subscriber.URL),
		slog.String("subscriber_id", req.Subscriber.ID),
	)

	return nil
}

// Next returns the next subscriber of the category in round-robin order,
// skipping subscribers already at capacity. ErrNoSubscriber when none is free.
func (r *Registry) Next(ctx context.Context, category events.Category) (*storage.Subscriber, error) {
	subscribers, err := r.snapshot(ctx, category)
	if err != nil {
		return nil, err
	}

	if len(subscribers) == 0 {
		return nil, ErrNoSubscriber
	}

	r.mu.Lock()
	start := r.rrIndex[category]
	r.rrIndex[category] = (start + 1) % len(subscribers)
	r.mu.Unlock()

	for i := range subscribers {
		candidate := subscribers[(start+i)%len(subscribers)]

		if candidate.Capacity != nil {
			held, err := r.subscribers.CountHeldBy(ctx, category, candidate.URL)
			if err != nil {
				return nil, err
			}

			if held >= *candidate.Capacity {
				continue
			}
		}

		return &candidate, nil
	}

	return nil, ErrNoSubscriber
}

// MarkLost removes a subscriber whose deliveries failed terminally. Its
// delivery rows stay behind on purpose: they now point at a missing
// subscriber, which is exactly what the zombie reaper looks for.
func (r *Registry) MarkLost(ctx context.Context, category events.Category, url string) error {
	lock := r.lockFor(category, url)
	lock.Lock()
	defer lock.Unlock()

	if err := r.subscribers.Delete(ctx, category, url); err != nil {
		return err
	}

	r.invalidate(category)

	r.logger.Warn("subscriber lost",
		slog.String("category", string(category)),
		slog.String("subscriber_url", url),
	)

	return nil
}

// Sweep evicts subscribers that missed their renewals. Run periodically.
func (r *Registry) Sweep(ctx context.Context, idleTimeout time.Duration) error {
	evicted, err := r.subscribers.EvictIdle(ctx, idleTimeout)
	if err != nil {
		return err
	}

	if len(evicted) > 0 {
		r.mu.Lock()
		r.cache = make(map[events.Category][]storage.Subscriber)
		r.mu.Unlock()

		r.logger.Info("evicted idle subscribers", slog.Int("count", len(evicted)))
	}

	return nil
}

// snapshot returns the cached subscriber list, loading it on first use.
func (r *Registry) snapshot(ctx context.Context, category events.Category) ([]storage.Subscriber, error) {
	r.mu.RLock()
	cached, ok := r.cache[category]
	r.mu.RUnlock()

	if ok {
		return cached, nil
	}

	subscribers, err := r.subscribers.ListForCategory(ctx, category)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[category] = subscribers
	r.mu.Unlock()

	return subscribers, nil
}

func (r *Registry) invalidate(category events.Category) {
	r.mu.Lock()
	delete(r.cache, category)
	r.mu.Unlock()
}

func (r *Registry) lockFor(category events.Category, url string) *sync.Mutex {
	key := string(category) + "|" + url
	actual, _ := r.keyedMu.LoadOrStore(key, &sync.Mutex{})

	return actual.(*sync.Mutex)
}
