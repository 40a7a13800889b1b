package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/renkulab/kg-pipeline/internal/config"
	"github.com/renkulab/kg-pipeline/internal/events"
	"github.com/renkulab/kg-pipeline/internal/storage"
)

type dispatchFixture struct {
	eventStore  *storage.EventStore
	deliveries  *storage.DeliveryStore
	subscribers *storage.SubscriberStore
	registry    *Registry
}

func newDispatchFixture(ctx context.Context, t *testing.T) *dispatchFixture {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := storage.NewConnection(testDB.Connection)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	eventStore, err := storage.NewEventStore(conn)
	require.NoError(t, err)

	deliveries, err := storage.NewDeliveryStore(conn)
	require.NoError(t, err)

	subscribers, err := storage.NewSubscriberStore(conn)
	require.NoError(t, err)

	migrations, err := storage.NewMigrationStore(conn)
	require.NoError(t, err)

	return &dispatchFixture{
		eventStore:  eventStore,
		deliveries:  deliveries,
		subscribers: subscribers,
		registry:    NewRegistry(subscribers, migrations, "", logger),
	}
}

func (f *dispatchFixture) newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()

	sender := NewSender(WithRetryPolicy(2, time.Millisecond))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	return NewDispatcher(f.registry, f.deliveries, f.eventStore, sender, logger)
}

func (f *dispatchFixture) subscribe(ctx context.Context, t *testing.T, category events.Category, url string, capacity *int) {
	t.Helper()

	require.NoError(t, f.registry.Subscribe(ctx, SubscriptionRequest{
		CategoryName: string(category),
		Subscriber:   SubscriberInfo{URL: url, ID: url},
		Capacity:     capacity,
	}))
}

// claimEvent creates an event and walks it into the processing status of the
// category, exactly as a producer would before dispatching.
func (f *dispatchFixture) claimEvent(ctx context.Context, t *testing.T, eventID string, projectID int) *events.CompoundID {
	t.Helper()

	project := events.Project{
		ID:   events.ProjectID(projectID),
		Slug: events.Slug(fmt.Sprintf("space/project-%d", projectID)),
	}
	event := events.NewEvent(events.EventID(eventID), project, time.Now().UTC().Add(-time.Hour), time.Now().UTC())

	_, err := f.eventStore.Upsert(ctx, event)
	require.NoError(t, err)

	outcome, err := f.eventStore.UpdateStatus(ctx, event.CompoundID(), storage.StatusUpdate{
		From: []events.Status{events.StatusNew},
		To:   events.StatusGeneratingTriples,
	})
	require.NoError(t, err)
	require.Equal(t, storage.UpdateApplied, outcome)

	id := event.CompoundID()

	return &id
}

func (f *dispatchFixture) eventStatus(ctx context.Context, t *testing.T, id events.CompoundID) events.Status {
	t.Helper()

	found, err := f.eventStore.FindEvent(ctx, id)
	require.NoError(t, err)

	return found.Status
}

func TestRegistryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	fixture := newDispatchFixture(ctx, t)

	t.Run("subscriptions are validated", func(t *testing.T) {
		err := fixture.registry.Subscribe(ctx, SubscriptionRequest{
			CategoryName: "NOT_A_CATEGORY",
			Subscriber:   SubscriberInfo{URL: "http://w:1/events", ID: "w"},
		})
		require.ErrorIs(t, err, events.ErrUnknownCategory)

		err = fixture.registry.Subscribe(ctx, SubscriptionRequest{
			CategoryName: string(events.CategoryAwaitingGeneration),
			Subscriber:   SubscriberInfo{ID: "w"},
		})
		require.ErrorIs(t, err, ErrInvalidSubscription)
	})

	t.Run("next without subscribers", func(t *testing.T) {
		_, err := fixture.registry.Next(ctx, events.CategoryAwaitingGeneration)
		require.ErrorIs(t, err, ErrNoSubscriber)
	})

	t.Run("round-robin rotates through subscribers", func(t *testing.T) {
		fixture.subscribe(ctx, t, events.CategoryAwaitingGeneration, "http://worker-a:9001/events", nil)
		fixture.subscribe(ctx, t, events.CategoryAwaitingGeneration, "http://worker-b:9001/events", nil)

		seen := map[string]int{}

		for range 4 {
			subscriber, err := fixture.registry.Next(ctx, events.CategoryAwaitingGeneration)
			require.NoError(t, err)

			seen[subscriber.URL]++
		}

		assert.Equal(t, 2, seen["http://worker-a:9001/events"])
		assert.Equal(t, 2, seen["http://worker-b:9001/events"])
	})

	t.Run("subscribers at capacity are skipped", func(t *testing.T) {
		capacity := 1
		fixture.subscribe(ctx, t, events.CategoryTriplesGenerated, "http://full-worker:9001/events", &capacity)
		fixture.subscribe(ctx, t, events.CategoryTriplesGenerated, "http://free-worker:9001/events", nil)

		id := fixture.claimEvent(ctx, t, "sha-cap-1", 40)
		require.NoError(t, fixture.deliveries.Register(ctx, storage.Delivery{
			EventID:       id.EventID,
			ProjectID:     id.ProjectID,
			DeliveryID:    "delivery-cap",
			SubscriberURL: "http://full-worker:9001/events",
			Category:      events.CategoryTriplesGenerated,
		}))

		for range 3 {
			subscriber, err := fixture.registry.Next(ctx, events.CategoryTriplesGenerated)
			require.NoError(t, err)
			assert.Equal(t, "http://free-worker:9001/events", subscriber.URL)
		}
	})

	t.Run("lost subscribers keep their deliveries", func(t *testing.T) {
		require.NoError(t, fixture.registry.MarkLost(ctx,
			events.CategoryTriplesGenerated, "http://full-worker:9001/events",
		))

		listed, err := fixture.subscribers.ListForCategory(ctx, events.CategoryTriplesGenerated)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "http://free-worker:9001/events", listed[0].URL)

		// The dangling delivery is what the zombie reaper feeds on.
		delivery, err := fixture.deliveries.Find(ctx,
			events.CompoundID{EventID: "sha-cap-1", ProjectID: 40},
		)
		require.NoError(t, err)
		require.NotNil(t, delivery)

		zombies, err := fixture.eventStore.FindZombieEvents(ctx, time.Hour)
		require.NoError(t, err)

		var ids []events.CompoundID
		for _, zombie := range zombies {
			ids = append(ids, zombie.ID)
		}

		assert.Contains(t, ids, events.CompoundID{EventID: "sha-cap-1", ProjectID: 40})
	})
}

func TestDispatcherIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	fixture := newDispatchFixture(ctx, t)
	dispatcher := fixture.newDispatcher(t)

	t.Run("accepted delivery keeps the claim and the delivery row", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))
		defer server.Close()

		fixture.subscribe(ctx, t, events.CategoryAwaitingGeneration, server.URL, nil)
		id := fixture.claimEvent(ctx, t, "sha-ok", 50)

		err := dispatcher.Dispatch(ctx, Request{
			Category: events.CategoryAwaitingGeneration,
			ID:       id,
			Envelope: Envelope{Event: map[string]string{"categoryName": "AWAITING_GENERATION"}},
		})
		require.NoError(t, err)

		assert.Equal(t, events.StatusGeneratingTriples, fixture.eventStatus(ctx, t, *id))

		delivery, err := fixture.deliveries.Find(ctx, *id)
		require.NoError(t, err)
		require.NotNil(t, delivery)
		assert.Equal(t, server.URL, delivery.SubscriberURL)

		require.NoError(t, fixture.registry.MarkLost(ctx, events.CategoryAwaitingGeneration, server.URL))
	})

	t.Run("busy subscriber rolls the claim back", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		fixture.subscribe(ctx, t, events.CategoryAwaitingGeneration, server.URL, nil)
		id := fixture.claimEvent(ctx, t, "sha-busy", 51)

		err := dispatcher.Dispatch(ctx, Request{
			Category: events.CategoryAwaitingGeneration,
			ID:       id,
			Envelope: Envelope{Event: map[string]string{"categoryName": "AWAITING_GENERATION"}},
		})
		require.NoError(t, err)

		assert.Equal(t, events.StatusNew, fixture.eventStatus(ctx, t, *id))

		delivery, err := fixture.deliveries.Find(ctx, *id)
		require.NoError(t, err)
		assert.Nil(t, delivery, "rejected deliveries leave no row behind")

		require.NoError(t, fixture.registry.MarkLost(ctx, events.CategoryAwaitingGeneration, server.URL))
	})

	t.Run("unexpected status rolls back and keeps the subscriber", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		fixture.subscribe(ctx, t, events.CategoryAwaitingGeneration, server.URL, nil)
		id := fixture.claimEvent(ctx, t, "sha-odd", 54)

		err := dispatcher.Dispatch(ctx, Request{
			Category: events.CategoryAwaitingGeneration,
			ID:       id,
			Envelope: Envelope{Event: map[string]string{"categoryName": "AWAITING_GENERATION"}},
		})
		require.ErrorIs(t, err, ErrUnexpectedResponse)

		assert.Equal(t, events.StatusNew, fixture.eventStatus(ctx, t, *id))

		delivery, err := fixture.deliveries.Find(ctx, *id)
		require.NoError(t, err)
		assert.Nil(t, delivery)

		// A misbehaving subscriber is still a live one.
		listed, err := fixture.subscribers.ListForCategory(ctx, events.CategoryAwaitingGeneration)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, server.URL, listed[0].URL)

		require.NoError(t, fixture.registry.MarkLost(ctx, events.CategoryAwaitingGeneration, server.URL))
	})

	t.Run("unreachable subscriber is dropped, delivery stays", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))
		url := server.URL
		server.Close()

		fixture.subscribe(ctx, t, events.CategoryAwaitingGeneration, url, nil)
		id := fixture.claimEvent(ctx, t, "sha-lost", 52)

		err := dispatcher.Dispatch(ctx, Request{
			Category: events.CategoryAwaitingGeneration,
			ID:       id,
			Envelope: Envelope{Event: map[string]string{"categoryName": "AWAITING_GENERATION"}},
		})
		require.NoError(t, err)

		listed, err := fixture.subscribers.ListForCategory(ctx, events.CategoryAwaitingGeneration)
		require.NoError(t, err)
		assert.Empty(t, listed, "the lost subscriber is deregistered")

		// The claim is not rolled back; the reaper reclaims it through the
		// dangling delivery.
		assert.Equal(t, events.StatusGeneratingTriples, fixture.eventStatus(ctx, t, *id))

		delivery, err := fixture.deliveries.Find(ctx, *id)
		require.NoError(t, err)
		assert.NotNil(t, delivery)
	})

	t.Run("no subscriber rolls the claim back", func(t *testing.T) {
		id := fixture.claimEvent(ctx, t, "sha-nosub", 53)

		err := dispatcher.Dispatch(ctx, Request{
			Category: events.CategoryAwaitingGeneration,
			ID:       id,
			Envelope: Envelope{Event: map[string]string{"categoryName": "AWAITING_GENERATION"}},
		})
		require.ErrorIs(t, err, ErrNoSubscriber)

		assert.Equal(t, events.StatusNew, fixture.eventStatus(ctx, t, *id))
	})
}
