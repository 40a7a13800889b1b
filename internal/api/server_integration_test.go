package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/renkulab/kg-pipeline/internal/config"
	"github.com/renkulab/kg-pipeline/internal/dispatch"
	"github.com/renkulab/kg-pipeline/internal/events"
	"github.com/renkulab/kg-pipeline/internal/statuschange"
	"github.com/renkulab/kg-pipeline/internal/storage"
)

// testServer wires a full API server against a containerised Postgres and
// exposes it through httptest.
func newTestServer(ctx context.Context, t *testing.T) (*httptest.Server, *storage.Connection) {
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

	deliveryStore, err := storage.NewDeliveryStore(conn)
	require.NoError(t, err)

	subscriberStore, err := storage.NewSubscriberStore(conn)
	require.NoError(t, err)

	migrationStore, err := storage.NewMigrationStore(conn)
	require.NoError(t, err)

	registry := dispatch.NewRegistry(subscriberStore, migrationStore, "", logger)

	cfg := &ServerConfig{
		Port:            9005,
		Host:            "127.0.0.1",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MaxRequestSize:  defaultMaxRequestSize,
	}

	server := NewServer(cfg, Dependencies{
		Conn:           conn,
		EventStore:     eventStore,
		Registry:       registry,
		StatusChanges:  statuschange.NewHandler(eventStore, deliveryStore, logger),
		MigrationStore: migrationStore,
	})
	server.startTime = time.Now()

	ts := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(ts.Close)

	return ts, conn
}

// postEvent sends a multipart POST /events with the given event JSON and
// optional payload part.
func postEvent(t *testing.T, baseURL, eventJSON string, payload []byte) *http.Response {
	t.Helper()

	var body bytes.Buffer

	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("event", eventJSON))

	if payload != nil {
		part, err := writer.CreateFormFile("payload", "payload.gz")
		require.NoError(t, err)
		_, err = part.Write(payload)
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())

	resp, err := http.Post(baseURL+"/events", writer.FormDataContentType(), &body)
	require.NoError(t, err)

	return resp
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)

	return resp
}

func creationJSON(eventID string, projectID int, slug string) string {
	return fmt.Sprintf(`{
		"categoryName": "CREATION",
		"id": %q,
		"project": {"id": %d, "slug": %q},
		"date": %q
	}`, eventID, projectID, slug, time.Now().UTC().Format(time.RFC3339))
}

func TestServerEventLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts, conn := newTestServer(ctx, t)

	t.Run("creates an event", func(t *testing.T) {
		resp := postEvent(t, ts.URL, creationJSON("sha-1", 11, "space/rocket"), nil)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	})

	t.Run("repeated creation is idempotent", func(t *testing.T) {
		resp := postEvent(t, ts.URL, creationJSON("sha-1", 11, "space/rocket"), nil)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("lists project events", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/events?project-id=11")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var views []eventView
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
		require.Len(t, views, 1)
		assert.Equal(t, "sha-1", views[0].ID)
		assert.Equal(t, "NEW", views[0].Status)
		assert.Equal(t, "space/rocket", views[0].ProjectSlug)
	})

	t.Run("skipped creation requires a message", func(t *testing.T) {
		event := fmt.Sprintf(`{
			"categoryName": "CREATION",
			"id": "sha-2",
			"project": {"id": 11, "slug": "space/rocket"},
			"date": %q,
			"status": "SKIPPED"
		}`, time.Now().UTC().Format(time.RFC3339))

		resp := postEvent(t, ts.URL, event, nil)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("status change moves the event", func(t *testing.T) {
		statusChange := `{
			"categoryName": "EVENTS_STATUS_CHANGE",
			"id": "sha-1",
			"project": {"id": 11, "slug": "space/rocket"},
			"newStatus": "AWAITING_DELETION"
		}`

		resp := postEvent(t, ts.URL, statusChange, nil)
		defer func() { _ = resp.Body.Close() }()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		listResp, err := http.Get(ts.URL + "/events?project-id=11")
		require.NoError(t, err)
		defer func() { _ = listResp.Body.Close() }()

		var views []eventView
		require.NoError(t, json.NewDecoder(listResp.Body).Decode(&views))
		require.Len(t, views, 1)
		assert.Equal(t, "AWAITING_DELETION", views[0].Status)
	})

	t.Run("status change for an unknown event is 404", func(t *testing.T) {
		statusChange := `{
			"categoryName": "EVENTS_STATUS_CHANGE",
			"id": "no-such-sha",
			"project": {"id": 11, "slug": "space/rocket"},
			"newStatus": "AWAITING_DELETION"
		}`

		resp := postEvent(t, ts.URL, statusChange, nil)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("status change from the wrong state is 409", func(t *testing.T) {
		// sha-1 now sits in AWAITING_DELETION; a generation result cannot apply.
		statusChange := `{
			"categoryName": "EVENTS_STATUS_CHANGE",
			"id": "sha-1",
			"project": {"id": 11, "slug": "space/rocket"},
			"newStatus": "TRIPLES_GENERATED"
		}`

		resp := postEvent(t, ts.URL, statusChange, []byte("triples"))
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("generation result stores the payload verbatim", func(t *testing.T) {
		resp := postEvent(t, ts.URL, creationJSON("sha-3", 13, "space/capsule"), nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		_ = resp.Body.Close()

		eventStore, err := storage.NewEventStore(conn)
		require.NoError(t, err)

		id := events.CompoundID{EventID: "sha-3", ProjectID: 13}

		// Claim the event the way a producer would before dispatching it.
		outcome, err := eventStore.UpdateStatus(ctx, id, storage.StatusUpdate{
			From: []events.Status{events.StatusNew},
			To:   events.StatusGeneratingTriples,
		})
		require.NoError(t, err)
		require.Equal(t, storage.UpdateApplied, outcome)

		triples := []byte(`{"@graph": [{"@id": "sha-3"}]}`)

		var zipped bytes.Buffer

		gz := gzip.NewWriter(&zipped)
		_, err = gz.Write(triples)
		require.NoError(t, err)
		require.NoError(t, gz.Close())

		statusChange := `{
			"categoryName": "EVENTS_STATUS_CHANGE",
			"id": "sha-3",
			"project": {"id": 13, "slug": "space/capsule"},
			"newStatus": "TRIPLES_GENERATED",
			"processingTime": "21s"
		}`

		changeResp := postEvent(t, ts.URL, statusChange, zipped.Bytes())
		defer func() { _ = changeResp.Body.Close() }()

		require.Equal(t, http.StatusOK, changeResp.StatusCode)

		found, err := eventStore.FindEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, events.StatusTriplesGenerated, found.Status)
		require.Equal(t, zipped.Bytes(), found.Payload, "payload bytes stored as sent")

		reader, err := gzip.NewReader(bytes.NewReader(found.Payload))
		require.NoError(t, err)

		unzipped, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, triples, unzipped)
	})

	t.Run("generation result without payload is rejected", func(t *testing.T) {
		statusChange := `{
			"categoryName": "EVENTS_STATUS_CHANGE",
			"id": "sha-3",
			"project": {"id": 13, "slug": "space/capsule"},
			"newStatus": "TRIPLES_GENERATED"
		}`

		resp := postEvent(t, ts.URL, statusChange, nil)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("commit sync request is accepted", func(t *testing.T) {
		event := `{
			"categoryName": "COMMIT_SYNC_REQUEST",
			"project": {"id": 12, "slug": "space/booster"}
		}`

		resp := postEvent(t, ts.URL, event, nil)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("deletes a project", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/projects/11", nil)
		require.NoError(t, err)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		listResp, err := http.Get(ts.URL + "/events?project-id=11")
		require.NoError(t, err)
		defer func() { _ = listResp.Body.Close() }()

		var views []eventView
		require.NoError(t, json.NewDecoder(listResp.Body).Decode(&views))
		assert.Empty(t, views)
	})

	t.Run("rejects non-multipart bodies", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/events", "application/json", bytes.NewReader([]byte(`{}`)))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects unknown categories", func(t *testing.T) {
		resp := postEvent(t, ts.URL, `{"categoryName": "NOT_A_CATEGORY"}`, nil)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestServerSubscriptions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts, _ := newTestServer(ctx, t)

	t.Run("accepts a subscription", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/subscriptions", map[string]any{
			"categoryName": "AWAITING_GENERATION",
			"subscriber": map[string]any{
				"url": "http://worker-1:9001/events",
				"id":  "worker-1",
			},
			"capacity": 4,
		})
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("rejects unknown categories", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/subscriptions", map[string]any{
			"categoryName": "NOT_A_CATEGORY",
			"subscriber": map[string]any{
				"url": "http://worker-1:9001/events",
				"id":  "worker-1",
			},
		})
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects subscriptions without url", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/subscriptions", map[string]any{
			"categoryName": "AWAITING_GENERATION",
			"subscriber":   map[string]any{"id": "worker-1"},
		})
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestServerMigrationStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts, conn := newTestServer(ctx, t)

	// A TS_MIGRATION_REQUEST subscription registers the migration row the
	// status update addresses.
	subResp := postJSON(t, ts.URL+"/subscriptions", map[string]any{
		"categoryName": "TS_MIGRATION_REQUEST",
		"subscriber": map[string]any{
			"url":     "http://migrator-1:9001/events",
			"id":      "migrator-1",
			"version": "2.44.0",
		},
	})
	defer func() { _ = subResp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, subResp.StatusCode)

	migrationStore, err := storage.NewMigrationStore(conn)
	require.NoError(t, err)

	// Move the row to SENT so the reported outcome can apply.
	require.NoError(t, migrationStore.UpdateStatus(
		ctx, "http://migrator-1:9001/events", "2.44.0", storage.MigrationSent, "",
	))

	t.Run("records the reported outcome", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/migration-status", map[string]any{
			"subscriberUrl":     "http://migrator-1:9001/events",
			"subscriberVersion": "2.44.0",
			"subCategory":       "ToDone",
		})
		defer func() { _ = resp.Body.Close() }()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		rows, err := migrationStore.FindRows(ctx, "2.44.0")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, storage.MigrationDone, rows[0].Status)
	})

	t.Run("rejects unknown subcategories", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/migration-status", map[string]any{
			"subscriberUrl":     "http://migrator-1:9001/events",
			"subscriberVersion": "2.44.0",
			"subCategory":       "ToLimbo",
		})
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("requires subscriber url and version", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/migration-status", map[string]any{
			"subCategory": "ToDone",
		})
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestServerProbes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts, _ := newTestServer(ctx, t)

	for _, path := range []string{"/ping", "/health", "/ready"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err, path)

		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}
