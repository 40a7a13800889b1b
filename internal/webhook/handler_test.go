package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renkulab/kg-pipeline/internal/events"
)

type capturingPublisher struct {
	mu       sync.Mutex
	requests []CommitSyncRequest
	done     chan struct{}
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{done: make(chan struct{}, 8)}
}

func (p *capturingPublisher) PublishCommitSync(_ context.Context, req CommitSyncRequest) error {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	p.done <- struct{}{}

	return nil
}

func (p *capturingPublisher) published(t *testing.T) []CommitSyncRequest {
	t.Helper()

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]CommitSyncRequest(nil), p.requests...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pushBody(projectID int, slug string) string {
	return fmt.Sprintf(`{"after":"deadbeef","project":{"id":%d,"path_with_namespace":%q}}`, projectID, slug)
}

func TestHookEventAcceptsValidPush(t *testing.T) {
	crypto, err := NewTokenCrypto("test-secret")
	require.NoError(t, err)

	publisher := newCapturingPublisher()
	handler := NewHandler(crypto, publisher, testLogger())

	token, err := crypto.Encrypt(events.ProjectID(42))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events",
		strings.NewReader(pushBody(42, "space/rocket")))
	req.Header.Set("X-Gitlab-Token", token)

	recorder := httptest.NewRecorder()
	handler.HookEvent(recorder, req)

	assert.Equal(t, http.StatusAccepted, recorder.Code)

	published := publisher.published(t)
	require.Len(t, published, 1)
	assert.Equal(t, events.ProjectID(42), published[0].Project.ID)
	assert.Equal(t, events.Slug("space/rocket"), published[0].Project.Slug)
}

func TestHookEventRejectsMissingToken(t *testing.T) {
	crypto, err := NewTokenCrypto("test-secret")
	require.NoError(t, err)

	handler := NewHandler(crypto, newCapturingPublisher(), testLogger())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events",
		strings.NewReader(pushBody(42, "space/rocket")))

	recorder := httptest.NewRecorder()
	handler.HookEvent(recorder, req)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestHookEventRejectsTokenForOtherProject(t *testing.T) {
	crypto, err := NewTokenCrypto("test-secret")
	require.NoError(t, err)

	handler := NewHandler(crypto, newCapturingPublisher(), testLogger())

	token, err := crypto.Encrypt(events.ProjectID(7))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events",
		strings.NewReader(pushBody(42, "space/rocket")))
	req.Header.Set("X-Gitlab-Token", token)

	recorder := httptest.NewRecorder()
	handler.HookEvent(recorder, req)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestHookEventRejectsMalformedBody(t *testing.T) {
	crypto, err := NewTokenCrypto("test-secret")
	require.NoError(t, err)

	handler := NewHandler(crypto, newCapturingPublisher(), testLogger())

	token, err := crypto.Encrypt(events.ProjectID(42))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", strings.NewReader("{"))
	req.Header.Set("X-Gitlab-Token", token)

	recorder := httptest.NewRecorder()
	handler.HookEvent(recorder, req)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestHookEventRejectsBodyWithoutProjectSlug(t *testing.T) {
	crypto, err := NewTokenCrypto("test-secret")
	require.NoError(t, err)

	handler := NewHandler(crypto, newCapturingPublisher(), testLogger())

	token, err := crypto.Encrypt(events.ProjectID(42))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events",
		strings.NewReader(pushBody(42, "")))
	req.Header.Set("X-Gitlab-Token", token)

	recorder := httptest.NewRecorder()
	handler.HookEvent(recorder, req)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestCreateTokenMintsDecryptableToken(t *testing.T) {
	crypto, err := NewTokenCrypto("test-secret")
	require.NoError(t, err)

	handler := NewHandler(crypto, newCapturingPublisher(), testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /projects/{id}/webhooks", handler.CreateToken)

	req := httptest.NewRequest(http.MethodPost, "/projects/42/webhooks", nil)
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, req)

	require.Equal(t, http.StatusCreated, recorder.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))

	projectID, err := crypto.Decrypt(resp.Token)

	require.NoError(t, err)
	assert.Equal(t, events.ProjectID(42), projectID)
}

func TestCreateTokenRejectsBadProjectID(t *testing.T) {
	crypto, err := NewTokenCrypto("test-secret")
	require.NoError(t, err)

	handler := NewHandler(crypto, newCapturingPublisher(), testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /projects/{id}/webhooks", handler.CreateToken)

	for _, id := range []string{"abc", "0", "-5"} {
		req := httptest.NewRequest(http.MethodPost, "/projects/"+id+"/webhooks", nil)
		recorder := httptest.NewRecorder()
		mux.ServeHTTP(recorder, req)

		assert.Equal(t, http.StatusBadRequest, recorder.Code, "id %q", id)
	}
}
