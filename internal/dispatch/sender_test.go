package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendClassifiesResponses(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       Outcome
		wantErr    error
	}{
		{name: "accepted", statusCode: http.StatusAccepted, want: OutcomeAccepted},
		{name: "ok treated as accepted", statusCode: http.StatusOK, want: OutcomeAccepted},
		{name: "too many requests", statusCode: http.StatusTooManyRequests, want: OutcomeTooBusy},
		{name: "service unavailable", statusCode: http.StatusServiceUnavailable, want: OutcomeUnavailable},
		{
			name:       "bad request is unexpected",
			statusCode: http.StatusBadRequest,
			want:       OutcomeUnexpected,
			wantErr:    ErrUnexpectedResponse,
		},
		{
			name:       "not found is unexpected",
			statusCode: http.StatusNotFound,
			want:       OutcomeUnexpected,
			wantErr:    ErrUnexpectedResponse,
		},
		{
			name:       "server error is unexpected",
			statusCode: http.StatusInternalServerError,
			want:       OutcomeUnexpected,
			wantErr:    ErrUnexpectedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			sender := NewSender(WithRetryPolicy(1, time.Millisecond))

			outcome, err := sender.Send(context.Background(), server.URL, Envelope{Event: map[string]string{"id": "abc"}})

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.want, outcome)
		})
	}
}

func TestSendEncodesMultipartEnvelope(t *testing.T) {
	type envelopeEvent struct {
		ID        string `json:"id"`
		ProjectID int    `json:"project.id"`
	}

	var (
		gotEvent   envelopeEvent
		gotPayload []byte
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))

		require.NoError(t, json.Unmarshal([]byte(r.FormValue("event")), &gotEvent))

		file, _, err := r.FormFile("payload")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()

		gotPayload, err = io.ReadAll(file)
		require.NoError(t, err)

		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewSender(WithRetryPolicy(1, time.Millisecond))

	outcome, err := sender.Send(context.Background(), server.URL, Envelope{
		Event:   envelopeEvent{ID: "abc123", ProjectID: 42},
		Payload: []byte{0x1f, 0x8b, 0x08},
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Equal(t, envelopeEvent{ID: "abc123", ProjectID: 42}, gotEvent)
	assert.Equal(t, []byte{0x1f, 0x8b, 0x08}, gotPayload)
}

func TestSendOmitsPayloadPartWhenAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))

		_, _, err := r.FormFile("payload")
		assert.Error(t, err)

		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewSender(WithRetryPolicy(1, time.Millisecond))

	outcome, err := sender.Send(context.Background(), server.URL, Envelope{Event: map[string]string{"id": "abc"}})

	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
}

func TestSendRetriesConnectionFailures(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			// Hijack and drop the connection to force a transport error.
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			_ = conn.Close()

			return
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewSender(WithRetryPolicy(5, time.Millisecond))

	outcome, err := sender.Send(context.Background(), server.URL, Envelope{Event: map[string]string{"id": "abc"}})

	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSendDeclaresSubscriberLostAfterExhaustingRetries(t *testing.T) {
	server := httptest.NewServer(nil)
	server.Close() // nothing listens any more

	sender := NewSender(WithRetryPolicy(2, time.Millisecond))

	outcome, err := sender.Send(context.Background(), server.URL, Envelope{Event: map[string]string{"id": "abc"}})

	require.NoError(t, err)
	assert.Equal(t, OutcomeLost, outcome)
}

func TestSendDoesNotRetryHTTPRejections(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	sender := NewSender(WithRetryPolicy(5, time.Millisecond))

	outcome, err := sender.Send(context.Background(), server.URL, Envelope{Event: map[string]string{"id": "abc"}})

	require.NoError(t, err)
	assert.Equal(t, OutcomeTooBusy, outcome)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestSendDoesNotRetryUnexpectedStatuses(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender := NewSender(WithRetryPolicy(5, time.Millisecond))

	outcome, err := sender.Send(context.Background(), server.URL, Envelope{Event: map[string]string{"id": "abc"}})

	require.ErrorIs(t, err, ErrUnexpectedResponse)
	assert.Equal(t, OutcomeUnexpected, outcome)
	assert.Equal(t, int32(1), attempts.Load(), "a live subscriber answered; there is nothing to retry")
}
