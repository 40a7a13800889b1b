package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrUnexpectedResponse is returned when a subscriber answers with a status
// code outside the delivery protocol.
var ErrUnexpectedResponse = errors.New("unexpected subscriber response")

// Outcome classifies the subscriber's response to a delivery attempt.
type Outcome int

// Delivery outcomes.
const (
	// OutcomeAccepted means the subscriber took the event (HTTP 202).
	OutcomeAccepted Outcome = iota

	// OutcomeTooBusy means the subscriber rejected the event for lack of
	// capacity (HTTP 429). The event goes back to its previous status.
	OutcomeTooBusy

	// OutcomeUnavailable means the subscriber answered 503. Treated like
	// TooBusy but the subscriber stays eligible for other categories.
	OutcomeUnavailable

	// OutcomeUnexpected means the subscriber answered a status code outside
	// the protocol. The delivery failed, the claim has to be rolled back and
	// the subscriber stays registered; only connection failures lose it.
	OutcomeUnexpected

	// OutcomeLost means the subscriber could not be reached at all after
	// exhausting retries. The registry drops it.
	OutcomeLost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeTooBusy:
		return "too_busy"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeUnexpected:
		return "unexpected"
	case OutcomeLost:
		return "lost"
	default:
		return "unknown"
	}
}

type (
	// Envelope is the multipart body of a delivery POST. Event carries the
	// JSON part named "event"; Payload, when present, carries the gzipped
	// part named "payload".
	Envelope struct {
		Event   any
		Payload []byte
	}

	// Sender POSTs envelopes to subscriber URLs. Connection-level failures
	// are retried with a constant backoff before the subscriber is declared
	// lost; HTTP-level rejections are never retried here because the caller
	// has to undo the delivery registration first.
	Sender struct {
		client      *http.Client
		maxAttempts uint64
		backoff     time.Duration
	}

	// SenderOption configures a Sender.
	SenderOption func(*Sender)
)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) SenderOption {
	return func(s *Sender) {
		s.client = client
	}
}

// WithRetryPolicy overrides the connection retry policy.
func WithRetryPolicy(maxAttempts uint64, backoff time.Duration) SenderOption {
	return func(s *Sender) {
		s.maxAttempts = maxAttempts
		s.backoff = backoff
	}
}

// NewSender creates a delivery sender with the default retry policy of
// 10 attempts spaced 10 seconds apart.
func NewSender(opts ...SenderOption) *Sender {
	s := &Sender{
		client:      &http.Client{Timeout: 30 * time.Second},
		maxAttempts: 10,
		backoff:     10 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Send POSTs the envelope to the subscriber URL and classifies the response.
// A status code outside the protocol yields OutcomeUnexpected together with an
// error wrapping ErrUnexpectedResponse; such responses are never retried. Any
// other error return means the envelope could not even be encoded.
func (s *Sender) Send(ctx context.Context, subscriberURL string, envelope Envelope) (Outcome, error) {
	body, contentType, err := encodeEnvelope(envelope)
	if err != nil {
		return OutcomeLost, fmt.Errorf("failed to encode delivery envelope: %w", err)
	}

	var (
		outcome    Outcome
		statusCode int
	)

	backoff := retry.WithMaxRetries(s.maxAttempts-1, retry.NewConstant(s.backoff))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, subscriberURL, bytes.NewReader(body))
		if err != nil {
			return err
		}

		req.Header.Set("Content-Type", contentType)

		resp, err := s.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}

		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		outcome = classify(resp.StatusCode)
		statusCode = resp.StatusCode

		return nil
	})

	if err != nil {
		return OutcomeLost, nil
	}

	if outcome == OutcomeUnexpected {
		return outcome, fmt.Errorf("%w: status %d", ErrUnexpectedResponse, statusCode)
	}

	return outcome, nil
}

func classify(statusCode int) Outcome {
	switch statusCode {
	case http.StatusAccepted, http.StatusOK:
		return OutcomeAccepted
	case http.StatusTooManyRequests:
		return OutcomeTooBusy
	case http.StatusServiceUnavailable:
		return OutcomeUnavailable
	default:
		return OutcomeUnexpected
	}
}

// encodeEnvelope builds the multipart/form-data body. The "event" part is
// JSON; the optional "payload" part carries the gzipped triples verbatim.
func encodeEnvelope(envelope Envelope) ([]byte, string, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	eventPart, err := writer.CreateFormField("event")
	if err != nil {
		return nil, "", err
	}

	if err := json.NewEncoder(eventPart).Encode(envelope.Event); err != nil {
		return nil, "", err
	}

	if envelope.Payload != nil {
		payloadPart, err := writer.CreateFormFile("payload", "payload.gz")
		if err != nil {
			return nil, "", err
		}

		if _, err := payloadPart.Write(envelope.Payload); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}
