package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/renkulab/kg-pipeline/internal/events"
)

// Publisher retry policy. The event log being briefly down must not drop a
// push notification; the commit-sync request is the only trace of it.
const (
	publishAttempts = 5
	publishBackoff  = 2 * time.Second
)

type (
	// CommitSyncRequest asks the event log to schedule a commit sync for the
	// project that just received a push.
	CommitSyncRequest struct {
		Project events.Project
	}

	// Publisher POSTs commit-sync requests to the event log's events endpoint
	// using the same multipart envelope subscribers receive.
	Publisher struct {
		eventLogURL string
		client      *http.Client
		logger      *slog.Logger
	}

	commitSyncMessage struct {
		CategoryName string `json:"categoryName"`
		Project      struct {
			ID   int    `json:"id"`
			Slug string `json:"slug"`
		} `json:"project"`
	}
)

// NewPublisher creates an event-log publisher. eventLogURL is the base URL of
// the event-log service.
func NewPublisher(eventLogURL string, logger *slog.Logger) *Publisher {
	return &Publisher{
		eventLogURL: eventLogURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

// PublishCommitSync sends the request, retrying transport failures.
func (p *Publisher) PublishCommitSync(ctx context.Context, req CommitSyncRequest) error {
	message := commitSyncMessage{CategoryName: string(events.CategoryCommitSyncRequest)}
	message.Project.ID = int(req.Project.ID)
	message.Project.Slug = string(req.Project.Slug)

	body, contentType, err := encodeEventPart(message)
	if err != nil {
		return fmt.Errorf("failed to encode commit sync request: %w", err)
	}

	backoff := retry.WithMaxRetries(publishAttempts-1, retry.NewConstant(publishBackoff))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.eventLogURL+"/events", bytes.NewReader(body))
		if err != nil {
			return err
		}

		httpReq.Header.Set("Content-Type", contentType)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return retry.RetryableError(err)
		}

		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("event log answered %d", resp.StatusCode))
		default:
			return fmt.Errorf("event log rejected commit sync request: %d", resp.StatusCode)
		}
	})
}

// encodeEventPart wraps the message in a multipart body with a single "event"
// field, mirroring the envelope the dispatcher sends to subscribers.
func encodeEventPart(message any) ([]byte, string, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormField("event")
	if err != nil {
		return nil, "", err
	}

	if err := json.NewEncoder(part).Encode(message); err != nil {
		return nil, "", err
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}
