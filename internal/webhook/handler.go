package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/renkulab/kg-pipeline/internal/events"
)

// publishTimeout bounds the background publish spawned per accepted hook.
const publishTimeout = 2 * time.Minute

type (
	// SyncPublisher forwards accepted push notifications to the event log.
	SyncPublisher interface {
		PublishCommitSync(ctx context.Context, req CommitSyncRequest) error
	}

	// Handler serves the webhook endpoints. The hook token authenticates the
	// forge: it decrypts to the project id the hook was issued for, which
	// must match the project in the payload.
	Handler struct {
		crypto    *TokenCrypto
		publisher SyncPublisher
		logger    *slog.Logger
	}

	// pushPayload is the subset of the forge push hook body we care about.
	pushPayload struct {
		After   string `json:"after"`
		Project struct {
			ID                int    `json:"id"`
			PathWithNamespace string `json:"path_with_namespace"`
		} `json:"project"`
	}

	tokenResponse struct {
		Token string `json:"token"`
	}
)

// NewHandler creates the webhook handler.
func NewHandler(crypto *TokenCrypto, publisher SyncPublisher, logger *slog.Logger) *Handler {
	return &Handler{crypto: crypto, publisher: publisher, logger: logger}
}

// HookEvent handles POST /webhooks/events. The response is 202 as soon as the
// hook is authenticated; the commit-sync publish happens in the background so
// the forge never waits on the event log.
func (h *Handler) HookEvent(w http.ResponseWriter, r *http.Request) {
	projectID, err := h.crypto.Decrypt(r.Header.Get("X-Gitlab-Token"))
	if err != nil {
		// Never echo or log the token itself.
		w.WriteHeader(http.StatusUnauthorized)

		return
	}

	var payload pushPayload

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	// A body without a slug is malformed, not unauthorised.
	if payload.Project.PathWithNamespace == "" {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	if payload.Project.ID != int(projectID) {
		w.WriteHeader(http.StatusUnauthorized)

		return
	}

	project := events.Project{
		ID:   projectID,
		Slug: events.Slug(payload.Project.PathWithNamespace),
	}

	go h.publish(project, payload.After)

	w.WriteHeader(http.StatusAccepted)
}

// CreateToken handles POST /projects/{id}/webhooks: it mints a fresh hook
// token for the project. The forge stores the token and sends it back with
// every push.
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	projectID := events.ProjectID(id)
	if err := projectID.Validate(); err != nil {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	token, err := h.crypto.Encrypt(projectID)
	if err != nil {
		h.logger.Error("failed to mint hook token",
			slog.String("project_id", projectID.String()),
			slog.String("error", err.Error()),
		)
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: token})
}

func (h *Handler) publish(project events.Project, commitSHA string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := h.publisher.PublishCommitSync(ctx, CommitSyncRequest{Project: project}); err != nil {
		h.logger.Error("failed to publish commit sync request",
			slog.String("project_id", project.ID.String()),
			slog.String("commit_sha", commitSHA),
			slog.String("error", err.Error()),
		)

		return
	}

	h.logger.Info("commit sync request published",
		slog.String("project_id", project.ID.String()),
		slog.String("commit_sha", commitSHA),
	)
}
