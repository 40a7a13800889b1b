package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/renkulab/kg-pipeline/internal/dispatch"
	"github.com/renkulab/kg-pipeline/internal/events"
	"github.com/renkulab/kg-pipeline/internal/statuschange"
	"github.com/renkulab/kg-pipeline/internal/storage"
)

// creationCategory is the categoryName of event creation requests. It is not
// a dispatch category: creation events are POSTed by sync workers, never
// delivered to subscribers.
const creationCategory = "CREATION"

type (
	// creationMessage is the "event" part of an event creation request.
	creationMessage struct {
		CategoryName string `json:"categoryName"`
		ID           string `json:"id"`
		Project      struct {
			ID   int    `json:"id"`
			Slug string `json:"slug"`
		} `json:"project"`
		Date      time.Time  `json:"date"`
		BatchDate *time.Time `json:"batchDate,omitempty"`
		Status    string     `json:"status,omitempty"`
		Message   string     `json:"message,omitempty"`
	}

	categoryProbe struct {
		CategoryName string `json:"categoryName"`
	}

	// migrationStatusMessage is the body of POST /migration-status.
	migrationStatusMessage struct {
		SubscriberURL     string `json:"subscriberUrl"`
		SubscriberVersion string `json:"subscriberVersion"`
		SubCategory       string `json:"subCategory"`
		Message           string `json:"message,omitempty"`
	}

	eventView struct {
		ID              string               `json:"id"`
		ProjectID       int                  `json:"projectId"`
		ProjectSlug     string               `json:"projectSlug"`
		Status          string               `json:"status"`
		EventDate       time.Time            `json:"eventDate"`
		ExecutionDate   time.Time            `json:"executionDate"`
		Message         string               `json:"message,omitempty"`
		ProcessingTimes []processingTimeView `json:"processingTimes,omitempty"`
	}

	processingTimeView struct {
		Status         string `json:"status"`
		ProcessingTime string `json:"processingTime"`
	}
)

// setupRoutes registers all event-log endpoints.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.Handle("GET /metrics", s.metricsHandler)

	mux.HandleFunc("POST /events", s.handlePostEvents)
	mux.HandleFunc("GET /events", s.handleGetEvents)
	mux.HandleFunc("DELETE /projects/{id}", s.handleDeleteProject)
	mux.HandleFunc("POST /subscriptions", s.handlePostSubscriptions)
	mux.HandleFunc("POST /migration-status", s.handlePostMigrationStatus)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("pong"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

// handleReady answers 200 only when Postgres responds; the event log is
// useless without its database.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handlePostEvents is the single ingestion endpoint: creation events, commit
// sync requests and status change reports all arrive here as multipart bodies
// with an "event" JSON part and an optional "payload" part.
func (s *Server) handlePostEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	if err := r.ParseMultipartForm(s.config.MaxRequestSize); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("expected multipart body with an event part"))

		return
	}

	eventJSON := []byte(r.FormValue("event"))
	if len(eventJSON) == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("event part is required"))

		return
	}

	payload, err := readPayloadPart(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("unreadable payload part"))

		return
	}

	var probe categoryProbe
	if err := json.Unmarshal(eventJSON, &probe); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("malformed event part"))

		return
	}

	switch probe.CategoryName {
	case string(events.CategoryStatusChange):
		s.applyStatusChange(w, r, eventJSON, payload)
	case string(events.CategoryCommitSyncRequest):
		s.acceptCommitSyncRequest(w, r, eventJSON)
	case creationCategory:
		s.createEvent(w, r, eventJSON, payload)
	default:
		WriteErrorResponse(w, r, s.logger, BadRequest("unsupported categoryName"))
	}
}

func (s *Server) applyStatusChange(w http.ResponseWriter, r *http.Request, eventJSON, payload []byte) {
	msg, err := statuschange.Decode(eventJSON, payload)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	outcome, err := s.statusChanges.Apply(r.Context(), msg)
	if err != nil {
		if errors.Is(err, statuschange.ErrDeliveryHeldByOther) {
			WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))

			return
		}

		s.logger.Error("status change failed",
			slog.String("kind", string(msg.Kind)),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("status change failed"))

		return
	}

	switch outcome {
	case storage.UpdateApplied:
		w.WriteHeader(http.StatusOK)
	case storage.UpdateNotFound:
		WriteErrorResponse(w, r, s.logger, NotFound("event not found"))
	case storage.UpdateConflict:
		WriteErrorResponse(w, r, s.logger, Conflict("event status changed concurrently"))
	}
}

func (s *Server) acceptCommitSyncRequest(w http.ResponseWriter, r *http.Request, eventJSON []byte) {
	var msg creationMessage

	if err := json.Unmarshal(eventJSON, &msg); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("malformed commit sync request"))

		return
	}

	project := events.Project{
		ID:   events.ProjectID(msg.Project.ID),
		Slug: events.Slug(msg.Project.Slug),
	}

	if err := project.ID.Validate(); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if err := project.Slug.Validate(); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	err := s.eventStore.MarkProjectSyncDue(r.Context(), project, events.CategoryCommitSync)
	if err != nil {
		s.logger.Error("failed to accept commit sync request",
			slog.String("project_id", project.ID.String()),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("commit sync request failed"))

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) createEvent(w http.ResponseWriter, r *http.Request, eventJSON, payload []byte) {
	var msg creationMessage

	if err := json.Unmarshal(eventJSON, &msg); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("malformed creation event"))

		return
	}

	now := time.Now().UTC()

	event := events.NewEvent(
		events.EventID(msg.ID),
		events.Project{ID: events.ProjectID(msg.Project.ID), Slug: events.Slug(msg.Project.Slug)},
		msg.Date, now,
	)

	if msg.BatchDate != nil {
		event.BatchDate = *msg.BatchDate
	}

	// Sync workers may create events directly in SKIPPED (commit known to
	// produce no triples) or TRIPLES_GENERATED (triples computed upstream).
	if msg.Status != "" {
		status, err := events.ParseStatus(msg.Status)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

			return
		}

		event.Status = status
	}

	event.Message = msg.Message
	event.Payload = payload

	result, err := s.eventStore.Upsert(r.Context(), event)
	if err != nil {
		if errors.Is(err, events.ErrBlankEventID) ||
			errors.Is(err, events.ErrInvalidProjectID) ||
			errors.Is(err, events.ErrInvalidSlug) ||
			errors.Is(err, events.ErrMessageRequired) ||
			errors.Is(err, events.ErrPayloadNotAllowed) ||
			errors.Is(err, events.ErrPayloadRequired) {
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

			return
		}

		s.logger.Error("event creation failed",
			slog.String("event_id", msg.ID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("event creation failed"))

		return
	}

	switch result {
	case storage.UpsertCreated:
		w.WriteHeader(http.StatusCreated)
	case storage.UpsertExisted, storage.UpsertSkipped:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	projectID, err := strconv.Atoi(r.URL.Query().Get("project-id"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("project-id query parameter is required"))

		return
	}

	if err := events.ProjectID(projectID).Validate(); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	found, err := s.eventStore.FindProjectEvents(r.Context(), events.ProjectID(projectID))
	if err != nil {
		s.logger.Error("failed to list project events",
			slog.Int("project_id", projectID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to list project events"))

		return
	}

	views := make([]eventView, 0, len(found))
	for _, event := range found {
		views = append(views, toEventView(event))
	}

	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid project id"))

		return
	}

	projectID := events.ProjectID(id)
	if err := projectID.Validate(); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if err := s.eventStore.DeleteProject(r.Context(), projectID); err != nil {
		s.logger.Error("project deletion failed",
			slog.String("project_id", projectID.String()),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("project deletion failed"))

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePostSubscriptions(w http.ResponseWriter, r *http.Request) {
	var req dispatch.SubscriptionRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("malformed subscription"))

		return
	}

	if err := s.registry.Subscribe(r.Context(), req); err != nil {
		if errors.Is(err, events.ErrUnknownCategory) ||
			errors.Is(err, dispatch.ErrInvalidSubscription) ||
			errors.Is(err, dispatch.ErrUnknownVersion) {
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

			return
		}

		s.logger.Error("subscription failed", slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("subscription failed"))

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePostMigrationStatus(w http.ResponseWriter, r *http.Request) {
	var msg migrationStatusMessage

	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("malformed migration status"))

		return
	}

	status, ok := migrationStatusFromSubCategory(msg.SubCategory)
	if !ok {
		WriteErrorResponse(w, r, s.logger, BadRequest("unknown subCategory"))

		return
	}

	if msg.SubscriberURL == "" || msg.SubscriberVersion == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("subscriberUrl and subscriberVersion are required"))

		return
	}

	err := s.migrationStore.UpdateStatus(r.Context(), msg.SubscriberURL, msg.SubscriberVersion, status, msg.Message)
	if err != nil {
		s.logger.Error("migration status update failed",
			slog.String("subscriber_url", msg.SubscriberURL),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("migration status update failed"))

		return
	}

	w.WriteHeader(http.StatusOK)
}

func migrationStatusFromSubCategory(subCategory string) (storage.MigrationStatus, bool) {
	switch subCategory {
	case "ToSent":
		return storage.MigrationSent, true
	case "ToDone":
		return storage.MigrationDone, true
	case "ToRecoverableFailure":
		return storage.MigrationRecFailure, true
	case "ToNonRecoverableFailure":
		return storage.MigrationNonRecFailure, true
	default:
		return "", false
	}
}

func readPayloadPart(r *http.Request) ([]byte, error) {
	file, _, err := r.FormFile("payload")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}

		return nil, err
	}
	defer func() { _ = file.Close() }()

	return io.ReadAll(file)
}

func toEventView(event events.Event) eventView {
	view := eventView{
		ID:            string(event.ID),
		ProjectID:     int(event.Project.ID),
		ProjectSlug:   string(event.Project.Slug),
		Status:        string(event.Status),
		EventDate:     event.EventDate,
		ExecutionDate: event.ExecutionDate,
		Message:       event.Message,
	}

	for _, pt := range event.ProcessingTimes {
		view.ProcessingTimes = append(view.ProcessingTimes, processingTimeView{
			Status:         string(pt.Status),
			ProcessingTime: pt.Duration.String(),
		})
	}

	return view
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
