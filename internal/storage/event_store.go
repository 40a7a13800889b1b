package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/renkulab/kg-pipeline/internal/config"
	"github.com/renkulab/kg-pipeline/internal/events"
)

// UpsertResult describes the outcome of EventStore.Upsert.
type UpsertResult string

// Upsert outcomes.
const (
	// UpsertCreated: the event did not exist and was inserted in status NEW.
	UpsertCreated UpsertResult = "CREATED"
	// UpsertExisted: the event existed in SKIPPED, NEW or
	// GENERATION_RECOVERABLE_FAILURE and was reset to NEW.
	UpsertExisted UpsertResult = "EXISTED"
	// UpsertSkipped: the event existed in any other status and was left untouched.
	UpsertSkipped UpsertResult = "SKIPPED"
)

// UpdateResult describes the outcome of a status CAS.
type UpdateResult string

// CAS outcomes.
const (
	UpdateApplied  UpdateResult = "UPDATED"
	UpdateNotFound UpdateResult = "NOT_FOUND"
	UpdateConflict UpdateResult = "CONFLICT"
)

// ErrEventNotFound is returned by lookups addressing a non-existent event.
var ErrEventNotFound = errors.New("event not found")

type (
	// EventStore is the durable per-project event log (C1). Every write runs
	// under a transaction; concurrent status updates on the same event are
	// serialised by the row lock on the compound key, and dispatch reads use
	// FOR UPDATE SKIP LOCKED so two producers never claim the same event.
	EventStore struct {
		conn   *Connection
		logger *slog.Logger
		now    func() time.Time
	}

	// StatusUpdate carries a CAS from one of From to To together with the
	// mutations applied in the same transaction.
	StatusUpdate struct {
		From []events.Status
		To   events.Status

		// Message replaces the event message; ClearMessage resets it to NULL.
		Message      string
		ClearMessage bool

		// Payload replaces the zipped payload; ClearPayload resets it to NULL.
		Payload      []byte
		ClearPayload bool

		// ExecutionDelay pushes execution_date to now+delay (recoverable failures).
		ExecutionDelay time.Duration

		// ProcessingTime appends a per-phase duration row.
		ProcessingTime *events.ProcessingTime

		// DeleteDelivery removes the delivery row in the same transaction.
		DeleteDelivery bool
	}
)

// NewEventStore creates a Postgres-backed event store.
func NewEventStore(conn *Connection) (*EventStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &EventStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the store clock. Tests only.
func (s *EventStore) WithClock(now func() time.Time) *EventStore {
	s.now = now

	return s
}

// Upsert inserts the event if absent. If present in status SKIPPED, NEW or
// GENERATION_RECOVERABLE_FAILURE the row is reset to NEW (new push for a
// commit we previously gave up on); any other status is left untouched.
func (s *EventStore) Upsert(ctx context.Context, event events.Event) (UpsertResult, error) {
	if err := event.Validate(); err != nil {
		return "", fmt.Errorf("invalid event: %w", err)
	}

	now := s.now()
	event.EventDate = events.ClampEventDate(event.EventDate, now)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", mapError("upsert event", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertProject(ctx, tx, event.Project, event.EventDate); err != nil {
		return "", mapError("upsert project", err)
	}

	var inserted bool

	err = tx.QueryRowContext(ctx, `
		INSERT INTO events (event_id, project_id, status, event_date, created_date, execution_date, batch_date, message, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
		ON CONFLICT (event_id, project_id) DO NOTHING
		RETURNING TRUE`,
		event.ID, event.Project.ID, event.Status, event.EventDate,
		event.CreatedDate, event.ExecutionDate, event.BatchDate,
		event.Message, event.Payload,
	).Scan(&inserted)

	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return "", mapError("upsert event", err)
		}

		return UpsertCreated, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to the reset path below
	default:
		return "", mapError("upsert event", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE events
		SET status = $3, execution_date = $4, batch_date = $4, message = NULL
		WHERE event_id = $1 AND project_id = $2 AND status = ANY($5)`,
		event.ID, event.Project.ID, events.StatusNew, now,
		statusArray(events.StatusSkipped, events.StatusNew, events.StatusGenerationRecFailure),
	)
	if err != nil {
		return "", mapError("upsert event", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return "", mapError("upsert event", err)
	}

	if err := tx.Commit(); err != nil {
		return "", mapError("upsert event", err)
	}

	if affected > 0 {
		return UpsertExisted, nil
	}

	return UpsertSkipped, nil
}

// UpdateStatus applies an atomic CAS: the transition succeeds iff the current
// status is one of update.From. All mutations happen in the same transaction.
func (s *EventStore) UpdateStatus(
	ctx context.Context,
	id events.CompoundID,
	update StatusUpdate,
) (UpdateResult, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", mapError("update status", err)
	}
	defer func() { _ = tx.Rollback() }()

	outcome, err := s.updateStatusTx(ctx, tx, id, update)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", mapError("update status", err)
	}

	return outcome, nil
}

// updateStatusTx is the transaction body of UpdateStatus, shared with the
// batch promotion and the zombie reclaim which need extra statements in the
// same transaction.
func (s *EventStore) updateStatusTx(
	ctx context.Context,
	tx *sql.Tx,
	id events.CompoundID,
	update StatusUpdate,
) (UpdateResult, error) {
	now := s.now()

	executionDate := sql.NullTime{}
	if update.ExecutionDelay > 0 {
		executionDate = sql.NullTime{Time: now.Add(update.ExecutionDelay), Valid: true}
	}

	message := sql.NullString{}
	if update.Message != "" {
		message = sql.NullString{String: update.Message, Valid: true}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE events
		SET status = $3,
		    message = CASE WHEN $4::boolean THEN NULL WHEN $5::text IS NOT NULL THEN $5 ELSE message END,
		    payload = CASE WHEN $6::boolean THEN NULL WHEN $7::bytea IS NOT NULL THEN $7 ELSE payload END,
		    execution_date = COALESCE($8::timestamptz, execution_date)
		WHERE event_id = $1 AND project_id = $2 AND status = ANY($9)`,
		id.EventID, id.ProjectID, update.To,
		update.ClearMessage, message,
		update.ClearPayload, update.Payload,
		executionDate,
		statusArray(update.From...),
	)
	if err != nil {
		return "", mapError("update status", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return "", mapError("update status", err)
	}

	if affected == 0 {
		var current events.Status

		err := tx.QueryRowContext(ctx,
			`SELECT status FROM events WHERE event_id = $1 AND project_id = $2`,
			id.EventID, id.ProjectID,
		).Scan(&current)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			return UpdateNotFound, nil
		case err != nil:
			return "", mapError("update status", err)
		default:
			s.logger.Debug("status CAS lost",
				slog.String("event_id", string(id.EventID)),
				slog.String("project_id", id.ProjectID.String()),
				slog.String("current_status", string(current)),
				slog.String("target_status", string(update.To)),
			)

			return UpdateConflict, nil
		}
	}

	if update.ProcessingTime != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO processing_times (event_id, project_id, status, processing_time)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id, project_id, status) DO UPDATE SET processing_time = EXCLUDED.processing_time`,
			id.EventID, id.ProjectID, update.ProcessingTime.Status, update.ProcessingTime.Duration.Nanoseconds(),
		); err != nil {
			return "", mapError("append processing time", err)
		}
	}

	if update.DeleteDelivery {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM event_deliveries WHERE event_id = $1 AND project_id = $2`,
			id.EventID, id.ProjectID,
		); err != nil {
			return "", mapError("delete delivery", err)
		}
	}

	return UpdateApplied, nil
}

// ToTriplesStore moves the event to TRIPLES_STORE and atomically promotes
// every same-project event with an older or equal event_date that is still in
// an earlier-stage status. Events with a strictly later event_date are never
// touched.
func (s *EventStore) ToTriplesStore(
	ctx context.Context,
	id events.CompoundID,
	processingTime *events.ProcessingTime,
) (UpdateResult, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", mapError("to triples store", err)
	}
	defer func() { _ = tx.Rollback() }()

	outcome, err := s.updateStatusTx(ctx, tx, id, StatusUpdate{
		From:           []events.Status{events.StatusTransformingTriples},
		To:             events.StatusTriplesStore,
		ClearMessage:   true,
		ProcessingTime: processingTime,
		DeleteDelivery: true,
	})
	if err != nil || outcome != UpdateApplied {
		return outcome, err
	}

	// Older or same-dated events of the project that never made it through the
	// pipeline are subsumed by this one: their commits are ancestors of the
	// commit just written to the triples store.
	if _, err := tx.ExecContext(ctx, `
		UPDATE events
		SET status = $1, message = NULL
		WHERE project_id = $2
		  AND event_date <= (SELECT event_date FROM events WHERE event_id = $3 AND project_id = $2)
		  AND status = ANY($4)`,
		events.StatusTriplesStore, id.ProjectID, id.EventID,
		statusArray(
			events.StatusNew,
			events.StatusGeneratingTriples,
			events.StatusTriplesGenerated,
			events.StatusTransformingTriples,
			events.StatusGenerationRecFailure,
			events.StatusTransformationRecFailure,
		),
	); err != nil {
		return "", mapError("batch promotion", err)
	}

	// Promoted events cannot stay owned by anyone.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM event_deliveries d
		USING events e
		WHERE d.event_id = e.event_id AND d.project_id = e.project_id
		  AND e.project_id = $1 AND e.status = $2`,
		id.ProjectID, events.StatusTriplesStore,
	); err != nil {
		return "", mapError("batch promotion delivery cleanup", err)
	}

	if err := tx.Commit(); err != nil {
		return "", mapError("to triples store", err)
	}

	return UpdateApplied, nil
}

// FindEvent loads a single event with its processing times.
func (s *EventStore) FindEvent(ctx context.Context, id events.CompoundID) (*events.Event, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT e.event_id, e.project_id, p.project_slug, e.status, e.event_date,
		       e.created_date, e.execution_date, e.batch_date, e.message, e.payload
		FROM events e
		JOIN projects p ON p.project_id = e.project_id
		WHERE e.event_id = $1 AND e.project_id = $2`,
		id.EventID, id.ProjectID,
	)

	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}

		return nil, mapError("find event", err)
	}

	times, err := s.findProcessingTimes(ctx, id)
	if err != nil {
		return nil, err
	}

	event.ProcessingTimes = times

	return event, nil
}

// FindProjectEvents enumerates all events of a project ordered by event_date.
func (s *EventStore) FindProjectEvents(ctx context.Context, projectID events.ProjectID) ([]events.Event, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT e.event_id, e.project_id, p.project_slug, e.status, e.event_date,
		       e.created_date, e.execution_date, e.batch_date, e.message, e.payload
		FROM events e
		JOIN projects p ON p.project_id = e.project_id
		WHERE e.project_id = $1
		ORDER BY e.event_date, e.event_id`,
		projectID,
	)
	if err != nil {
		return nil, mapError("find project events", err)
	}
	defer func() { _ = rows.Close() }()

	var result []events.Event

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, mapError("find project events", err)
		}

		result = append(result, *event)
	}

	if err := rows.Err(); err != nil {
		return nil, mapError("find project events", err)
	}

	return result, nil
}

// DeleteProject cascade-deletes the project with its events, processing times
// and deliveries.
func (s *EventStore) DeleteProject(ctx context.Context, projectID events.ProjectID) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapError("delete project", err)
	}
	defer func() { _ = tx.Rollback() }()

	// events, processing_times and event_deliveries cascade from projects.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM projects WHERE project_id = $1`, projectID,
	); err != nil {
		return mapError("delete project", err)
	}

	if err := tx.Commit(); err != nil {
		return mapError("delete project", err)
	}

	return nil
}

// MarkProjectEventsNew bulk-transitions all non-terminal events of a project
// back to NEW (used after project cleanup) and drops their deliveries.
func (s *EventStore) MarkProjectEventsNew(ctx context.Context, projectID events.ProjectID) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapError("project events to new", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE events
		SET status = $1, message = NULL, payload = NULL, execution_date = $2
		WHERE project_id = $3 AND status = ANY($4)`,
		events.StatusNew, s.now(), projectID,
		statusArray(
			events.StatusGeneratingTriples,
			events.StatusTriplesGenerated,
			events.StatusTransformingTriples,
			events.StatusGenerationRecFailure,
			events.StatusTransformationRecFailure,
			events.StatusAwaitingDeletion,
			events.StatusDeleting,
		),
	)
	if err != nil {
		return 0, mapError("project events to new", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, mapError("project events to new", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM event_deliveries WHERE project_id = $1`, projectID,
	); err != nil {
		return 0, mapError("project events to new", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, mapError("project events to new", err)
	}

	return affected, nil
}

// RedoProjectTransformation moves the project's newest TRIPLES_STORE event
// back to TRIPLES_GENERATED so the transformation runs again, typically after
// a transformation bug fix. Returns false when the project has no event in
// TRIPLES_STORE.
func (s *EventStore) RedoProjectTransformation(ctx context.Context, projectID events.ProjectID) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE events
		SET status = $1, message = NULL
		WHERE (event_id, project_id) = (
			SELECT event_id, project_id FROM events
			WHERE project_id = $2 AND status = $3
			ORDER BY event_date DESC
			LIMIT 1
		)`,
		events.StatusTriplesGenerated, projectID, events.StatusTriplesStore,
	)
	if err != nil {
		return false, mapError("redo project transformation", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, mapError("redo project transformation", err)
	}

	return affected > 0, nil
}

// CountInStatus counts events currently in the given status. Capacity queries
// of the producers go through this.
func (s *EventStore) CountInStatus(ctx context.Context, status events.Status) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE status = $1`, status,
	).Scan(&count)
	if err != nil {
		return 0, mapError("count in status", err)
	}

	return count, nil
}

// CountPerStatus returns the event count for every status; the Prometheus
// gauges refresh from this.
func (s *EventStore) CountPerStatus(ctx context.Context) (map[events.Status]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM events GROUP BY status`,
	)
	if err != nil {
		return nil, mapError("count per status", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[events.Status]int)

	for rows.Next() {
		var (
			status events.Status
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, mapError("count per status", err)
		}

		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, mapError("count per status", err)
	}

	return counts, nil
}

func (s *EventStore) findProcessingTimes(ctx context.Context, id events.CompoundID) ([]events.ProcessingTime, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT status, processing_time
		FROM processing_times
		WHERE event_id = $1 AND project_id = $2
		ORDER BY status`,
		id.EventID, id.ProjectID,
	)
	if err != nil {
		return nil, mapError("find processing times", err)
	}
	defer func() { _ = rows.Close() }()

	var times []events.ProcessingTime

	for rows.Next() {
		var (
			status events.Status
			nanos  int64
		)

		if err := rows.Scan(&status, &nanos); err != nil {
			return nil, mapError("find processing times", err)
		}

		times = append(times, events.ProcessingTime{Status: status, Duration: time.Duration(nanos)})
	}

	if err := rows.Err(); err != nil {
		return nil, mapError("find processing times", err)
	}

	return times, nil
}

// upsertProject lazily creates the project row on first contact and keeps
// latest_event_date monotonically increasing. The slug is immutable once
// persisted.
func upsertProject(ctx context.Context, tx *sql.Tx, project events.Project, eventDate time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projects (project_id, project_slug, latest_event_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id)
		DO UPDATE SET latest_event_date = GREATEST(projects.latest_event_date, EXCLUDED.latest_event_date)`,
		project.ID, project.Slug, eventDate,
	)

	return err
}

// scanEvent reads one event row from either a *sql.Row or *sql.Rows.
func scanEvent(row interface{ Scan(...any) error }) (*events.Event, error) {
	var (
		event   events.Event
		message sql.NullString
		payload []byte
	)

	if err := row.Scan(
		&event.ID, &event.Project.ID, &event.Project.Slug, &event.Status,
		&event.EventDate, &event.CreatedDate, &event.ExecutionDate,
		&event.BatchDate, &message, &payload,
	); err != nil {
		return nil, err
	}

	event.Message = message.String
	event.Payload = payload

	return &event, nil
}

// statusArray converts statuses to a pq-compatible text array parameter.
func statusArray(statuses ...events.Status) pq.StringArray {
	arr := make(pq.StringArray, len(statuses))
	for i, status := range statuses {
		arr[i] = string(status)
	}

	return arr
}
