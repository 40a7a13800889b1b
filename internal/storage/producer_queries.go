package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/renkulab/kg-pipeline/internal/events"
)

// candidateLimit bounds the per-tick candidate set. The weighted pick only
// needs a handful of projects; scanning the whole table would hold the
// connection for no benefit.
const candidateLimit = 20

// ProjectCandidate is a project with at least one event eligible for pickup,
// together with the inputs of the prioritisation formula.
type ProjectCandidate struct {
	Project         events.Project
	LatestEventDate time.Time
	// Occupancy counts the project's events already in flight further down
	// the pipeline. It damps the candidate's priority.
	Occupancy int
}

// FindCandidateProjects returns projects having at least one event in an
// eligible status with execution_date due. Within each project only the most
// recent such event counts, and projects where a strictly later event already
// reached a later-stage status are excluded to preserve per-project causality.
// Projects holding an event in the processing status are excluded outright:
// a project never has two events in the same processing status at once.
func (s *EventStore) FindCandidateProjects(
	ctx context.Context,
	eligible []events.Status,
	laterStage []events.Status,
	processing events.Status,
) ([]ProjectCandidate, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT p.project_id, p.project_slug, latest.event_date,
		       (SELECT COUNT(*) FROM events o
		        WHERE o.project_id = p.project_id AND o.status = ANY($4)) AS occupancy
		FROM projects p
		JOIN LATERAL (
			SELECT e.event_date
			FROM events e
			WHERE e.project_id = p.project_id
			  AND e.status = ANY($2)
			  AND e.execution_date <= $3
			ORDER BY e.event_date DESC
			LIMIT 1
		) latest ON TRUE
		WHERE NOT EXISTS (
			SELECT 1 FROM events l
			WHERE l.project_id = p.project_id
			  AND l.event_date > latest.event_date
			  AND l.status = ANY($4)
		)
		AND NOT EXISTS (
			SELECT 1 FROM events b
			WHERE b.project_id = p.project_id
			  AND b.status = $1
		)
		ORDER BY latest.event_date DESC
		LIMIT $5`,
		processing, statusArray(eligible...), s.now(), statusArray(laterStage...), candidateLimit,
	)
	if err != nil {
		return nil, mapError("find candidate projects", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []ProjectCandidate

	for rows.Next() {
		var candidate ProjectCandidate

		if err := rows.Scan(
			&candidate.Project.ID, &candidate.Project.Slug,
			&candidate.LatestEventDate, &candidate.Occupancy,
		); err != nil {
			return nil, mapError("find candidate projects", err)
		}

		candidates = append(candidates, candidate)
	}

	if err := rows.Err(); err != nil {
		return nil, mapError("find candidate projects", err)
	}

	return candidates, nil
}

// ClaimEvent loads the newest eligible event of the project and CASes it into
// the processing status, all in one transaction. FOR UPDATE SKIP LOCKED makes
// a concurrent producer skip the row instead of blocking on it; if the row
// changed under us the claim yields nil and the producer retries next tick.
func (s *EventStore) ClaimEvent(
	ctx context.Context,
	projectID events.ProjectID,
	eligible []events.Status,
	processing events.Status,
) (*events.Event, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError("claim event", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT e.event_id, e.project_id, p.project_slug, e.status, e.event_date,
		       e.created_date, e.execution_date, e.batch_date, e.message, e.payload
		FROM events e
		JOIN projects p ON p.project_id = e.project_id
		WHERE e.project_id = $1
		  AND e.status = ANY($2)
		  AND e.execution_date <= $3
		ORDER BY e.event_date DESC
		LIMIT 1
		FOR UPDATE OF e SKIP LOCKED`,
		projectID, statusArray(eligible...), s.now(),
	)

	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, mapError("claim event", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE events SET status = $3
		WHERE event_id = $1 AND project_id = $2 AND status = $4`,
		event.ID, event.Project.ID, processing, event.Status,
	)
	if err != nil {
		return nil, mapError("claim event", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, mapError("claim event", err)
	}

	if affected == 0 {
		// Status changed under us: lose gracefully.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError("claim event", err)
	}

	event.Status = processing

	return event, nil
}

// ClaimOldestDue claims the oldest due event in an eligible status regardless
// of project. Used by the CLEAN_UP category where fairness across projects
// does not matter.
func (s *EventStore) ClaimOldestDue(
	ctx context.Context,
	eligible []events.Status,
	processing events.Status,
) (*events.Event, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError("claim oldest due", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT e.event_id, e.project_id, p.project_slug, e.status, e.event_date,
		       e.created_date, e.execution_date, e.batch_date, e.message, e.payload
		FROM events e
		JOIN projects p ON p.project_id = e.project_id
		WHERE e.status = ANY($1) AND e.execution_date <= $2
		ORDER BY e.execution_date
		LIMIT 1
		FOR UPDATE OF e SKIP LOCKED`,
		statusArray(eligible...), s.now(),
	)

	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, mapError("claim oldest due", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE events SET status = $3
		WHERE event_id = $1 AND project_id = $2 AND status = $4`,
		event.ID, event.Project.ID, processing, event.Status,
	)
	if err != nil {
		return nil, mapError("claim oldest due", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, mapError("claim oldest due", err)
	}

	if affected == 0 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError("claim oldest due", err)
	}

	event.Status = processing

	return event, nil
}

// MarkProjectSyncDue makes the project immediately eligible for the sync
// category by dropping its sync timestamp. The project row is created if this
// is the first time the event log hears about it.
func (s *EventStore) MarkProjectSyncDue(ctx context.Context, project events.Project, category events.Category) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapError("mark project sync due", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (project_id, project_slug, latest_event_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id) DO NOTHING`,
		project.ID, project.Slug, s.now(),
	); err != nil {
		return mapError("mark project sync due", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM project_sync_times WHERE project_id = $1 AND category = $2`,
		project.ID, category,
	); err != nil {
		return mapError("mark project sync due", err)
	}

	if err := tx.Commit(); err != nil {
		return mapError("mark project sync due", err)
	}

	return nil
}

// FindProjectDueForSync returns the project whose last sync in the category is
// the oldest and older than the interval, claiming it by bumping the sync
// timestamp so concurrent producers pick different projects. Projects never
// synced before sort first. Returns nil when nothing is due.
func (s *EventStore) FindProjectDueForSync(
	ctx context.Context,
	category events.Category,
	interval time.Duration,
) (*events.Project, error) {
	now := s.now()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError("find project due for sync", err)
	}
	defer func() { _ = tx.Rollback() }()

	var project events.Project

	err = tx.QueryRowContext(ctx, `
		SELECT p.project_id, p.project_slug
		FROM projects p
		LEFT JOIN project_sync_times st
		  ON st.project_id = p.project_id AND st.category = $1
		WHERE st.last_synced IS NULL OR st.last_synced <= $2
		ORDER BY st.last_synced ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE OF p SKIP LOCKED`,
		category, now.Add(-interval),
	).Scan(&project.ID, &project.Slug)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, mapError("find project due for sync", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_sync_times (project_id, category, last_synced)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, category) DO UPDATE SET last_synced = EXCLUDED.last_synced`,
		project.ID, category, now,
	); err != nil {
		return nil, mapError("find project due for sync", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError("find project due for sync", err)
	}

	return &project, nil
}
