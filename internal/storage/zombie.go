package storage

import (
	"context"
	"time"

	"github.com/renkulab/kg-pipeline/internal/events"
)

// ZombieEvent is an in-flight event whose subscriber is gone or whose
// execution has stalled past the grace period.
type ZombieEvent struct {
	ID     events.CompoundID
	Status events.Status
}

// FindZombieEvents scans for events in a processing status where either no
// delivery row exists, the delivery points at a subscriber that is no longer
// registered, or the event has been in flight longer than the grace period.
func (s *EventStore) FindZombieEvents(ctx context.Context, gracePeriod time.Duration) ([]ZombieEvent, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT e.event_id, e.project_id, e.status
		FROM events e
		LEFT JOIN event_deliveries d
		  ON d.event_id = e.event_id AND d.project_id = e.project_id
		WHERE e.status = ANY($1)
		  AND (
			d.delivery_id IS NULL
			OR NOT EXISTS (
				SELECT 1 FROM subscribers s
				WHERE s.category = d.category AND s.subscriber_url = d.subscriber_url
			)
			OR e.execution_date < $2
		  )`,
		statusArray(events.ProcessingStatuses()...), s.now().Add(-gracePeriod),
	)
	if err != nil {
		return nil, mapError("find zombie events", err)
	}
	defer func() { _ = rows.Close() }()

	var zombies []ZombieEvent

	for rows.Next() {
		var zombie ZombieEvent

		if err := rows.Scan(&zombie.ID.EventID, &zombie.ID.ProjectID, &zombie.Status); err != nil {
			return nil, mapError("find zombie events", err)
		}

		zombies = append(zombies, zombie)
	}

	if err := rows.Err(); err != nil {
		return nil, mapError("find zombie events", err)
	}

	return zombies, nil
}

// ReclaimZombie rolls a stuck event back to the predecessor of its processing
// status, marks it with the zombie sentinel and drops its delivery. The update
// is conditional on the message not already being the sentinel, so an event is
// only reclaimed once per stall.
func (s *EventStore) ReclaimZombie(ctx context.Context, zombie ZombieEvent) (UpdateResult, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", mapError("reclaim zombie", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE events
		SET status = $3, message = $4, execution_date = $5
		WHERE event_id = $1 AND project_id = $2
		  AND status = $6
		  AND (message IS NULL OR message <> $4)`,
		zombie.ID.EventID, zombie.ID.ProjectID,
		zombie.Status.Predecessor(), events.ZombieMessage, s.now(), zombie.Status,
	)
	if err != nil {
		return "", mapError("reclaim zombie", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return "", mapError("reclaim zombie", err)
	}

	if affected == 0 {
		if err := tx.Commit(); err != nil {
			return "", mapError("reclaim zombie", err)
		}

		return UpdateConflict, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM event_deliveries WHERE event_id = $1 AND project_id = $2`,
		zombie.ID.EventID, zombie.ID.ProjectID,
	); err != nil {
		return "", mapError("reclaim zombie", err)
	}

	if err := tx.Commit(); err != nil {
		return "", mapError("reclaim zombie", err)
	}

	return UpdateApplied, nil
}
