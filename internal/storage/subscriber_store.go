package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/renkulab/kg-pipeline/internal/events"
)

type (
	// Subscriber is a registered worker for one category. The source URL
	// identifies the worker host so deliveries can be reassigned when the
	// host disappears; the capacity, when present, caps concurrent events
	// held by the subscriber.
	Subscriber struct {
		Category  events.Category
		URL       string
		ID        string
		SourceURL string
		Capacity  *int
		LastSeen  time.Time
	}

	// SubscriberStore persists the per-category subscriber registry.
	SubscriberStore struct {
		conn *Connection
		now  func() time.Time
	}
)

// NewSubscriberStore creates a Postgres-backed subscriber store.
func NewSubscriberStore(conn *Connection) (*SubscriberStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &SubscriberStore{
		conn: conn,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Upsert inserts or refreshes a subscription. Renewals go through the same
// path; last_seen drives idle eviction.
func (s *SubscriberStore) Upsert(ctx context.Context, subscriber Subscriber) error {
	capacity := sql.NullInt64{}
	if subscriber.Capacity != nil {
		capacity = sql.NullInt64{Int64: int64(*subscriber.Capacity), Valid: true}
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO subscribers (category, subscriber_url, subscriber_id, source_url, capacity, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (category, subscriber_url)
		DO UPDATE SET subscriber_id = EXCLUDED.subscriber_id,
		              source_url = EXCLUDED.source_url,
		              capacity = EXCLUDED.capacity,
		              last_seen = EXCLUDED.last_seen`,
		subscriber.Category, subscriber.URL, subscriber.ID,
		subscriber.SourceURL, capacity, s.now(),
	)

	return mapError("upsert subscriber", err)
}

// Delete removes a subscriber from one category.
func (s *SubscriberStore) Delete(ctx context.Context, category events.Category, url string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM subscribers WHERE category = $1 AND subscriber_url = $2`,
		category, url,
	)

	return mapError("delete subscriber", err)
}

// ListForCategory returns all subscribers of a category ordered by URL, which
// keeps the round-robin deterministic across refreshes.
func (s *SubscriberStore) ListForCategory(ctx context.Context, category events.Category) ([]Subscriber, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT category, subscriber_url, subscriber_id, source_url, capacity, last_seen
		FROM subscribers
		WHERE category = $1
		ORDER BY subscriber_url`,
		category,
	)
	if err != nil {
		return nil, mapError("list subscribers", err)
	}
	defer func() { _ = rows.Close() }()

	var subscribers []Subscriber

	for rows.Next() {
		var (
			subscriber Subscriber
			capacity   sql.NullInt64
		)

		if err := rows.Scan(
			&subscriber.Category, &subscriber.URL, &subscriber.ID,
			&subscriber.SourceURL, &capacity, &subscriber.LastSeen,
		); err != nil {
			return nil, mapError("list subscribers", err)
		}

		if capacity.Valid {
			value := int(capacity.Int64)
			subscriber.Capacity = &value
		}

		subscribers = append(subscribers, subscriber)
	}

	if err := rows.Err(); err != nil {
		return nil, mapError("list subscribers", err)
	}

	return subscribers, nil
}

// EvictIdle deletes subscribers that have not renewed within the timeout and
// returns their URLs so the dispatcher can drop their deliveries.
func (s *SubscriberStore) EvictIdle(ctx context.Context, idleTimeout time.Duration) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
		DELETE FROM subscribers
		WHERE last_seen < $1
		RETURNING subscriber_url`,
		s.now().Add(-idleTimeout),
	)
	if err != nil {
		return nil, mapError("evict idle subscribers", err)
	}
	defer func() { _ = rows.Close() }()

	var evicted []string

	for rows.Next() {
		var url string

		if err := rows.Scan(&url); err != nil {
			return nil, mapError("evict idle subscribers", err)
		}

		evicted = append(evicted, url)
	}

	if err := rows.Err(); err != nil {
		return nil, mapError("evict idle subscribers", err)
	}

	return evicted, nil
}

// CountHeldBy counts events currently delivered to the subscriber in the
// category; the dispatcher uses it for capacity-aware fairness.
func (s *SubscriberStore) CountHeldBy(ctx context.Context, category events.Category, url string) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_deliveries WHERE category = $1 AND subscriber_url = $2`,
		category, url,
	).Scan(&count)
	if err != nil {
		return 0, mapError("count held events", err)
	}

	return count, nil
}
