package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/renkulab/kg-pipeline/internal/events"
)

// ErrDeliveryExists is returned when registering a delivery for an event that
// already has one. One row per in-flight event is an invariant.
var ErrDeliveryExists = errors.New("event already has a delivery")

type (
	// Delivery asserts that a subscriber currently holds an event.
	Delivery struct {
		EventID       events.EventID
		ProjectID     events.ProjectID
		DeliveryID    string
		SubscriberURL string
		Category      events.Category
		CreatedDate   time.Time
	}

	// DeliveryStore persists deliveries. The row is written before the
	// dispatch POST so a crash between selection and POST leaves a trail the
	// zombie reaper can act on.
	DeliveryStore struct {
		conn *Connection
		now  func() time.Time
	}
)

// NewDeliveryStore creates a Postgres-backed delivery store.
func NewDeliveryStore(conn *Connection) (*DeliveryStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &DeliveryStore{
		conn: conn,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register records that the subscriber is about to receive the event.
func (s *DeliveryStore) Register(ctx context.Context, delivery Delivery) error {
	result, err := s.conn.ExecContext(ctx, `
		INSERT INTO event_deliveries (event_id, project_id, delivery_id, subscriber_url, category, created_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id, project_id) DO NOTHING`,
		delivery.EventID, delivery.ProjectID, delivery.DeliveryID,
		delivery.SubscriberURL, delivery.Category, s.now(),
	)
	if err != nil {
		return mapError("register delivery", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return mapError("register delivery", err)
	}

	if affected == 0 {
		return ErrDeliveryExists
	}

	return nil
}

// Delete removes the delivery of an event. Deleting a non-existent delivery is
// not an error; rollback paths race with status-change handlers.
func (s *DeliveryStore) Delete(ctx context.Context, id events.CompoundID) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM event_deliveries WHERE event_id = $1 AND project_id = $2`,
		id.EventID, id.ProjectID,
	)

	return mapError("delete delivery", err)
}

// Find returns the delivery of an event, or nil when the event is not held by
// anyone.
func (s *DeliveryStore) Find(ctx context.Context, id events.CompoundID) (*Delivery, error) {
	var delivery Delivery

	err := s.conn.QueryRowContext(ctx, `
		SELECT event_id, project_id, delivery_id, subscriber_url, category, created_date
		FROM event_deliveries
		WHERE event_id = $1 AND project_id = $2`,
		id.EventID, id.ProjectID,
	).Scan(
		&delivery.EventID, &delivery.ProjectID, &delivery.DeliveryID,
		&delivery.SubscriberURL, &delivery.Category, &delivery.CreatedDate,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, mapError("find delivery", err)
	}

	return &delivery, nil
}
