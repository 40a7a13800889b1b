package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// MigrationStatus is the per-subscriber status of a triples-store migration.
type MigrationStatus string

// Migration statuses.
const (
	MigrationNew           MigrationStatus = "NEW"
	MigrationSent          MigrationStatus = "SENT"
	MigrationDone          MigrationStatus = "DONE"
	MigrationRecFailure    MigrationStatus = "RECOVERABLE_FAILURE"
	MigrationNonRecFailure MigrationStatus = "NON_RECOVERABLE_FAILURE"
)

// ErrUnknownMigrationStatus is returned when parsing an unrecognised status.
var ErrUnknownMigrationStatus = errors.New("unknown migration status")

type (
	// MigrationRow is the migration status of one subscriber for one service
	// version.
	MigrationRow struct {
		SubscriberURL     string
		SubscriberVersion string
		Status            MigrationStatus
		ChangeDate        time.Time
		Message           string
	}

	// MigrationStore coordinates triples-store schema migrations: for the
	// latest service version, at most one subscriber may be migrating at any
	// time (C6).
	MigrationStore struct {
		conn *Connection
		now  func() time.Time
	}
)

// NewMigrationStore creates a Postgres-backed migration store.
func NewMigrationStore(conn *Connection) (*MigrationStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &MigrationStore{
		conn: conn,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the store clock. Tests only.
func (s *MigrationStore) WithClock(now func() time.Time) *MigrationStore {
	s.now = now

	return s
}

// Register records a migration subscriber in status NEW. Re-registration of a
// known (url, version) pair leaves the existing status untouched, so a worker
// restart cannot reset a DONE migration.
func (s *MigrationStore) Register(ctx context.Context, url, version string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO ts_migrations (subscriber_url, subscriber_version, status, change_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subscriber_url, subscriber_version) DO NOTHING`,
		url, version, MigrationNew, s.now(),
	)

	return mapError("register migration subscriber", err)
}

// NextMigration implements the single-version-wins selection: it finds the
// latest registered service version and, unless that version is already done
// or being handled, claims one subscriber row by CASing it to SENT. The
// post-CAS count guard guarantees at most one concurrent migration per
// version; when the guard trips the claim is rolled back to a savepoint and
// nil is returned.
func (s *MigrationStore) NextMigration(
	ctx context.Context,
	sentTimeout, recoverableTimeout time.Duration,
) (*MigrationRow, error) {
	now := s.now()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError("next migration", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version string

	err = tx.QueryRowContext(ctx, `
		SELECT subscriber_version FROM ts_migrations
		ORDER BY change_date DESC
		LIMIT 1`,
	).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, mapError("next migration", err)
	}

	var blocked bool

	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ts_migrations
			WHERE subscriber_version = $1
			  AND (status = $2 OR (status = $3 AND change_date > $4))
		)`,
		version, MigrationDone, MigrationSent, now.Add(-sentTimeout),
	).Scan(&blocked)
	if err != nil {
		return nil, mapError("next migration", err)
	}

	if blocked {
		// Either the migration for this version is complete or another worker
		// is on it and has not timed out yet.
		return nil, nil
	}

	var row MigrationRow

	err = tx.QueryRowContext(ctx, `
		SELECT subscriber_url, subscriber_version, status, change_date, COALESCE(message, '')
		FROM ts_migrations
		WHERE subscriber_version = $1
		  AND (status = $2
		       OR (status = $3 AND change_date <= $4)
		       OR (status = $5 AND change_date <= $6))
		ORDER BY change_date DESC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		version,
		MigrationNew,
		MigrationRecFailure, now.Add(-recoverableTimeout),
		MigrationSent, now.Add(-sentTimeout),
	).Scan(&row.SubscriberURL, &row.SubscriberVersion, &row.Status, &row.ChangeDate, &row.Message)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, mapError("next migration", err)
	}

	if _, err := tx.ExecContext(ctx, `SAVEPOINT claim`); err != nil {
		return nil, mapError("next migration", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE ts_migrations
		SET status = $3, change_date = $4, message = NULL
		WHERE subscriber_url = $1 AND subscriber_version = $2
		  AND (status <> $3 OR change_date <= $5)`,
		row.SubscriberURL, row.SubscriberVersion, MigrationSent, now, now.Add(-sentTimeout),
	)
	if err != nil {
		return nil, mapError("next migration", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, mapError("next migration", err)
	}

	if affected == 0 {
		return nil, nil
	}

	var sentCount int

	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT subscriber_url) FROM ts_migrations
		WHERE subscriber_version = $1 AND status = $2`,
		row.SubscriberVersion, MigrationSent,
	).Scan(&sentCount)
	if err != nil {
		return nil, mapError("next migration", err)
	}

	if sentCount > 1 {
		// Someone else claimed concurrently; undo our claim and yield.
		if _, err := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT claim`); err != nil {
			return nil, mapError("next migration", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, mapError("next migration", err)
		}

		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError("next migration", err)
	}

	row.Status = MigrationSent
	row.ChangeDate = now
	row.Message = ""

	return &row, nil
}

// UpdateStatus records the outcome a subscriber reported for its migration.
// Only rows currently SENT can change, except DONE which is sticky.
func (s *MigrationStore) UpdateStatus(
	ctx context.Context,
	url, version string,
	status MigrationStatus,
	message string,
) error {
	messageValue := sql.NullString{}
	if message != "" {
		messageValue = sql.NullString{String: message, Valid: true}
	}

	_, err := s.conn.ExecContext(ctx, `
		UPDATE ts_migrations
		SET status = $3, change_date = $4, message = $5
		WHERE subscriber_url = $1 AND subscriber_version = $2 AND status <> $6`,
		url, version, status, s.now(), messageValue, MigrationDone,
	)

	return mapError("update migration status", err)
}

// FindRows lists all migration rows for a version, newest first. Inspection
// and tests.
func (s *MigrationStore) FindRows(ctx context.Context, version string) ([]MigrationRow, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT subscriber_url, subscriber_version, status, change_date, COALESCE(message, '')
		FROM ts_migrations
		WHERE subscriber_version = $1
		ORDER BY change_date DESC`,
		version,
	)
	if err != nil {
		return nil, mapError("find migration rows", err)
	}
	defer func() { _ = rows.Close() }()

	var result []MigrationRow

	for rows.Next() {
		var row MigrationRow

		if err := rows.Scan(
			&row.SubscriberURL, &row.SubscriberVersion, &row.Status,
			&row.ChangeDate, &row.Message,
		); err != nil {
			return nil, mapError("find migration rows", err)
		}

		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, mapError("find migration rows", err)
	}

	return result, nil
}

// ParseMigrationStatus converts the wire form of a migration status.
func ParseMigrationStatus(s string) (MigrationStatus, error) {
	switch MigrationStatus(s) {
	case MigrationNew, MigrationSent, MigrationDone, MigrationRecFailure, MigrationNonRecFailure:
		return MigrationStatus(s), nil
	default:
		return "", ErrUnknownMigrationStatus
	}
}
