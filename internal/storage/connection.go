// Package storage provides the PostgreSQL persistence layer of the event log:
// the shared connection pool, the event store with its status CAS semantics,
// the delivery and subscriber registries and the triples-store migration table.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Sentinel errors shared by all stores in this package.
var (
	// ErrNoDatabaseConnection is returned when a store is built without a connection.
	ErrNoDatabaseConnection = errors.New("database connection is required")

	// ErrDeadlockDetected is returned when Postgres reports a serialisation or
	// deadlock failure. Callers retry the whole transaction.
	ErrDeadlockDetected = errors.New("deadlock detected")
)

// Connection wraps the shared *sql.DB pool with configuration-driven limits.
// All stores in this package go through it, which keeps pool tuning and
// health checking in one place.
type Connection struct {
	db *sql.DB
}

// Connect opens a pooled connection using the given configuration and verifies
// it with a ping.
func Connect(ctx context.Context, cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{db: db}, nil
}

// NewConnection wraps an existing *sql.DB. Used by tests that provision the
// database through testcontainers.
func NewConnection(db *sql.DB) *Connection {
	return &Connection{db: db}
}

// BeginTx starts a transaction.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// ExecContext executes a statement outside a transaction.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query outside a transaction.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query outside a transaction.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// HealthCheck verifies the database is reachable. Used by the readiness probe.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close releases the pool.
func (c *Connection) Close() error {
	return c.db.Close()
}
