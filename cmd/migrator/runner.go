package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/renkulab/kg-pipeline/migrations"
)

// Runner applies the embedded migrations using golang-migrate.
type Runner struct {
	migrate *migrate.Migrate
	db      *sql.DB
}

// NewMigrationRunner creates a migration runner wired to the embedded SQL.
func NewMigrationRunner(config *Config) (*Runner, error) {
	source, err := migrations.Source()
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return &Runner{migrate: m, db: db}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	log.Println("Applying pending migrations...")

	if err := r.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("No pending migrations.")

			return nil
		}

		return fmt.Errorf("migration up failed: %w", err)
	}

	log.Println("Migrations applied.")

	return r.Version()
}

// Down rolls back the last migration.
func (r *Runner) Down() error {
	log.Println("Rolling back last migration...")

	if err := r.migrate.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("Nothing to roll back.")

			return nil
		}

		return fmt.Errorf("migration down failed: %w", err)
	}

	return r.Version()
}

// Status shows the current migration state.
func (r *Runner) Status() error {
	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("No migrations applied yet.")

			return nil
		}

		return fmt.Errorf("failed to read migration version: %w", err)
	}

	state := "clean"
	if dirty {
		state = "DIRTY - manual intervention required"
	}

	log.Printf("Schema version %d (%s)", version, state)

	return nil
}

// Version shows the current migration version.
func (r *Runner) Version() error {
	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("Schema version: none")

			return nil
		}

		return fmt.Errorf("failed to read migration version: %w", err)
	}

	log.Printf("Schema version: %d (dirty=%t)", version, dirty)

	return nil
}

// Drop drops all tables. Destructive; the CLI asks for confirmation first.
func (r *Runner) Drop() error {
	log.Println("Dropping all tables...")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop failed: %w", err)
	}

	log.Println("All tables dropped.")

	return nil
}

// Close releases the migrator and the database connection.
func (r *Runner) Close() error {
	sourceErr, dbErr := r.migrate.Close()
	if sourceErr != nil {
		return sourceErr
	}

	if dbErr != nil {
		return dbErr
	}

	return r.db.Close()
}
