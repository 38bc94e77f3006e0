// Package db provides database schema migration management.
package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered, append-only schema history. The partial
// unique index on (endpoint, method, idempotency_key) enforces the dedup
// invariant for pending operations at the storage layer; the secondary
// indexes back the ordered listing contract.
var migrations = []Migration{
	{
		Version:     1,
		Description: "create operations outbox table",
		SQL: `
		CREATE TABLE operations (
			id TEXT PRIMARY KEY,
			method TEXT NOT NULL CHECK (method IN ('CREATE','UPDATE','DELETE')),
			endpoint TEXT NOT NULL CHECK (length(endpoint) > 0),
			payload TEXT NOT NULL DEFAULT '{}',
			headers TEXT NOT NULL DEFAULT '{}',
			idempotency_key TEXT,
			priority TEXT NOT NULL DEFAULT 'normal' CHECK (priority IN ('high','normal','low')),
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','failed')),
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			created_at INTEGER NOT NULL CHECK (created_at > 0),
			next_retry_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			temp_id TEXT NOT NULL DEFAULT '',
			force_write INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX idx_operations_status ON operations(status);
		CREATE INDEX idx_operations_order ON operations(priority, created_at);
		CREATE INDEX idx_operations_created_at ON operations(created_at);

		CREATE UNIQUE INDEX idx_operations_dedup
			ON operations(endpoint, method, idempotency_key)
			WHERE idempotency_key IS NOT NULL AND status = 'pending';
		`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Up applies all pending migrations in order, each in its own transaction.
func (m *Migrator) Up() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", mig.Version, err)
		}

		if _, err := tx.Exec(mig.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			mig.Version, time.Now().Unix(), mig.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", mig.Version, err)
		}
	}

	return nil
}

// Setup opens the database under dataDir and applies all migrations.
func Setup(dataDir string) (*DB, error) {
	database, err := Open(dataDir)
	if err != nil {
		return nil, err
	}

	migrator := NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, err
	}

	return database, nil
}
