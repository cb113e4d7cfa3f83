// Package migrations applies versioned schema changes to forge's SQLite
// database.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Migration is one forward-only schema change
type Migration struct {
	Version     int
	Description string
	Up          string
}

// Manager applies a fixed set of migrations in version order
type Manager struct {
	migrations []Migration
}

// NewManager creates a migration manager with the given migrations registered.
// Registration order does not matter.
func NewManager(migrations ...Migration) *Manager {
	m := &Manager{migrations: append([]Migration(nil), migrations...)}
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
	return m
}

// Latest returns the highest registered version (0 if none)
func (m *Manager) Latest() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// Apply applies all pending migrations and returns the resulting version.
// A database already past Latest was written by a newer build and is
// refused rather than used with a schema this build does not understand.
func (m *Manager) Apply(ctx context.Context, db *sql.DB) (int, error) {
	if err := createVersionTable(ctx, db); err != nil {
		return 0, fmt.Errorf("failed to create version table: %w", err)
	}

	current, err := Version(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	if latest := m.Latest(); current > latest {
		return current, fmt.Errorf("database schema version %d is newer than this build supports (%d)", current, latest)
	}

	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := apply(ctx, db, mig); err != nil {
			return current, fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Description, err)
		}
		slog.Debug("applied schema migration", "version", mig.Version, "description", mig.Description)
		current = mig.Version
	}
	return current, nil
}

// Version returns the highest applied migration version (0 if none)
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}

func createVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

// apply runs the migration and records it in one transaction
func apply(ctx context.Context, db *sql.DB, mig Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)",
		mig.Version, mig.Description, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
