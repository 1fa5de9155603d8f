package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Migration is one schema step. Up and Down run inside the transaction that
// records the step, so a failed step leaves no version row behind.
type Migration struct {
	Version int64
	Name    string
	Up      func(*sql.Tx) error
	Down    func(*sql.Tx) error
}

// Migrator applies and reverts migrations against a database
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a migrator with no registered migrations
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{
		db:         db,
		migrations: []Migration{},
	}
}

// NewDefaultMigrator creates a migrator loaded with every schema migration of the service
func NewDefaultMigrator(db *sql.DB) *Migrator {
	m := NewMigrator(db)
	for _, migration := range GetLeaseMigrations() {
		m.AddMigration(migration)
	}
	return m
}

// AddMigration registers a migration, keeping the list ordered by version
func (m *Migrator) AddMigration(migration Migration) {
	m.migrations = append(m.migrations, migration)
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
}

// RunMigrations applies every migration newer than the recorded version
func (m *Migrator) RunMigrations(ctx context.Context) error {
	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := m.GetCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range m.migrations {
		if migration.Version <= currentVersion {
			continue
		}
		if err := m.apply(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}

	return nil
}

// Rollback reverts applied migrations, newest first, until the recorded
// version is at or below target.
func (m *Migrator) Rollback(ctx context.Context, target int64) error {
	currentVersion, err := m.GetCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version > currentVersion || migration.Version <= target {
			continue
		}
		if migration.Down == nil {
			return fmt.Errorf("migration %d (%s) has no down step", migration.Version, migration.Name)
		}
		if err := m.revert(ctx, migration); err != nil {
			return fmt.Errorf("failed to revert migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}

	return nil
}

func (m *Migrator) createMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version BIGINT NOT NULL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at BIGINT NOT NULL
		)
	`)
	return err
}

// GetCurrentVersion returns the highest applied version, 0 when none
func (m *Migrator) GetCurrentVersion(ctx context.Context) (int64, error) {
	var version int64
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// GetMigrations returns all registered migrations
func (m *Migrator) GetMigrations() []Migration {
	return m.migrations
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if migration.Up != nil {
			if err := migration.Up(tx); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			migration.Version, migration.Name, time.Now().UnixMilli())
		return err
	})
}

func (m *Migrator) revert(ctx context.Context, migration Migration) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if err := migration.Down(tx); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", migration.Version)
		return err
	})
}

func (m *Migrator) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			log.WithError(rollbackErr).Warn("migration_rollback_failed")
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
