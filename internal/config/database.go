package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/jbweber/homelab/tunnelguard/internal/migrations"
	"github.com/jbweber/homelab/tunnelguard/internal/repository"
)

// InitializeDatabase opens the configured store, tunes the pool and runs
// migrations.
func (c *Config) InitializeDatabase(ctx context.Context) (*sql.DB, repository.Dialect, error) {
	dialect, err := repository.ParseDialect(c.Database.Driver)
	if err != nil {
		return nil, "", err
	}

	dsn := c.Database.DSN
	driver := "mysql"
	if dialect == repository.DialectSQLite {
		driver = "sqlite"
		dsn = expandPath(dsn)
		if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
			// Ensure database directory exists
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, "", fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}

	OptimizeDatabaseConnection(db, dialect)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialect == repository.DialectSQLite {
		if err := ApplyPragmaOptimizations(ctx, db); err != nil {
			db.Close()
			return nil, "", fmt.Errorf("failed to apply performance optimizations: %w", err)
		}
	}

	if err := migrations.NewDefaultMigrator(db).RunMigrations(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, dialect, nil
}

// OptimizeDatabaseConnection sizes the pool. SQLite gets a single connection
// so writers queue in the pool instead of failing with SQLITE_BUSY.
func OptimizeDatabaseConnection(db *sql.DB, dialect repository.Dialect) {
	if dialect == repository.DialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		return
	}
	db.SetMaxOpenConns(10)                 // Limit concurrent connections
	db.SetMaxIdleConns(5)                  // Keep some connections alive
	db.SetConnMaxLifetime(5 * time.Minute) // Recycle connections periodically
	db.SetConnMaxIdleTime(1 * time.Minute) // Close idle connections after 1 minute
}

// ApplyPragmaOptimizations applies SQLite-specific performance pragmas
func ApplyPragmaOptimizations(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",    // Write-Ahead Logging for better concurrency
		"PRAGMA synchronous = NORMAL",  // Balance between safety and performance
		"PRAGMA busy_timeout = 5000",   // Wait for other processes holding the lock
		"PRAGMA cache_size = 10000",    // Increase cache size (10MB)
		"PRAGMA temp_store = MEMORY",   // Store temporary tables in memory
		"PRAGMA mmap_size = 268435456", // 256MB memory mapping
		"PRAGMA optimize",              // Enable query optimizer
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return nil
}
