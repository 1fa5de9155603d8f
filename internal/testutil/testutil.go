package testutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"testing"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/jbweber/homelab/tunnelguard/internal/migrations"
)

// NewTestDSN generates a DSN for an in-memory SQLite database shared by every
// connection of one test.
func NewTestDSN(testName string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", testName)
}

// CleanupTestDB removes the database file behind dsn. In-memory and already
// removed databases are not an error.
func CleanupTestDB(dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return fmt.Errorf("invalid DSN format")
	}
	if strings.Contains(dsn, "mode=memory") {
		return nil
	}

	path := dsn[5:]
	if idx := strings.Index(path, "?"); idx != -1 {
		path = path[:idx]
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// SetupTestDB opens an empty test database with the single-connection pool
// the service uses for sqlite.
func SetupTestDB(t *testing.T, testName string) (*sql.DB, func()) {
	t.Helper()
	dsn := NewTestDSN(testName)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	cleanup := func() {
		db.Close()
		CleanupTestDB(dsn)
	}

	return db, cleanup
}

// SetupTestDBWithMigrations opens a test database with the full schema applied
func SetupTestDBWithMigrations(t *testing.T, testName string) (*sql.DB, func()) {
	t.Helper()
	db, cleanup := SetupTestDB(t, testName)

	if err := migrations.NewDefaultMigrator(db).RunMigrations(context.Background()); err != nil {
		cleanup()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return db, cleanup
}

// SetupTestGorm wraps a migrated test database in a gorm session
func SetupTestGorm(t *testing.T, testName string) (*sql.DB, *gorm.DB, func()) {
	t.Helper()
	db, cleanup := SetupTestDBWithMigrations(t, testName)

	gdb, err := gorm.Open(gormsqlite.New(gormsqlite.Config{DriverName: "sqlite", Conn: db}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		cleanup()
		t.Fatalf("Failed to open gorm session: %v", err)
	}

	return db, gdb, cleanup
}
