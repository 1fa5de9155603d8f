package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTestDSN(t *testing.T) {
	dsn := NewTestDSN("TestName")
	assert.True(t, strings.Contains(dsn, "file:TestName?mode=memory&cache=shared"), "unexpected DSN %s", dsn)
}

func TestSetupTestDB(t *testing.T) {
	db, cleanup := SetupTestDB(t, "TestSetupTestDB")
	defer cleanup()

	require.NotNil(t, db)
	require.NoError(t, db.Ping())

	var result string
	require.NoError(t, db.QueryRow("SELECT 'test'").Scan(&result))
	assert.Equal(t, "test", result)
}

func TestSetupTestDBWithMigrations(t *testing.T) {
	db, cleanup := SetupTestDBWithMigrations(t, "TestSetupTestDBWithMigrations")
	defer cleanup()

	for _, table := range []string{"schema_migrations", "worker_wireguard_configs", "worker_socks5_configs", "challenge_solution"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "expected table %s to exist", table)
	}
}

func TestSetupTestDBWithMigrations_TableCreation(t *testing.T) {
	db, cleanup := SetupTestDBWithMigrations(t, "TestSetupTestDBWithMigrations_TableCreation")
	defer cleanup()

	_, err := db.Exec("INSERT INTO worker_wireguard_configs (id, expires_at, updated_at) VALUES (?, ?, ?)", 1, 2000, 1000)
	require.NoError(t, err)

	var expires int64
	require.NoError(t, db.QueryRow("SELECT expires_at FROM worker_wireguard_configs WHERE id = 1").Scan(&expires))
	assert.Equal(t, int64(2000), expires)
}

func TestSetupTestGorm(t *testing.T) {
	_, gdb, cleanup := SetupTestGorm(t, "TestSetupTestGorm")
	defer cleanup()

	var count int64
	require.NoError(t, gdb.Table("worker_socks5_configs").Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestSetupTestDB_MultipleInstances(t *testing.T) {
	db1, cleanup1 := SetupTestDB(t, "TestSetupTestDB_MultipleInstances_1")
	defer cleanup1()
	db2, cleanup2 := SetupTestDB(t, "TestSetupTestDB_MultipleInstances_2")
	defer cleanup2()

	assert.NoError(t, db1.Ping())
	assert.NoError(t, db2.Ping())
	assert.NotSame(t, db1, db2)
}

func TestCleanupTestDB(t *testing.T) {
	assert.NoError(t, CleanupTestDB(NewTestDSN("test-cleanup")))
	assert.Error(t, CleanupTestDB("invalid-dsn"))

	path := filepath.Join(t.TempDir(), "leases.db")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)"

	assert.NoError(t, CleanupTestDB(dsn))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Second call on a removed file is a no-op.
	assert.NoError(t, CleanupTestDB(dsn))
}
