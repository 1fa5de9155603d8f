package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/tunnelguard/internal/testutil"
)

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("sqlite")
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, d)

	d, err = ParseDialect("MySQL")
	require.NoError(t, err)
	assert.Equal(t, DialectMySQL, d)

	_, err = ParseDialect("postgres")
	assert.ErrorIs(t, err, ErrUnsupportedDialect)
}

func TestDialect_Upsert(t *testing.T) {
	cols := []string{"id", "expires_at", "updated_at"}
	update := []string{"expires_at", "updated_at"}

	assert.Equal(t,
		"INSERT INTO t (id, expires_at, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET expires_at = excluded.expires_at, updated_at = excluded.updated_at",
		DialectSQLite.Upsert("t", "id", cols, update))

	assert.Equal(t,
		"INSERT INTO t (id, expires_at, updated_at) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE expires_at = VALUES(expires_at), updated_at = VALUES(updated_at)",
		DialectMySQL.Upsert("t", "id", cols, update))
}

func TestOpenGorm(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestOpenGorm")
	defer cleanup()

	gdb, err := OpenGorm(db, DialectSQLite)
	require.NoError(t, err)

	var count int64
	require.NoError(t, gdb.Table("worker_wireguard_configs").Count(&count).Error)
	assert.Equal(t, int64(0), count)

	_, err = OpenGorm(db, Dialect("oracle"))
	assert.ErrorIs(t, err, ErrUnsupportedDialect)
}

func TestPreparedStatementCache(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t, "TestPreparedStatementCache")
	defer cleanup()
	ctx := context.Background()

	cache := NewPreparedStatementCache(db)
	first, err := cache.Get(ctx, "SELECT 1")
	require.NoError(t, err)
	second, err := cache.Get(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, cache.Size())

	// sqlite compiles on first use, so a bad query may only fail at exec.
	bad, err := cache.Get(ctx, "SELECT nonsense FROM")
	if err == nil {
		_, err = bad.ExecContext(ctx)
	}
	assert.Error(t, err)

	require.NoError(t, cache.Close())
	assert.Equal(t, 0, cache.Size())
}
