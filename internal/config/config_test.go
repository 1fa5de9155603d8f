package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/tunnelguard/internal/lease"
	"github.com/jbweber/homelab/tunnelguard/internal/repository"
)

func TestNewConfig(t *testing.T) {
	c := NewConfig()

	assert.Equal(t, ":3000", c.Server.Listen)
	assert.Equal(t, "sqlite", c.Database.Driver)
	assert.Equal(t, 250, c.WireGuard.PeerCount)
	assert.Equal(t, 1, c.WireGuard.PrioritySlots)
	assert.Equal(t, 150*time.Second, c.Verifier.IPFreeTimeout)
	assert.Equal(t, "memory", c.Presence.Backend)
	assert.NoError(t, c.Validate())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnelguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":8080"
  local_cidrs: ["10.0.0.0/8"]
database:
  driver: mysql
  dsn: "tg:tg@tcp(db:3306)/tunnelguard?parseTime=true"
wireguard:
  peer_count: 12
verifier:
  backend: command
  probe_timeout: 45s
presence:
  backend: redis
  redis_addr: "redis:6379"
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.Server.Listen)
	assert.Equal(t, []string{"10.0.0.0/8"}, c.Server.LocalCIDRs)
	assert.Equal(t, "mysql", c.Database.Driver)
	assert.Equal(t, 12, c.WireGuard.PeerCount)
	assert.Equal(t, "/app/wireguard", c.WireGuard.ConfigDir, "unset keys keep defaults")
	assert.Equal(t, "command", c.Verifier.Backend)
	assert.Equal(t, 45*time.Second, c.Verifier.ProbeTimeout)
	assert.Equal(t, "redis:6379", c.Presence.RedisAddr)
	assert.NoError(t, c.Validate())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TUNNELGUARD_SERVER_LISTEN", ":9999")
	t.Setenv("TUNNELGUARD_WIREGUARD_PEER_COUNT", "7")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", c.Server.Listen)
	assert.Equal(t, 7, c.WireGuard.PeerCount)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	c := NewConfig()
	c.Server.LocalCIDRs = []string{"not-a-cidr"}
	c.Database.Driver = "postgres"
	c.WireGuard.PeerCount = 0
	c.Socks5.Port = 70000
	c.Verifier.Backend = "ebpf"
	c.Presence.Backend = "redis"
	c.Log.Level = "loud"

	err := c.Validate()
	var cerr *lease.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Problems, 7)
	assert.Contains(t, cerr.Problems, "presence.redis_addr is required for the redis backend")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "tunnelguard/data/x.db"), expandPath("~/tunnelguard/data/x.db"))
	assert.Equal(t, "/var/lib/x.db", expandPath("/var/lib/x.db"))
	assert.Equal(t, "relative.db", expandPath("relative.db"))
}

func TestConfig_InitializeDatabase(t *testing.T) {
	c := NewConfig()
	c.Database.DSN = filepath.Join(t.TempDir(), "nested", "path", "test.db")
	ctx := context.Background()

	db, dialect, err := c.InitializeDatabase(ctx)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, repository.DialectSQLite, dialect)
	assert.DirExists(t, filepath.Dir(c.Database.DSN))

	var fkEnabled bool
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled))
	assert.True(t, fkEnabled)

	var tableName string
	require.NoError(t, db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&tableName))

	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}

func TestConfig_InitializeDatabase_UnknownDriver(t *testing.T) {
	c := NewConfig()
	c.Database.Driver = "postgres"

	_, _, err := c.InitializeDatabase(context.Background())
	assert.Error(t, err)
}
