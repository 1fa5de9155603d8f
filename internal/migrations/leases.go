package migrations

import (
	"database/sql"

	"github.com/jbweber/homelab/tunnelguard/internal/logging"
)

var log = logging.GetLogger()

// The DDL below is restricted to the subset shared by SQLite and MySQL.
// Timestamps are Unix milliseconds.

// GetLeaseMigrations returns the schema for slots, proxy credentials and challenges
func GetLeaseMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_worker_wireguard_configs",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					`CREATE TABLE worker_wireguard_configs (
						id INTEGER NOT NULL PRIMARY KEY,
						expires_at BIGINT NOT NULL,
						updated_at BIGINT NOT NULL
					)`,
					`CREATE INDEX idx_wireguard_expires_at ON worker_wireguard_configs (expires_at)`,
				)
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, `DROP TABLE IF EXISTS worker_wireguard_configs`)
			},
		},
		{
			Version: 2,
			Name:    "create_worker_socks5_configs",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					`CREATE TABLE worker_socks5_configs (
						username VARCHAR(255) NOT NULL PRIMARY KEY,
						password VARCHAR(255) NOT NULL,
						ip_address VARCHAR(64) NOT NULL,
						port INTEGER NOT NULL,
						available BOOLEAN NOT NULL DEFAULT TRUE,
						expires_at BIGINT NOT NULL DEFAULT 0,
						updated BIGINT NOT NULL
					)`,
					`CREATE INDEX idx_socks5_available ON worker_socks5_configs (available)`,
					`CREATE INDEX idx_socks5_ip_address ON worker_socks5_configs (ip_address)`,
				)
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, `DROP TABLE IF EXISTS worker_socks5_configs`)
			},
		},
		{
			Version: 3,
			Name:    "create_challenge_solution",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					`CREATE TABLE challenge_solution (
						challenge VARCHAR(64) NOT NULL PRIMARY KEY,
						solution VARCHAR(64) NOT NULL,
						tag VARCHAR(255) NOT NULL DEFAULT '',
						created_at BIGINT NOT NULL
					)`,
					`CREATE INDEX idx_challenge_created_at ON challenge_solution (created_at)`,
				)
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, `DROP TABLE IF EXISTS challenge_solution`)
			},
		},
	}
}

func execAll(tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
