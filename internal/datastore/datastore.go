// Package datastore bundles the lease repositories over one database handle.
package datastore

import (
	"database/sql"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jbweber/homelab/tunnelguard/internal/repository"
)

type Datastore struct {
	DB      *sql.DB
	Gorm    *gorm.DB
	Dialect repository.Dialect

	Slots       repository.SlotRepository
	Challenges  repository.ChallengeRepository
	Credentials repository.CredentialRepository
}

// New wraps a migrated database. The gorm session shares db's pool.
func New(db *sql.DB, dialect repository.Dialect) (*Datastore, error) {
	if db == nil {
		return nil, errors.New("datastore: nil database")
	}
	gdb, err := repository.OpenGorm(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm session: %w", err)
	}
	return &Datastore{
		DB:          db,
		Gorm:        gdb,
		Dialect:     dialect,
		Slots:       repository.NewSlotRepository(db, dialect),
		Challenges:  repository.NewChallengeRepository(db, dialect),
		Credentials: repository.NewCredentialRepository(gdb),
	}, nil
}

// Close releases prepared statements and then the database.
func (ds *Datastore) Close() error {
	return errors.Join(ds.Slots.Close(), ds.DB.Close())
}
