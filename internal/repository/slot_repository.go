package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jbweber/homelab/tunnelguard/internal/domain"
)

// SlotRepository stores WireGuard peer slot leases
type SlotRepository interface {
	Repository[domain.LeaseSlot, int]
	// FirstFreeInRange returns the lowest id in [start, end] without a row.
	// Rows count as taken whether or not they have expired.
	FirstFreeInRange(ctx context.Context, start, end int) (int, bool, error)
	FindExpired(ctx context.Context, now time.Time) ([]domain.LeaseSlot, error)
	// FindOpen returns unexpired leases, soonest expiry first
	FindOpen(ctx context.Context, now time.Time) ([]domain.LeaseSlot, error)
	// FindSoonestExpiring returns ErrNotFound when the table is empty
	FindSoonestExpiring(ctx context.Context) (domain.LeaseSlot, error)
	DeleteByIDs(ctx context.Context, ids []int) (int64, error)
	Close() error
}

const (
	slotColumns       = "id, expires_at, updated_at"
	slotSelectByID    = "SELECT " + slotColumns + " FROM worker_wireguard_configs WHERE id = ?"
	slotSelectInRange = "SELECT id FROM worker_wireguard_configs WHERE id >= ? AND id <= ? ORDER BY id ASC"
)

type slotRepositoryImpl struct {
	db     *sql.DB
	stmts  *PreparedStatementCache
	upsert string
}

// NewSlotRepository creates a slot repository for the given dialect
func NewSlotRepository(db *sql.DB, dialect Dialect) SlotRepository {
	return &slotRepositoryImpl{
		db:    db,
		stmts: NewPreparedStatementCache(db),
		upsert: dialect.Upsert("worker_wireguard_configs", "id",
			[]string{"id", "expires_at", "updated_at"},
			[]string{"expires_at", "updated_at"}),
	}
}

// Save inserts the slot or refreshes the expiry of an existing row
func (r *slotRepositoryImpl) Save(ctx context.Context, slot domain.LeaseSlot) (domain.LeaseSlot, error) {
	if slot.ID <= 0 {
		return domain.LeaseSlot{}, fmt.Errorf("%w: slot id must be positive, got %d", ErrInvalidEntity, slot.ID)
	}
	if slot.UpdatedAt.IsZero() {
		slot.UpdatedAt = time.Now()
	}

	stmt, err := r.stmts.Get(ctx, r.upsert)
	if err != nil {
		return domain.LeaseSlot{}, fmt.Errorf("failed to prepare slot upsert: %w", err)
	}
	if _, err := stmt.ExecContext(ctx, slot.ID, toMillis(slot.ExpiresAt), toMillis(slot.UpdatedAt)); err != nil {
		return domain.LeaseSlot{}, fmt.Errorf("failed to save slot %d: %w", slot.ID, err)
	}

	return slot, nil
}

// FindByID finds a slot lease by slot number
func (r *slotRepositoryImpl) FindByID(ctx context.Context, id int) (domain.LeaseSlot, error) {
	stmt, err := r.stmts.Get(ctx, slotSelectByID)
	if err != nil {
		return domain.LeaseSlot{}, fmt.Errorf("failed to prepare slot lookup: %w", err)
	}

	slot, err := scanSlot(stmt.QueryRowContext(ctx, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LeaseSlot{}, ErrNotFound
		}
		return domain.LeaseSlot{}, fmt.Errorf("failed to find slot: %w", err)
	}
	return slot, nil
}

// FindAll returns every slot row ordered by id
func (r *slotRepositoryImpl) FindAll(ctx context.Context) ([]domain.LeaseSlot, error) {
	return r.query(ctx, "SELECT "+slotColumns+" FROM worker_wireguard_configs ORDER BY id ASC")
}

// DeleteByID frees a slot
func (r *slotRepositoryImpl) DeleteByID(ctx context.Context, id int) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM worker_wireguard_configs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete slot: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExistsByID checks whether a slot has a row, expired or not
func (r *slotRepositoryImpl) ExistsByID(ctx context.Context, id int) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM worker_wireguard_configs WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check slot existence: %w", err)
	}
	return count > 0, nil
}

func (r *slotRepositoryImpl) FirstFreeInRange(ctx context.Context, start, end int) (int, bool, error) {
	if start > end {
		return 0, false, nil
	}

	stmt, err := r.stmts.Get(ctx, slotSelectInRange)
	if err != nil {
		return 0, false, fmt.Errorf("failed to prepare slot scan: %w", err)
	}

	rows, err := stmt.QueryContext(ctx, start, end)
	if err != nil {
		return 0, false, fmt.Errorf("failed to scan slots: %w", err)
	}
	defer rows.Close()

	// Rows arrive in id order, so the first gap is the lowest free id.
	candidate := start
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return 0, false, fmt.Errorf("failed to scan slot id: %w", err)
		}
		if id > candidate {
			break
		}
		candidate = id + 1
	}
	if err := rows.Err(); err != nil {
		return 0, false, fmt.Errorf("failed to iterate slots: %w", err)
	}

	if candidate > end {
		return 0, false, nil
	}
	return candidate, true, nil
}

func (r *slotRepositoryImpl) FindExpired(ctx context.Context, now time.Time) ([]domain.LeaseSlot, error) {
	return r.query(ctx,
		"SELECT "+slotColumns+" FROM worker_wireguard_configs WHERE expires_at < ? ORDER BY id ASC",
		toMillis(now))
}

func (r *slotRepositoryImpl) FindOpen(ctx context.Context, now time.Time) ([]domain.LeaseSlot, error) {
	return r.query(ctx,
		"SELECT "+slotColumns+" FROM worker_wireguard_configs WHERE expires_at > ? ORDER BY expires_at ASC",
		toMillis(now))
}

func (r *slotRepositoryImpl) FindSoonestExpiring(ctx context.Context) (domain.LeaseSlot, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+slotColumns+" FROM worker_wireguard_configs ORDER BY expires_at ASC LIMIT 1")
	slot, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LeaseSlot{}, ErrNotFound
		}
		return domain.LeaseSlot{}, fmt.Errorf("failed to find soonest expiring slot: %w", err)
	}
	return slot, nil
}

func (r *slotRepositoryImpl) DeleteByIDs(ctx context.Context, ids []int) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")

	result, err := r.db.ExecContext(ctx,
		"DELETE FROM worker_wireguard_configs WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete slots: %w", err)
	}
	return result.RowsAffected()
}

func (r *slotRepositoryImpl) Close() error {
	return r.stmts.Close()
}

func (r *slotRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.LeaseSlot, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query slots: %w", err)
	}
	defer rows.Close()

	var slots []domain.LeaseSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (domain.LeaseSlot, error) {
	var (
		slot               domain.LeaseSlot
		expires, updatedAt int64
	)
	if err := row.Scan(&slot.ID, &expires, &updatedAt); err != nil {
		return domain.LeaseSlot{}, err
	}
	slot.ExpiresAt = fromMillis(expires)
	slot.UpdatedAt = fromMillis(updatedAt)
	return slot, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
