package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/homelab/tunnelguard/internal/domain"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/repository"
)

var log = logging.GetLogger()

// SlotDaemon is the WireGuard side of slot recycling.
type SlotDaemon interface {
	// DeleteConfigs removes the on-disk peer configs of the given slots.
	DeleteConfigs(ctx context.Context, slots []int) error
	// Restart reloads the daemon so it regenerates missing peers.
	Restart(ctx context.Context) error
}

// SlotAllocator leases numbered WireGuard peer slots by scanning for the
// first slot without a row.
type SlotAllocator struct {
	repo   repository.SlotRepository
	daemon SlotDaemon
	gate   *Gate
	now    func() time.Time
}

// NewSlotAllocator creates an allocator with its own gate.
func NewSlotAllocator(repo repository.SlotRepository, daemon SlotDaemon, gateWait time.Duration) *SlotAllocator {
	return &SlotAllocator{
		repo:   repo,
		daemon: daemon,
		gate:   NewGate(gateWait),
		now:    time.Now,
	}
}

// Allocate leases the lowest free slot in [start, end] until expiresAt. When
// the range is full it runs one cleanup pass and scans again; a second miss
// returns an *ExhaustedError carrying the soonest expiry.
func (a *SlotAllocator) Allocate(ctx context.Context, start, end int, expiresAt time.Time) (int, error) {
	if start < 1 {
		return 0, &ConfigurationError{Problems: []string{fmt.Sprintf("slot range must start at 1 or above, got %d", start)}}
	}

	release, err := a.gate.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	fields := logging.Fields{"at": "lease.SlotAllocator.Allocate", "start": start, "end": end, "expires_at": expiresAt}

	slot, ok, err := a.repo.FirstFreeInRange(ctx, start, end)
	if err != nil {
		return 0, err
	}

	if !ok {
		log.WithFields(fields).Info("slot_range_full_running_cleanup")
		if _, err := a.Cleanup(ctx); err != nil {
			return 0, err
		}
		slot, ok, err = a.repo.FirstFreeInRange(ctx, start, end)
		if err != nil {
			return 0, err
		}
	}

	if !ok {
		exhausted := &ExhaustedError{Resource: "wireguard slot"}
		soonest, err := a.repo.FindSoonestExpiring(ctx)
		switch {
		case err == nil:
			exhausted.SoonestExpiry = soonest.ExpiresAt
		case !errors.Is(err, repository.ErrNotFound):
			return 0, err
		}
		log.WithFields(fields).WithField("retry_after", exhausted.RetryAfter(a.now())).Warn("slot_range_exhausted")
		return 0, exhausted
	}

	if _, err := a.repo.Save(ctx, domain.LeaseSlot{ID: slot, ExpiresAt: expiresAt}); err != nil {
		return 0, err
	}

	log.WithFields(fields).WithField("slot", slot).Info("slot_leased")
	return slot, nil
}

// Cleanup removes expired leases: their peer configs first, then a daemon
// restart if nothing is still leased, then the rows. It returns the number
// of rows removed.
func (a *SlotAllocator) Cleanup(ctx context.Context) (int64, error) {
	now := a.now()
	expired, err := a.repo.FindExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]int, len(expired))
	for i, s := range expired {
		ids[i] = s.ID
	}
	fields := logging.Fields{"at": "lease.SlotAllocator.Cleanup", "expired": ids}

	if err := a.daemon.DeleteConfigs(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to delete expired peer configs: %w", err)
	}

	open, err := a.repo.FindOpen(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		if err := a.daemon.Restart(ctx); err != nil {
			log.WithError(err).WithFields(fields).Warn("daemon_restart_failed")
		}
	} else {
		log.WithFields(fields).WithField("open", len(open)).Debug("daemon_restart_skipped")
	}

	n, err := a.repo.DeleteByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	log.WithFields(fields).WithField("deleted", n).Info("expired_slots_removed")
	return n, nil
}

// Release frees a slot before its lease runs out.
func (a *SlotAllocator) Release(ctx context.Context, slot int) error {
	if err := a.repo.DeleteByID(ctx, slot); err != nil {
		return fmt.Errorf("failed to release slot %d: %w", slot, err)
	}
	log.WithFields(logging.Fields{"at": "lease.SlotAllocator.Release", "slot": slot}).Info("slot_released")
	return nil
}

// OpenLeases lists unexpired leases, soonest expiry first.
func (a *SlotAllocator) OpenLeases(ctx context.Context) ([]domain.LeaseSlot, error) {
	return a.repo.FindOpen(ctx, a.now())
}
