// Package daemon drives the WireGuard and Dante containers that own the
// actual tunnels: their config directories and their restarts.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jbweber/homelab/tunnelguard/internal/lease"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/shell"
)

var log = logging.GetLogger()

const (
	countTTL           = 10 * time.Second
	readyPollInterval  = time.Second
	defaultReadRetries = 2
	defaultReadBackoff = 5 * time.Second
)

// WireGuardOptions locates the WireGuard container's peer configs.
type WireGuardOptions struct {
	ConfigDir string // Holds peer<N>/peer<N>.conf
	PeerCount int    // Highest slot the container generates
	Container string // Docker container name
}

// WireGuard reads peer configs written by the container and restarts it.
type WireGuard struct {
	opts   WireGuardOptions
	runner shell.Runner
	counts *expirable.LRU[string, int]

	// ReadRetries and ReadBackoff control ReadConfig.
	ReadRetries int
	ReadBackoff time.Duration
}

// NewWireGuard returns a WireGuard daemon handle.
func NewWireGuard(opts WireGuardOptions, runner shell.Runner) *WireGuard {
	return &WireGuard{
		opts:        opts,
		runner:      runner,
		counts:      expirable.NewLRU[string, int](1, nil, countTTL),
		ReadRetries: defaultReadRetries,
		ReadBackoff: defaultReadBackoff,
	}
}

// ConfigPath is the file the container writes for slot.
func (w *WireGuard) ConfigPath(slot int) string {
	peer := "peer" + strconv.Itoa(slot)
	return filepath.Join(w.opts.ConfigDir, peer, peer+".conf")
}

// CountConfigs counts slots 1..PeerCount that have a config on disk. The
// count is cached for ten seconds.
func (w *WireGuard) CountConfigs() int {
	if n, ok := w.counts.Get("count"); ok {
		return n
	}

	n := 0
	for slot := 1; slot <= w.opts.PeerCount; slot++ {
		_, err := os.Stat(w.ConfigPath(slot))
		switch {
		case err == nil:
			n++
		case !errors.Is(err, os.ErrNotExist):
			log.WithError(err).WithFields(logging.Fields{"at": "daemon.WireGuard.CountConfigs", "slot": slot}).Warn("stat_failed")
		}
	}

	w.counts.Add("count", n)
	return n
}

// Ready waits up to timeout for slot's config file to exist.
func (w *WireGuard) Ready(ctx context.Context, slot int, timeout time.Duration) (bool, error) {
	path := w.ConfigPath(slot)
	return lease.Poll(ctx, timeout, readyPollInterval, func(context.Context) bool {
		_, err := os.Stat(path)
		if err != nil {
			log.WithFields(logging.Fields{"at": "daemon.WireGuard.Ready", "path": path}).Debug("peer_config_missing")
		}
		return err == nil
	})
}

// ReadConfig reads slot's config, retrying while the container is still
// writing it.
func (w *WireGuard) ReadConfig(ctx context.Context, slot int) (string, error) {
	path := w.ConfigPath(slot)

	var lastErr error
	for attempt := 0; attempt <= w.ReadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(w.ReadBackoff):
			}
		}

		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		lastErr = err
		log.WithError(err).WithFields(logging.Fields{"at": "daemon.WireGuard.ReadConfig", "slot": slot, "attempt": attempt}).Debug("read_failed")
	}
	return "", fmt.Errorf("failed to read peer config %s: %w", path, lastErr)
}

// DeleteConfigs removes the peer<N> directories of slots.
func (w *WireGuard) DeleteConfigs(_ context.Context, slots []int) error {
	var errs []error
	for _, slot := range slots {
		dir := filepath.Join(w.opts.ConfigDir, "peer"+strconv.Itoa(slot))
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	w.counts.Purge()
	return errors.Join(errs...)
}

// Restart restarts the container so it regenerates missing peers.
func (w *WireGuard) Restart(ctx context.Context) error {
	log.WithFields(logging.Fields{"at": "daemon.WireGuard.Restart", "container": w.opts.Container}).Info("restarting_container")
	if _, err := w.runner.Run(ctx, "docker", "restart", w.opts.Container); err != nil {
		return fmt.Errorf("failed to restart %s: %w", w.opts.Container, err)
	}
	w.counts.Purge()
	return nil
}
