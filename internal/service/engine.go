// Package service wires the allocators, daemons and verifier into the
// operations exposed over HTTP and the CLI.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jbweber/homelab/tunnelguard/internal/domain"
	"github.com/jbweber/homelab/tunnelguard/internal/lease"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/tunnelconf"
	"github.com/jbweber/homelab/tunnelguard/internal/verifier"
)

var log = logging.GetLogger()

const (
	DefaultPrioritySlots     = 1
	DefaultReadyTimeout      = 30 * time.Second
	DefaultServerGrace       = 5 * time.Second
	DefaultProxyReadyTimeout = 60 * time.Second
	DefaultLeaseSeconds      = 60
)

// PeerConfigs reads the configs the WireGuard daemon generates.
type PeerConfigs interface {
	CountConfigs() int
	Ready(ctx context.Context, slot int, timeout time.Duration) (bool, error)
	ReadConfig(ctx context.Context, slot int) (string, error)
}

// ProxyHealth reports whether the SOCKS5 daemon accepts connections.
type ProxyHealth interface {
	WaitReachable(ctx context.Context, timeout time.Duration) (bool, error)
}

// TunnelVerifier runs an isolated connectivity check.
type TunnelVerifier interface {
	Verify(ctx context.Context, raw string) (verifier.Result, error)
}

// ProxyProber checks a SOCKS5 credential end to end.
type ProxyProber interface {
	Probe(ctx context.Context, cred domain.ProxyCredential) (verifier.Result, error)
}

// Options tune an Engine. Zero values take the defaults.
type Options struct {
	PrioritySlots     int
	ReadyTimeout      time.Duration
	ServerGrace       time.Duration
	ProxyReadyTimeout time.Duration
}

// WireguardLease is a leased peer slot and its config.
type WireguardLease struct {
	Config     string
	SlotID     int
	TotalSlots int
	ExpiresAt  time.Time
}

// Socks5Lease is a leased proxy credential.
type Socks5Lease struct {
	Credential domain.ProxyCredential
	ExpiresAt  time.Time
}

// Engine is the service facade.
type Engine struct {
	slots    *lease.SlotAllocator
	creds    *lease.CredentialAllocator
	peers    PeerConfigs
	proxy    ProxyHealth
	verifier TunnelVerifier
	prober   ProxyProber
	opts     Options
	now      func() time.Time
}

// NewEngine assembles an Engine.
func NewEngine(slots *lease.SlotAllocator, creds *lease.CredentialAllocator, peers PeerConfigs, proxy ProxyHealth, v TunnelVerifier, prober ProxyProber, opts Options) *Engine {
	if opts.PrioritySlots <= 0 {
		opts.PrioritySlots = DefaultPrioritySlots
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.ServerGrace <= 0 {
		opts.ServerGrace = DefaultServerGrace
	}
	if opts.ProxyReadyTimeout <= 0 {
		opts.ProxyReadyTimeout = DefaultProxyReadyTimeout
	}
	return &Engine{slots: slots, creds: creds, peers: peers, proxy: proxy, verifier: v, prober: prober, opts: opts, now: time.Now}
}

// ScanStart is the first slot a request may take. Non-priority requests skip
// the priority slots unless the pool is too small to have any others.
func ScanStart(priority bool, prioritySlots, total int) int {
	start := prioritySlots + 1
	if priority || start > total {
		return 1
	}
	return start
}

// GetValidWireguardConfig leases a peer slot for leaseSeconds and returns its
// config.
func (e *Engine) GetValidWireguardConfig(ctx context.Context, leaseSeconds int, priority bool) (WireguardLease, error) {
	if leaseSeconds <= 0 {
		return WireguardLease{}, &tunnelconf.ValidationError{Fields: []string{fmt.Sprintf("lease_seconds = %d", leaseSeconds)}}
	}

	ready, err := e.peers.Ready(ctx, 1, e.opts.ServerGrace)
	if err != nil {
		return WireguardLease{}, err
	}
	fields := logging.Fields{"at": "service.GetValidWireguardConfig", "priority": priority, "lease_seconds": leaseSeconds}
	log.WithFields(fields).WithField("ready", ready).Debug("wireguard_server_checked")

	total := e.peers.CountConfigs()
	start := ScanStart(priority, e.opts.PrioritySlots, total)
	expiresAt := e.now().Add(time.Duration(leaseSeconds) * time.Second).Truncate(time.Millisecond)

	slot, err := e.slots.Allocate(ctx, start, total, expiresAt)
	if err != nil {
		return WireguardLease{}, err
	}
	fields["slot"] = slot

	if ok, err := e.peers.Ready(ctx, slot, e.opts.ReadyTimeout); err != nil || !ok {
		log.WithFields(fields).WithError(err).Warn("peer_config_not_ready")
	}

	text, err := e.peers.ReadConfig(ctx, slot)
	if err != nil {
		if rerr := e.slots.Release(context.WithoutCancel(ctx), slot); rerr != nil {
			log.WithFields(fields).WithError(rerr).Warn("release_after_read_failure_failed")
		}
		return WireguardLease{}, err
	}

	log.WithFields(fields).Info("wireguard_lease_issued")
	return WireguardLease{Config: text, SlotID: slot, TotalSlots: total, ExpiresAt: expiresAt}, nil
}

// ReleaseWireguard ends a slot lease early.
func (e *Engine) ReleaseWireguard(ctx context.Context, slot int) error {
	return e.slots.Release(ctx, slot)
}

// OpenWireguardLeases lists slots whose lease has not lapsed.
func (e *Engine) OpenWireguardLeases(ctx context.Context) ([]domain.LeaseSlot, error) {
	return e.slots.OpenLeases(ctx)
}

// GetValidSocks5Config leases a proxy credential for leaseSeconds.
func (e *Engine) GetValidSocks5Config(ctx context.Context, leaseSeconds int) (Socks5Lease, error) {
	if leaseSeconds <= 0 {
		return Socks5Lease{}, &tunnelconf.ValidationError{Fields: []string{fmt.Sprintf("lease_seconds = %d", leaseSeconds)}}
	}

	ready, err := e.proxy.WaitReachable(ctx, e.opts.ProxyReadyTimeout)
	if err != nil {
		return Socks5Lease{}, err
	}
	log.WithFields(logging.Fields{"at": "service.GetValidSocks5Config", "ready": ready}).Debug("socks5_server_checked")

	expiresAt := e.now().Add(time.Duration(leaseSeconds) * time.Second).Truncate(time.Millisecond)
	cred, err := e.creds.Claim(ctx, expiresAt)
	if err != nil {
		return Socks5Lease{}, err
	}

	log.WithFields(logging.Fields{"at": "service.GetValidSocks5Config", "username": cred.Username, "expires_at": expiresAt}).Info("socks5_lease_issued")
	return Socks5Lease{Credential: cred, ExpiresAt: expiresAt}, nil
}

// TestTunnelConnection verifies raw in an isolated namespace.
func (e *Engine) TestTunnelConnection(ctx context.Context, raw string) (verifier.Result, error) {
	return e.verifier.Verify(ctx, raw)
}

// TestSocks5Connection checks that cred changes the egress address.
func (e *Engine) TestSocks5Connection(ctx context.Context, cred domain.ProxyCredential) (verifier.Result, error) {
	return e.prober.Probe(ctx, cred)
}

// ParseTunnelConfig validates and canonicalizes raw.
func (e *Engine) ParseTunnelConfig(raw, expectedEndpoint string) tunnelconf.Result {
	return tunnelconf.Parse(raw, expectedEndpoint)
}
