package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jbweber/homelab/tunnelguard/internal/domain"
	"github.com/jbweber/homelab/tunnelguard/internal/lease"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/repository"
	"github.com/jbweber/homelab/tunnelguard/internal/shell"
)

const (
	passwordSuffix    = ".password"
	usedSuffix        = ".used"
	reachDialTimeout  = 10 * time.Second
	reachPollInterval = 5 * time.Second
)

// ErrNotReady is returned when a daemon did not become ready in time.
var ErrNotReady = errors.New("daemon not ready")

// DanteOptions locates the proxy's secrets and public address.
type DanteOptions struct {
	PasswordDir string // Holds <username>.password files
	PublicHost  string // Address handed to clients
	Port        int    // Port handed to clients
	Container   string // Docker container name
}

// Dante loads SOCKS5 secrets into the store and restarts the proxy.
type Dante struct {
	opts   DanteOptions
	runner shell.Runner
	repo   repository.CredentialRepository
	loaded atomic.Bool
	dialer net.Dialer
}

// NewDante returns a Dante daemon handle.
func NewDante(opts DanteOptions, repo repository.CredentialRepository, runner shell.Runner) *Dante {
	return &Dante{opts: opts, repo: repo, runner: runner, dialer: net.Dialer{Timeout: reachDialTimeout}}
}

func (d *Dante) Loaded() bool { return d.loaded.Load() }

// Load reads every <username>.password file. A matching .password.used file
// marks the credential as leased.
func (d *Dante) Load(ctx context.Context) error {
	entries, err := os.ReadDir(d.opts.PasswordDir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", d.opts.PasswordDir, err)
	}

	used := map[string]bool{}
	for _, e := range entries {
		if name := e.Name(); strings.HasSuffix(name, passwordSuffix+usedSuffix) {
			used[strings.TrimSuffix(name, usedSuffix)] = true
		}
	}

	var creds []domain.ProxyCredential
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, passwordSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.opts.PasswordDir, name))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		password := strings.TrimSpace(string(data))
		if password == "" {
			log.WithFields(logging.Fields{"at": "daemon.Dante.Load", "file": name}).Warn("empty_password_file")
		}
		creds = append(creds, domain.ProxyCredential{
			Username:  strings.TrimSuffix(name, passwordSuffix),
			Password:  password,
			IPAddress: d.opts.PublicHost,
			Port:      d.opts.Port,
			Available: !used[name],
		})
	}

	if err := d.repo.ReplaceForHost(ctx, d.opts.PublicHost, creds); err != nil {
		return err
	}
	d.loaded.Store(true)
	log.WithFields(logging.Fields{"at": "daemon.Dante.Load", "credentials": len(creds), "used": len(used)}).Info("credentials_loaded")
	return nil
}

// Restart restarts the proxy container; the next claim reloads secrets.
func (d *Dante) Restart(ctx context.Context) error {
	log.WithFields(logging.Fields{"at": "daemon.Dante.Restart", "container": d.opts.Container}).Info("restarting_container")
	if _, err := d.runner.Run(ctx, "docker", "restart", d.opts.Container); err != nil {
		return fmt.Errorf("failed to restart %s: %w", d.opts.Container, err)
	}
	d.loaded.Store(false)
	return nil
}

// MarkUsed creates <username>.password.used.
func (d *Dante) MarkUsed(_ context.Context, username string) error {
	if username == "" || strings.ContainsAny(username, `/\`) {
		return fmt.Errorf("invalid username %q", username)
	}
	path := filepath.Join(d.opts.PasswordDir, username+passwordSuffix+usedSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to mark %s used: %w", username, err)
	}
	return f.Close()
}

// Reachable reports whether the proxy accepts TCP connections on its public
// address.
func (d *Dante) Reachable(ctx context.Context) bool {
	addr := net.JoinHostPort(d.opts.PublicHost, strconv.Itoa(d.opts.Port))
	conn, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.WithError(err).WithFields(logging.Fields{"at": "daemon.Dante.Reachable", "addr": addr}).Debug("proxy_unreachable")
		return false
	}
	_ = conn.Close()
	return true
}

// WaitReachable polls Reachable every five seconds up to timeout.
func (d *Dante) WaitReachable(ctx context.Context, timeout time.Duration) (bool, error) {
	return lease.Poll(ctx, timeout, reachPollInterval, d.Reachable)
}

var (
	_ lease.CredentialSource = (*Dante)(nil)
	_ lease.SlotDaemon       = (*WireGuard)(nil)
)
