package lease

import (
	"context"
	"errors"
	"time"

	"github.com/jbweber/homelab/tunnelguard/internal/domain"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/repository"
)

// CredentialSource provisions SOCKS5 credentials into the store.
type CredentialSource interface {
	// Loaded reports whether secrets were loaded since the last restart.
	Loaded() bool
	// Load writes the secrets on disk into the store.
	Load(ctx context.Context) error
	// Restart reloads the proxy daemon, resetting availability.
	Restart(ctx context.Context) error
	// MarkUsed records that a secret is leased out.
	MarkUsed(ctx context.Context, username string) error
}

// CredentialAllocator leases SOCKS5 credentials with a row lock. The gate
// keeps concurrent callers from restarting the daemon more than once.
type CredentialAllocator struct {
	repo   repository.CredentialRepository
	source CredentialSource
	gate   *Gate
}

// NewCredentialAllocator creates an allocator with its own gate.
func NewCredentialAllocator(repo repository.CredentialRepository, source CredentialSource, gateWait time.Duration) *CredentialAllocator {
	return &CredentialAllocator{repo: repo, source: source, gate: NewGate(gateWait)}
}

// Claim leases one credential until expiresAt. When none is available the
// daemon is restarted and the secrets reloaded exactly once.
func (a *CredentialAllocator) Claim(ctx context.Context, expiresAt time.Time) (domain.ProxyCredential, error) {
	release, err := a.gate.Acquire(ctx)
	if err != nil {
		return domain.ProxyCredential{}, err
	}
	defer release()

	fields := logging.Fields{"at": "lease.CredentialAllocator.Claim", "expires_at": expiresAt}

	if !a.source.Loaded() {
		if err := a.source.Load(ctx); err != nil {
			return domain.ProxyCredential{}, err
		}
	}

	available, err := a.repo.CountAvailable(ctx)
	if err != nil {
		return domain.ProxyCredential{}, err
	}

	if available == 0 {
		log.WithFields(fields).Info("no_credentials_restarting_daemon")
		if err := a.source.Restart(ctx); err != nil {
			return domain.ProxyCredential{}, err
		}
		if err := a.source.Load(ctx); err != nil {
			return domain.ProxyCredential{}, err
		}
		if available, err = a.repo.CountAvailable(ctx); err != nil {
			return domain.ProxyCredential{}, err
		}
		if available == 0 {
			return domain.ProxyCredential{}, &ExhaustedError{Resource: "socks5 credential"}
		}
	}

	cred, err := a.repo.Claim(ctx, expiresAt)
	if errors.Is(err, repository.ErrNoneAvailable) {
		return domain.ProxyCredential{}, &ExhaustedError{Resource: "socks5 credential"}
	}
	if err != nil {
		return domain.ProxyCredential{}, err
	}

	if err := a.source.MarkUsed(ctx, cred.Username); err != nil {
		log.WithError(err).WithFields(fields).WithField("username", cred.Username).Warn("mark_used_failed")
	}

	log.WithFields(fields).WithField("username", cred.Username).Info("credential_leased")
	return cred, nil
}
