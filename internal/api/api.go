// Package api exposes the lease engine and the challenge protocol over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/jbweber/homelab/tunnelguard/internal/challenge"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/service"
	"github.com/jbweber/homelab/tunnelguard/internal/tunnelconf"
	"github.com/jbweber/homelab/tunnelguard/internal/verifier"
)

var (
	log      = logging.GetLogger()
	validate = validator.New()
)

// Engine is the part of service.Engine the handlers drive.
type Engine interface {
	GetValidWireguardConfig(ctx context.Context, leaseSeconds int, priority bool) (service.WireguardLease, error)
	GetValidSocks5Config(ctx context.Context, leaseSeconds int) (service.Socks5Lease, error)
	ReleaseWireguard(ctx context.Context, slot int) error
	TestTunnelConnection(ctx context.Context, raw string) (verifier.Result, error)
	ParseTunnelConfig(raw, expectedEndpoint string) tunnelconf.Result
}

// Challenges issues and answers challenge pairs.
type Challenges interface {
	Issue(ctx context.Context, tag string) (challenge.Issued, error)
	Solution(ctx context.Context, challenge string) (string, error)
	Verify(ctx context.Context, challenge, submitted string) (bool, error)
	VerificationURL(challenge, solution string) string
}

// Options configure an API.
type Options struct {
	LocalCIDRs []string
	RateLimit  float64 // lease requests per second per caller; 0 disables
	RateBurst  int
	Version    string
}

// API holds the handler dependencies
type API struct {
	engine     Engine
	challenges Challenges
	local      []netip.Prefix
	limiter    *callerLimiter
	version    string
	started    time.Time
}

// NewAPI creates a new API. Loopback callers are always local.
func NewAPI(engine Engine, challenges Challenges, opts Options) (*API, error) {
	local := []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8"), netip.MustParsePrefix("::1/128")}
	for _, cidr := range opts.LocalCIDRs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid local cidr %q: %w", cidr, err)
		}
		local = append(local, p.Masked())
	}

	a := &API{
		engine:     engine,
		challenges: challenges,
		local:      local,
		version:    opts.Version,
		started:    time.Now(),
	}
	if opts.RateLimit > 0 {
		a.limiter = newCallerLimiter(opts.RateLimit, opts.RateBurst)
	}
	return a, nil
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/health", a.healthHandler)

	r.Route("/api/lease", func(r chi.Router) {
		r.Use(a.rateLimited)
		r.Get("/new", a.newLeaseHandler)
		r.With(a.localOnly).Delete("/wireguard/{slot}", a.releaseWireguardHandler)
	})

	r.Route("/api/config", func(r chi.Router) {
		r.Post("/parse", a.parseConfigHandler)
		r.With(a.localOnly).Post("/test", a.testConfigHandler)
	})

	r.Route(challenge.PathPrefix, func(r chi.Router) {
		r.With(a.localOnly).Get("/new", a.newChallengeHandler)
		r.Get("/{challenge}", a.challengeSolutionHandler)
		r.Get("/{challenge}/{solution}", a.challengeVerifyHandler)
	})
}

func (a *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   a.version,
		LastStart: a.started.UTC(),
	})
}
