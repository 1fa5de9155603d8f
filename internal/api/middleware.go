package api

import (
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/jbweber/homelab/tunnelguard/internal/logging"
)

const (
	limiterCacheSize = 8192
	limiterIdleTTL   = 10 * time.Minute
)

// isLocal reports whether the direct peer is loopback or inside a configured
// local CIDR. X-Forwarded-For is ignored here since callers can set it.
func (a *API) isLocal(r *http.Request) bool {
	addrPort, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	return a.isLocalAddr(addrPort.Addr())
}

func (a *API) isLocalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range a.local {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (a *API) localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.isLocal(r) {
			log.WithFields(logging.Fields{"at": "api.localOnly", "remote": r.RemoteAddr, "path": r.URL.Path}).Warn("non_local_caller_rejected")
			writeError(w, http.StatusForbidden, "request not from a local caller")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerLimiter keeps one token bucket per client IP. Idle buckets age out.
type callerLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *expirable.LRU[string, *rate.Limiter]
}

func newCallerLimiter(perSecond float64, burst int) *callerLimiter {
	if burst < 1 {
		burst = 1
	}
	return &callerLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: expirable.NewLRU[string, *rate.Limiter](limiterCacheSize, nil, limiterIdleTTL),
	}
}

func (l *callerLimiter) get(key string) *rate.Limiter {
	if lim, ok := l.buckets.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.buckets.Add(key, lim)
	return lim
}

func (a *API) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		// Only a local peer (a reverse proxy) may name the client.
		ip, err := extractClientIP(r, a.isLocal(r))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unable to determine client IP address")
			return
		}
		if addr, err := netip.ParseAddr(ip); err == nil && a.isLocalAddr(addr) {
			next.ServeHTTP(w, r)
			return
		}
		res := a.limiter.get(ip).Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(delay/time.Second)+1))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
