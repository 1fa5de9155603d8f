// Package ifaceid hands out collision-free names for the namespace, veth pair,
// tunnel interface and private /24 used by one verification attempt.
package ifaceid

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jbweber/homelab/tunnelguard/internal/domain"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/presence"
	"github.com/jbweber/homelab/tunnelguard/internal/shell"
)

var log = logging.GetLogger()

const (
	// Prefix marks every link and namespace this process creates.
	Prefix = "tpn"

	// NamespacePrefix is prepended to an interface-style id to name a namespace.
	NamespacePrefix = "ns_"

	// SubnetBase holds the private /24s handed to veth pairs.
	SubnetBase = "10.200"

	// MaxAttempts bounds the regeneration loop.
	MaxAttempts = 60

	// FallbackUplink is used when the default route cannot be read.
	FallbackUplink = "eth0"

	uplinkTTL  = 60 * time.Second
	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	idLength   = 5
)

// Presence key prefixes, one per kind of identifier.
const (
	keyInterface = "interface_id_in_use_"
	keyVeth      = "veth_id_in_use_"
	keyNamespace = "namespace_id_in_use_"
	keySubnet    = "veth_subnet_prefix_in_use_"
)

// ErrExhausted is returned when MaxAttempts rounds all collided.
var ErrExhausted = errors.New("exceeded max attempts to generate unique interface ids")

// Lease is an allocated set of identifiers. Release must be called once the
// attempt is over.
type Lease struct {
	domain.NetworkTestContext
	keys  []string
	cache presence.Cache
}

// Release drops the presence claims. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) {
	if l == nil || len(l.keys) == 0 {
		return
	}
	if err := l.cache.Release(ctx, l.keys...); err != nil {
		log.WithError(err).WithFields(logging.Fields{"at": "ifaceid.Release", "namespace": l.NamespaceID}).Warn("release_failed")
	}
	l.keys = nil
}

// Allocator generates identifiers and claims them in a presence cache.
type Allocator struct {
	cache  presence.Cache
	runner shell.Runner

	// Uplink, when set, skips default-route detection.
	Uplink string
	// Sleep waits between rounds; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	// Backoff is multiplied by the attempt number between rounds.
	Backoff time.Duration

	uplinks *expirable.LRU[string, string]
	intn    func(n int) int
}

// NewAllocator returns an allocator claiming ids in cache and reading the
// default route through runner.
func NewAllocator(cache presence.Cache, runner shell.Runner) *Allocator {
	return &Allocator{
		cache:   cache,
		runner:  runner,
		Sleep:   sleepCtx,
		Backoff: time.Second,
		uplinks: expirable.NewLRU[string, string](1, nil, uplinkTTL),
		intn:    rand.IntN,
	}
}

type slot struct {
	prefix string
	gen    func() string
	value  string
	held   bool
}

// Allocate returns four identifiers no other in-flight attempt holds. Only
// colliding identifiers are regenerated between rounds.
func (a *Allocator) Allocate(ctx context.Context, tag string) (*Lease, error) {
	uplink, err := a.uplink(ctx)
	if err != nil {
		return nil, err
	}

	slots := []*slot{
		{prefix: keyInterface, gen: a.interfaceID},
		{prefix: keyVeth, gen: a.interfaceID},
		{prefix: keyNamespace, gen: func() string { return NamespacePrefix + a.interfaceID() }},
		{prefix: keySubnet, gen: a.subnetPrefix},
	}
	for _, s := range slots {
		s.value = s.gen()
	}

	release := func() {
		var keys []string
		for _, s := range slots {
			if s.held {
				keys = append(keys, s.prefix+s.value)
			}
		}
		if len(keys) > 0 {
			_ = a.cache.Release(context.WithoutCancel(ctx), keys...)
		}
	}

	for attempt := 1; ; attempt++ {
		collided := 0
		for _, s := range slots {
			if s.held {
				continue
			}
			ok, err := a.cache.Claim(ctx, s.prefix+s.value)
			if err != nil {
				release()
				return nil, fmt.Errorf("failed to claim %s: %w", s.prefix+s.value, err)
			}
			if ok {
				s.held = true
				continue
			}
			collided++
		}

		if collided == 0 {
			break
		}

		if attempt >= MaxAttempts {
			log.WithFields(logging.Fields{"at": "ifaceid.Allocate", "tag": tag, "attempts": attempt}).Error("id_generation_exhausted")
			release()
			return nil, fmt.Errorf("%s: %w", tag, ErrExhausted)
		}

		for _, s := range slots {
			if !s.held {
				fresh := s.gen()
				log.WithFields(logging.Fields{"at": "ifaceid.Allocate", "tag": tag, "from": s.value, "to": fresh}).Debug("regenerate_id")
				s.value = fresh
			}
		}

		if err := a.Sleep(ctx, time.Duration(attempt)*a.Backoff); err != nil {
			release()
			return nil, err
		}
	}

	lease := &Lease{
		NetworkTestContext: domain.NetworkTestContext{
			InterfaceID:  slots[0].value,
			VethID:       slots[1].value,
			NamespaceID:  slots[2].value,
			SubnetPrefix: slots[3].value,
			Uplink:       uplink,
		},
		cache: a.cache,
	}
	for _, s := range slots {
		lease.keys = append(lease.keys, s.prefix+s.value)
	}

	log.WithFields(logging.Fields{
		"at":        "ifaceid.Allocate",
		"tag":       tag,
		"interface": lease.InterfaceID,
		"veth":      lease.VethID,
		"namespace": lease.NamespaceID,
		"subnet":    lease.Subnet(),
		"uplink":    uplink,
	}).Debug("ids_allocated")
	return lease, nil
}

func (a *Allocator) interfaceID() string {
	var b strings.Builder
	b.WriteString(Prefix)
	for i := 0; i < idLength; i++ {
		b.WriteByte(idAlphabet[a.intn(len(idAlphabet))])
	}
	return b.String()
}

func (a *Allocator) subnetPrefix() string {
	return SubnetBase + "." + strconv.Itoa(1+a.intn(254))
}

// uplink reads the device of the default route, falling back to eth0. The
// answer is cached for a minute.
func (a *Allocator) uplink(ctx context.Context) (string, error) {
	if a.Uplink != "" {
		return a.Uplink, nil
	}
	if dev, ok := a.uplinks.Get("default"); ok {
		return dev, nil
	}

	dev := ""
	res, err := a.runner.Run(ctx, "ip", "route", "show", "default")
	if err == nil {
		dev = DefaultRouteDevice(res.Stdout)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if dev == "" {
		log.WithFields(logging.Fields{"at": "ifaceid.uplink", "fallback": FallbackUplink}).Warn("uplink_not_detected")
		dev = FallbackUplink
	}
	a.uplinks.Add("default", dev)
	return dev, nil
}

// DefaultRouteDevice extracts the "dev" of the first default route in the
// output of `ip route show default`.
func DefaultRouteDevice(out string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "default" {
			continue
		}
		for i := 1; i+1 < len(fields); i++ {
			if fields[i] == "dev" {
				return fields[i+1]
			}
		}
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
