package netns

import (
	"context"
	"net"
	"sort"
	"sync"
)

// Fake is an in-memory Provider. Its dialer is a plain host dialer.
type Fake struct {
	mu         sync.Mutex
	namespaces map[string]bool
	links      map[string]bool

	// BoundAddrs are addresses reported as bound on the host.
	BoundAddrs map[string]bool
	// Releasable lets ReleaseAddress free BoundAddrs.
	Releasable bool
	// BuildErr makes Build fail after creating the namespace.
	BuildErr error
	// Built and TornDown record namespace names per call.
	Built    []string
	TornDown []string
	// Specs records the spec of every Build call.
	Specs []Spec
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{namespaces: map[string]bool{}, links: map[string]bool{}, BoundAddrs: map[string]bool{}}
}

func (f *Fake) Build(_ context.Context, spec Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Built = append(f.Built, spec.NamespaceID)
	f.Specs = append(f.Specs, spec)
	f.namespaces[spec.NamespaceID] = true
	if f.BuildErr != nil {
		return f.BuildErr
	}
	f.links[spec.HostVeth()] = true
	f.links[spec.InterfaceID] = true
	return nil
}

func (f *Fake) Teardown(_ context.Context, spec Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TornDown = append(f.TornDown, spec.NamespaceID)
	delete(f.namespaces, spec.NamespaceID)
	delete(f.links, spec.HostVeth())
	delete(f.links, spec.InterfaceID)
	return nil
}

func (f *Fake) Dialer(Spec) DialFunc {
	var d net.Dialer
	return d.DialContext
}

func (f *Fake) HostHasAddress(_ context.Context, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BoundAddrs[ip], nil
}

func (f *Fake) ReleaseAddress(_ context.Context, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Releasable {
		delete(f.BoundAddrs, ip)
	}
	return !f.BoundAddrs[ip], nil
}

func (f *Fake) ListManaged(context.Context) (Managed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Managed{Namespaces: sortedKeys(f.namespaces), Links: sortedKeys(f.links)}, nil
}

func (f *Fake) DeleteManaged(_ context.Context, m Managed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ns := range m.Namespaces {
		delete(f.namespaces, ns)
	}
	for _, l := range m.Links {
		delete(f.links, l)
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Provider = (*Fake)(nil)
