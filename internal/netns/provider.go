// Package netns builds and tears down the throwaway network namespace a
// tunnel is verified in: a namespace holding the tunnel interface, a veth
// pair back to the host, NAT on the host uplink and a private resolver.
package netns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/jbweber/homelab/tunnelguard/internal/domain"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/shell"
	"github.com/jbweber/homelab/tunnelguard/internal/tunnelconf"
)

var log = logging.GetLogger()

const (
	// ManagedMarker appears in the name of every link and namespace created
	// here; anything carrying it may be swept.
	ManagedMarker = "tpn"

	// DefaultResolver is written to the namespace's resolv.conf.
	DefaultResolver = "1.1.1.1"

	// DefaultEtcRoot is where `ip netns exec` looks for per-namespace files.
	DefaultEtcRoot = "/etc/netns"
)

// Spec is everything needed to build one isolated path.
type Spec struct {
	domain.NetworkTestContext

	// Tunnel is the validated config under test.
	Tunnel tunnelconf.Config
	// StrippedPath holds Tunnel.Strip(), for backends that shell out to wg.
	StrippedPath string
	// Endpoint is the IPv4 of the tunnel's peer, routed around the tunnel.
	Endpoint string
}

// DialFunc dials a connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Managed lists leftovers carrying ManagedMarker.
type Managed struct {
	Namespaces []string
	Links      []string
	Tables     []string // nftables tables, netlink backend only
}

// Empty reports whether nothing is left over.
func (m Managed) Empty() bool {
	return len(m.Namespaces) == 0 && len(m.Links) == 0 && len(m.Tables) == 0
}

// Provider performs the privileged network operations of a verification.
type Provider interface {
	// Build creates the namespace, veth pair, NAT rules and tunnel described
	// by spec. It stops at the first failing step; Teardown cleans up.
	Build(ctx context.Context, spec Spec) error
	// Teardown removes everything Build may have created. Already absent
	// objects are not errors.
	Teardown(ctx context.Context, spec Spec) error
	// Dialer returns a dialer whose sockets live inside spec's namespace and
	// whose name lookups use the namespace resolver.
	Dialer(spec Spec) DialFunc
	// HostHasAddress reports whether ip is bound to a host interface.
	HostHasAddress(ctx context.Context, ip string) (bool, error)
	// ReleaseAddress deletes managed host links carrying ip and reports
	// whether the address is gone afterwards.
	ReleaseAddress(ctx context.Context, ip string) (bool, error)
	// ListManaged lists namespaces and host links carrying ManagedMarker.
	ListManaged(ctx context.Context) (Managed, error)
	// DeleteManaged removes the listed namespaces and links.
	DeleteManaged(ctx context.Context, m Managed) error
}

// Backends accepted by New.
const (
	BackendNetlink = "netlink"
	BackendCommand = "command"
)

// New returns the provider for backend.
func New(backend string, runner shell.Runner, resolver string) (Provider, error) {
	switch backend {
	case BackendNetlink, "":
		return newNetlink(resolver)
	case BackendCommand:
		return NewCommandProvider(runner, resolver), nil
	default:
		return nil, fmt.Errorf("unknown namespace backend %q", backend)
	}
}

// Sweep deletes every leftover namespace and link, e.g. after a crash.
func Sweep(ctx context.Context, p Provider) (Managed, error) {
	m, err := p.ListManaged(ctx)
	if err != nil {
		return Managed{}, fmt.Errorf("failed to list managed objects: %w", err)
	}
	if m.Empty() {
		return m, nil
	}
	log.WithFields(logging.Fields{"at": "netns.Sweep", "namespaces": m.Namespaces, "links": m.Links}).Info("sweeping_leftovers")
	return m, p.DeleteManaged(ctx, m)
}

// IsManaged reports whether name was created by this package.
func IsManaged(name string) bool {
	return strings.Contains(name, ManagedMarker)
}

// resolvConf writes <root>/<namespace>/resolv.conf.
func resolvConf(root, namespace, resolver string) error {
	dir := filepath.Join(root, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	body := "nameserver " + resolver + "\n"
	if err := os.WriteFile(filepath.Join(dir, "resolv.conf"), []byte(body), 0o644); err != nil {
		return fmt.Errorf("failed to write resolv.conf for %s: %w", namespace, err)
	}
	return nil
}

func removeResolvConf(root, namespace string) error {
	if namespace == "" {
		return nil
	}
	err := os.RemoveAll(filepath.Join(root, namespace))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// step runs fn and wraps its error with the step name.
func step(tag, name string, fn func() error) error {
	if err := fn(); err != nil {
		log.WithError(err).WithFields(logging.Fields{"at": "netns.Build", "tag": tag, "step": name}).Warn("build_step_failed")
		return fmt.Errorf("%s: %w", name, err)
	}
	log.WithFields(logging.Fields{"at": "netns.Build", "tag": tag, "step": name}).Debug("build_step_done")
	return nil
}
