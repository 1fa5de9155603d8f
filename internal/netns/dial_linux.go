//go:build linux

package netns

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/vishvananda/netns"
)

const resolverDialTimeout = 5 * time.Second

// setNS switches the calling thread's network namespace.
var setNS = netns.Set

// pinnedThread is a locked OS thread that may leave its namespace.
type pinnedThread struct {
	tainted bool
}

func lockThread() *pinnedThread {
	runtime.LockOSThread()
	return &pinnedThread{}
}

// restore switches back to origin. On failure the thread is marked tainted
// and unlock keeps it locked, so it exits with its goroutine.
func (p *pinnedThread) restore(origin netns.NsHandle, at string) error {
	if err := setNS(origin); err != nil {
		p.tainted = true
		log.WithError(err).WithField("at", at).Error("restore_namespace_failed")
		return err
	}
	return nil
}

func (p *pinnedThread) unlock() {
	if !p.tainted {
		runtime.UnlockOSThread()
	}
}

// inNamespace runs fn on a thread switched into the named namespace. Sockets
// keep the namespace they were created in, so a dial started here stays
// inside it after the thread switches back.
func inNamespace[T any](name string, fn func() (T, error)) (T, error) {
	var zero T

	thread := lockThread()
	defer thread.unlock()

	origin, err := netns.Get()
	if err != nil {
		return zero, fmt.Errorf("failed to get current namespace: %w", err)
	}
	defer origin.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		return zero, fmt.Errorf("failed to open namespace %s: %w", name, err)
	}
	defer target.Close()

	if err := setNS(target); err != nil {
		return zero, fmt.Errorf("failed to enter namespace %s: %w", name, err)
	}
	defer func() { _ = thread.restore(origin, "netns.inNamespace") }()

	return fn()
}

// NamespaceDialer dials from inside namespace, resolving names through
// resolver:53 reached from the same namespace.
func NamespaceDialer(namespace, resolver string) DialFunc {
	var d net.Dialer
	dialIn := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return inNamespace(namespace, func() (net.Conn, error) {
			return d.DialContext(ctx, network, addr)
		})
	}

	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			ctx, cancel := context.WithTimeout(ctx, resolverDialTimeout)
			defer cancel()
			return dialIn(ctx, network, net.JoinHostPort(resolver, "53"))
		},
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if net.ParseIP(host) == nil {
			ips, err := r.LookupIP(ctx, "ip4", host)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve %s in %s: %w", host, namespace, err)
			}
			if len(ips) == 0 {
				return nil, fmt.Errorf("no IPv4 address for %s", host)
			}
			host = ips[0].String()
		}
		return dialIn(ctx, network, net.JoinHostPort(host, port))
	}
}
