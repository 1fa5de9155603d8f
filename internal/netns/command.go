package netns

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/shell"
)

// CommandProvider drives ip, iptables, sysctl and wg through a shell runner.
type CommandProvider struct {
	runner   shell.Runner
	resolver string

	// EtcRoot replaces /etc/netns, for tests.
	EtcRoot string
	// TmpDir is where leftover per-interface configs are looked for.
	TmpDir string
}

// NewCommandProvider returns a provider that shells out through runner.
func NewCommandProvider(runner shell.Runner, resolver string) *CommandProvider {
	if resolver == "" {
		resolver = DefaultResolver
	}
	return &CommandProvider{runner: runner, resolver: resolver, EtcRoot: DefaultEtcRoot, TmpDir: os.TempDir()}
}

func (p *CommandProvider) run(ctx context.Context, args ...string) error {
	_, err := p.runner.Run(ctx, args[0], args[1:]...)
	return err
}

func natRule(op string, spec Spec) []string {
	return []string{"iptables", "-t", "nat", op, "POSTROUTING", "-s", spec.Subnet(), "-o", spec.Uplink, "-j", "MASQUERADE"}
}

func forwardOutRule(op string, spec Spec) []string {
	return []string{"iptables", op, "FORWARD", "-i", spec.HostVeth(), "-o", spec.Uplink, "-s", spec.Subnet(), "-j", "ACCEPT"}
}

func forwardInRule(op string, spec Spec) []string {
	return []string{"iptables", op, "FORWARD", "-o", spec.HostVeth(), "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"}
}

func (p *CommandProvider) Build(ctx context.Context, spec Spec) error {
	ns := spec.NamespaceID
	steps := [][]string{
		{"ip", "netns", "add", ns},
		{"ip", "-n", ns, "link", "set", "lo", "up"},
		{"ip", "-n", ns, "link", "add", spec.InterfaceID, "type", "wireguard"},
		{"ip", "link", "add", spec.NamespaceVeth(), "type", "veth", "peer", "name", spec.HostVeth()},
		{"ip", "link", "set", spec.NamespaceVeth(), "netns", ns},
		{"ip", "addr", "add", spec.HostAddress() + "/24", "dev", spec.HostVeth()},
		{"ip", "link", "set", spec.HostVeth(), "up"},
		{"ip", "-n", ns, "addr", "add", spec.NamespaceAddress() + "/24", "dev", spec.NamespaceVeth()},
		{"ip", "-n", ns, "link", "set", spec.NamespaceVeth(), "up"},
		{"sysctl", "-w", "net.ipv4.ip_forward=1"},
		natRule("-A", spec),
		forwardOutRule("-A", spec),
		forwardInRule("-A", spec),
		{"ip", "netns", "exec", ns, "wg", "setconf", spec.InterfaceID, spec.StrippedPath},
		{"ip", "-n", ns, "addr", "add", spec.Tunnel.Interface.Address, "dev", spec.InterfaceID},
		{"ip", "-n", ns, "link", "set", spec.InterfaceID, "up"},
		{"ip", "-n", ns, "route", "add", "default", "dev", spec.InterfaceID},
		{"ip", "-n", ns, "route", "add", spec.Endpoint + "/32", "via", spec.HostAddress()},
	}

	for _, args := range steps {
		if err := step(ns, shell.Join(args[0], args[1:]...), func() error { return p.run(ctx, args...) }); err != nil {
			return err
		}
	}
	return step(ns, "resolv.conf", func() error { return resolvConf(p.EtcRoot, ns, p.resolver) })
}

func (p *CommandProvider) Teardown(ctx context.Context, spec Spec) error {
	ns := spec.NamespaceID
	steps := [][]string{
		{"ip", "link", "del", spec.HostVeth()},
		{"ip", "link", "del", spec.NamespaceVeth()},
		{"ip", "-n", ns, "link", "del", spec.InterfaceID},
		{"ip", "netns", "del", ns},
		natRule("-D", spec),
		forwardOutRule("-D", spec),
		forwardInRule("-D", spec),
	}

	var errs []error
	for _, args := range steps {
		if err := p.run(ctx, args...); err != nil && !shell.IsAbsent(err) {
			errs = append(errs, err)
		}
	}
	if err := removeResolvConf(p.EtcRoot, ns); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		log.WithError(err).WithFields(logging.Fields{"at": "netns.CommandProvider.Teardown", "tag": ns}).Debug("teardown_incomplete")
	}
	return err
}

func (p *CommandProvider) Dialer(spec Spec) DialFunc {
	return NamespaceDialer(spec.NamespaceID, p.resolver)
}

// hostAddresses maps interface names to the IPv4 addresses bound to them,
// read from `ip -4 -o addr show`.
func (p *CommandProvider) hostAddresses(ctx context.Context) (map[string][]string, error) {
	res, err := p.runner.Run(ctx, "ip", "-4", "-o", "addr", "show")
	if err != nil {
		return nil, err
	}
	return parseAddrShow(res.Stdout), nil
}

// parseAddrShow parses lines like
// "3: wg0    inet 10.0.0.2/32 scope global wg0\       valid_lft forever".
func parseAddrShow(out string) map[string][]string {
	addrs := map[string][]string{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for i := 2; i+1 < len(fields); i++ {
			if fields[i] != "inet" {
				continue
			}
			ip, _, _ := strings.Cut(fields[i+1], "/")
			name, _, _ := strings.Cut(fields[1], "@")
			addrs[name] = append(addrs[name], ip)
			break
		}
	}
	return addrs
}

func (p *CommandProvider) HostHasAddress(ctx context.Context, ip string) (bool, error) {
	addrs, err := p.hostAddresses(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list host addresses: %w", err)
	}
	return hasAddress(addrs, ip), nil
}

func hasAddress(addrs map[string][]string, ip string) bool {
	for _, list := range addrs {
		for _, a := range list {
			if a == ip {
				return true
			}
		}
	}
	return false
}

func (p *CommandProvider) ReleaseAddress(ctx context.Context, ip string) (bool, error) {
	addrs, err := p.hostAddresses(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list host addresses: %w", err)
	}

	for name, list := range addrs {
		if !IsManaged(name) || !containsString(list, ip) {
			continue
		}
		log.WithFields(logging.Fields{"at": "netns.CommandProvider.ReleaseAddress", "link": name, "ip": ip}).Info("deleting_stale_link")
		if err := p.run(ctx, "ip", "link", "delete", name); err != nil && !shell.IsAbsent(err) {
			return false, err
		}
		if err := os.Remove(filepath.Join(p.TmpDir, name+".conf")); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("at", "netns.CommandProvider.ReleaseAddress").Debug("remove_config_failed")
		}
	}

	busy, err := p.HostHasAddress(ctx, ip)
	return !busy, err
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (p *CommandProvider) ListManaged(ctx context.Context) (Managed, error) {
	var m Managed

	res, err := p.runner.Run(ctx, "ip", "netns", "list")
	if err != nil {
		return Managed{}, err
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && IsManaged(fields[0]) {
			m.Namespaces = append(m.Namespaces, fields[0])
		}
	}

	res, err = p.runner.Run(ctx, "ip", "-o", "link", "show")
	if err != nil {
		return Managed{}, err
	}
	m.Links = parseLinkShow(res.Stdout)
	return m, nil
}

// parseLinkShow returns the managed names in `ip -o link show` output, whose
// lines look like "7: vethtpnab12ch@if6: <BROADCAST,...>".
func parseLinkShow(out string) []string {
	var links []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		name, _, _ = strings.Cut(name, "@")
		if IsManaged(name) {
			links = append(links, name)
		}
	}
	return links
}

func (p *CommandProvider) DeleteManaged(ctx context.Context, m Managed) error {
	var errs []error
	for _, name := range m.Links {
		if err := p.run(ctx, "ip", "link", "del", name); err != nil && !shell.IsAbsent(err) {
			errs = append(errs, err)
		}
	}
	for _, ns := range m.Namespaces {
		if err := p.run(ctx, "ip", "netns", "del", ns); err != nil && !shell.IsAbsent(err) {
			errs = append(errs, err)
		}
		if err := removeResolvConf(p.EtcRoot, ns); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Provider = (*CommandProvider)(nil)
