//go:build linux

package netns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/jbweber/homelab/tunnelguard/internal/logging"
)

const (
	netnsRunDir = "/var/run/netns"
	ipForward   = "/proc/sys/net/ipv4/ip_forward"
	tablePrefix = "tunnelguard_"
)

// NetlinkProvider builds namespaces with netlink, nftables and wgctrl instead
// of external binaries.
type NetlinkProvider struct {
	resolver string

	// EtcRoot replaces /etc/netns, for tests.
	EtcRoot string
}

// NewNetlinkProvider returns a provider talking to the kernel directly.
func NewNetlinkProvider(resolver string) *NetlinkProvider {
	if resolver == "" {
		resolver = DefaultResolver
	}
	return &NetlinkProvider{resolver: resolver, EtcRoot: DefaultEtcRoot}
}

func newNetlink(resolver string) (Provider, error) {
	return NewNetlinkProvider(resolver), nil
}

// tableName is the nftables table holding one attempt's NAT and forward rules.
func tableName(spec Spec) string { return tablePrefix + spec.VethID }

func (p *NetlinkProvider) Build(_ context.Context, spec Spec) error {
	tag := spec.NamespaceID

	thread := lockThread()
	defer thread.unlock()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("failed to get current namespace: %w", err)
	}
	defer origin.Close()

	var target netns.NsHandle
	if err := step(tag, "create namespace", func() error {
		var err error
		// NewNamed switches the thread into the new namespace.
		if target, err = netns.NewNamed(spec.NamespaceID); err != nil {
			return err
		}
		return thread.restore(origin, "netns.Build")
	}); err != nil {
		return err
	}
	defer target.Close()

	inside, err := netlink.NewHandleAt(target)
	if err != nil {
		return fmt.Errorf("failed to open netlink handle in %s: %w", spec.NamespaceID, err)
	}
	defer inside.Close()

	_, subnet, err := net.ParseCIDR(spec.Subnet())
	if err != nil {
		return fmt.Errorf("invalid subnet %s: %w", spec.Subnet(), err)
	}
	tunnelAddr, err := netlink.ParseAddr(spec.Tunnel.Interface.Address)
	if err != nil {
		return fmt.Errorf("invalid tunnel address %s: %w", spec.Tunnel.Interface.Address, err)
	}
	wgConfig, err := deviceConfig(spec)
	if err != nil {
		return err
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"loopback up", func() error { return linkUp(inside, "lo") }},
		{"create tunnel interface", func() error {
			return inside.LinkAdd(&netlink.Wireguard{LinkAttrs: netlink.LinkAttrs{Name: spec.InterfaceID}})
		}},
		{"create veth pair", func() error {
			return netlink.LinkAdd(&netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: spec.HostVeth()}, PeerName: spec.NamespaceVeth()})
		}},
		{"move veth into namespace", func() error {
			link, err := netlink.LinkByName(spec.NamespaceVeth())
			if err != nil {
				return err
			}
			return netlink.LinkSetNsFd(link, int(target))
		}},
		{"host veth address", func() error { return addAddr(nil, spec.HostVeth(), spec.HostAddress()+"/24") }},
		{"host veth up", func() error { return linkUp(nil, spec.HostVeth()) }},
		{"namespace veth address", func() error { return addAddr(inside, spec.NamespaceVeth(), spec.NamespaceAddress()+"/24") }},
		{"namespace veth up", func() error { return linkUp(inside, spec.NamespaceVeth()) }},
		{"enable forwarding", func() error { return os.WriteFile(ipForward, []byte("1"), 0o644) }},
		{"nat rules", func() error { return addFirewall(tableName(spec), spec.HostVeth(), spec.Uplink, subnet) }},
		{"configure tunnel", func() error { return configureDevice(thread, origin, target, spec.InterfaceID, wgConfig) }},
		{"tunnel address", func() error {
			link, err := inside.LinkByName(spec.InterfaceID)
			if err != nil {
				return err
			}
			return inside.AddrAdd(link, tunnelAddr)
		}},
		{"tunnel up", func() error { return linkUp(inside, spec.InterfaceID) }},
		{"default route", func() error {
			link, err := inside.LinkByName(spec.InterfaceID)
			if err != nil {
				return err
			}
			return inside.RouteAdd(&netlink.Route{
				LinkIndex: link.Attrs().Index,
				Dst:       &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)},
			})
		}},
		{"endpoint route", func() error {
			link, err := inside.LinkByName(spec.NamespaceVeth())
			if err != nil {
				return err
			}
			return inside.RouteAdd(&netlink.Route{
				LinkIndex: link.Attrs().Index,
				Dst:       &net.IPNet{IP: net.ParseIP(spec.Endpoint).To4(), Mask: net.CIDRMask(32, 32)},
				Gw:        net.ParseIP(spec.HostAddress()),
			})
		}},
		{"resolv.conf", func() error { return resolvConf(p.EtcRoot, spec.NamespaceID, p.resolver) }},
	}

	for _, s := range steps {
		if err := step(tag, s.name, s.fn); err != nil {
			return err
		}
	}
	return nil
}

// linkUp sets a link up through h, or in the current namespace when h is nil.
func linkUp(h *netlink.Handle, name string) error {
	if h == nil {
		h = &netlink.Handle{}
	}
	link, err := h.LinkByName(name)
	if err != nil {
		return err
	}
	return h.LinkSetUp(link)
}

func addAddr(h *netlink.Handle, name, cidr string) error {
	if h == nil {
		h = &netlink.Handle{}
	}
	link, err := h.LinkByName(name)
	if err != nil {
		return err
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return err
	}
	return h.AddrAdd(link, addr)
}

// deviceConfig translates the parsed config for wgctrl.
func deviceConfig(spec Spec) (wgtypes.Config, error) {
	keys, err := spec.Tunnel.DecodeKeys()
	if err != nil {
		return wgtypes.Config{}, err
	}

	peer := wgtypes.PeerConfig{
		PublicKey:         keys.PeerPublic,
		PresharedKey:      keys.PresharedKey,
		ReplaceAllowedIPs: true,
	}
	if ep := spec.Tunnel.Peer.Endpoint; ep != "" {
		udp, err := net.ResolveUDPAddr("udp4", ep)
		if err != nil {
			return wgtypes.Config{}, fmt.Errorf("invalid endpoint %s: %w", ep, err)
		}
		peer.Endpoint = udp
	}
	for _, cidr := range strings.Split(spec.Tunnel.Peer.AllowedIPs, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return wgtypes.Config{}, fmt.Errorf("invalid allowed ip %s: %w", cidr, err)
		}
		peer.AllowedIPs = append(peer.AllowedIPs, *ipNet)
	}

	cfg := wgtypes.Config{
		PrivateKey:   &keys.Private,
		ReplacePeers: true,
		Peers:        []wgtypes.PeerConfig{peer},
	}
	if lp := spec.Tunnel.Interface.ListenPort; lp != "" {
		port, err := strconv.Atoi(lp)
		if err != nil {
			return wgtypes.Config{}, fmt.Errorf("invalid listen port %s: %w", lp, err)
		}
		cfg.ListenPort = &port
	}
	return cfg, nil
}

// configureDevice applies cfg from inside target; wgctrl talks generic
// netlink in the namespace of the calling thread.
func configureDevice(thread *pinnedThread, origin, target netns.NsHandle, name string, cfg wgtypes.Config) error {
	if err := setNS(target); err != nil {
		return err
	}
	defer func() { _ = thread.restore(origin, "netns.configureDevice") }()

	client, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("failed to create wgctrl client: %w", err)
	}
	defer client.Close()
	return client.ConfigureDevice(name, cfg)
}

// addFirewall creates a per-attempt table that masquerades the subnet out of
// uplink and lets forwarded traffic through in both directions.
func addFirewall(name, hostVeth, uplink string, subnet *net.IPNet) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("failed to create nftables connection: %w", err)
	}

	table := conn.AddTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: name})

	matchSource := []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: subnet.Mask, Xor: []byte{0, 0, 0, 0}},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: subnet.IP.To4()},
	}
	matchIface := func(key expr.MetaKey, name string) []expr.Any {
		return []expr.Any{
			&expr.Meta{Key: key, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte(name + "\x00")},
		}
	}
	rule := func(chain *nftables.Chain, parts ...[]expr.Any) {
		var exprs []expr.Any
		for _, p := range parts {
			exprs = append(exprs, p...)
		}
		conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: exprs})
	}

	postrouting := conn.AddChain(&nftables.Chain{
		Name:     "postrouting",
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})
	rule(postrouting, matchSource, matchIface(expr.MetaKeyOIFNAME, uplink), []expr.Any{&expr.Masq{}})

	forward := conn.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	accept := []expr.Any{&expr.Verdict{Kind: expr.VerdictAccept}}
	rule(forward, matchIface(expr.MetaKeyIIFNAME, hostVeth), matchIface(expr.MetaKeyOIFNAME, uplink), matchSource, accept)
	rule(forward, matchIface(expr.MetaKeyOIFNAME, hostVeth), []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
	}, accept)

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("failed to apply nftables rules: %w", err)
	}
	return nil
}

// deleteTables removes the named tables; missing ones are skipped.
func deleteTables(names ...string) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("failed to create nftables connection: %w", err)
	}
	tables, err := conn.ListTablesOfFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return fmt.Errorf("failed to list nftables tables: %w", err)
	}

	wanted := map[string]bool{}
	for _, n := range names {
		wanted[n] = true
	}
	found := false
	for _, t := range tables {
		if wanted[t.Name] {
			conn.DelTable(t)
			found = true
		}
	}
	if !found {
		return nil
	}
	return conn.Flush()
}

func managedTables() ([]string, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create nftables connection: %w", err)
	}
	tables, err := conn.ListTablesOfFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to list nftables tables: %w", err)
	}
	var names []string
	for _, t := range tables {
		if strings.HasPrefix(t.Name, tablePrefix) {
			names = append(names, t.Name)
		}
	}
	return names, nil
}

func deleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return netlink.LinkDel(link)
}

func deleteNamespace(name string) error {
	if _, err := os.Stat(filepath.Join(netnsRunDir, name)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return netns.DeleteNamed(name)
}

// Teardown deletes the host veth (taking its peer with it), the firewall
// table and the namespace (taking the tunnel interface with it).
func (p *NetlinkProvider) Teardown(_ context.Context, spec Spec) error {
	var errs []error
	if err := deleteLink(spec.HostVeth()); err != nil {
		errs = append(errs, fmt.Errorf("delete %s: %w", spec.HostVeth(), err))
	}
	if err := deleteTables(tableName(spec)); err != nil {
		errs = append(errs, fmt.Errorf("delete table %s: %w", tableName(spec), err))
	}
	if err := deleteNamespace(spec.NamespaceID); err != nil {
		errs = append(errs, fmt.Errorf("delete namespace %s: %w", spec.NamespaceID, err))
	}
	if err := removeResolvConf(p.EtcRoot, spec.NamespaceID); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		log.WithError(err).WithFields(logging.Fields{"at": "netns.NetlinkProvider.Teardown", "tag": spec.NamespaceID}).Debug("teardown_incomplete")
	}
	return err
}

func (p *NetlinkProvider) Dialer(spec Spec) DialFunc {
	return NamespaceDialer(spec.NamespaceID, p.resolver)
}

func (p *NetlinkProvider) HostHasAddress(_ context.Context, ip string) (bool, error) {
	addrs, err := netlink.AddrList(nil, netlink.FAMILY_V4)
	if err != nil {
		return false, fmt.Errorf("failed to list host addresses: %w", err)
	}
	for _, a := range addrs {
		if a.IP.String() == ip {
			return true, nil
		}
	}
	return false, nil
}

func (p *NetlinkProvider) ReleaseAddress(ctx context.Context, ip string) (bool, error) {
	addrs, err := netlink.AddrList(nil, netlink.FAMILY_V4)
	if err != nil {
		return false, fmt.Errorf("failed to list host addresses: %w", err)
	}
	for _, a := range addrs {
		if a.IP.String() != ip {
			continue
		}
		link, err := netlink.LinkByIndex(a.LinkIndex)
		if err != nil {
			continue
		}
		name := link.Attrs().Name
		if !IsManaged(name) {
			continue
		}
		log.WithFields(logging.Fields{"at": "netns.NetlinkProvider.ReleaseAddress", "link": name, "ip": ip}).Info("deleting_stale_link")
		if err := netlink.LinkDel(link); err != nil {
			return false, fmt.Errorf("failed to delete %s: %w", name, err)
		}
	}

	busy, err := p.HostHasAddress(ctx, ip)
	return !busy, err
}

func (p *NetlinkProvider) ListManaged(_ context.Context) (Managed, error) {
	var m Managed

	entries, err := os.ReadDir(netnsRunDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Managed{}, fmt.Errorf("failed to list namespaces: %w", err)
	}
	for _, e := range entries {
		if IsManaged(e.Name()) {
			m.Namespaces = append(m.Namespaces, e.Name())
		}
	}

	links, err := netlink.LinkList()
	if err != nil {
		return Managed{}, fmt.Errorf("failed to list links: %w", err)
	}
	for _, l := range links {
		if IsManaged(l.Attrs().Name) {
			m.Links = append(m.Links, l.Attrs().Name)
		}
	}

	if m.Tables, err = managedTables(); err != nil {
		return Managed{}, err
	}
	return m, nil
}

func (p *NetlinkProvider) DeleteManaged(_ context.Context, m Managed) error {
	var errs []error
	for _, name := range m.Links {
		if err := deleteLink(name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(m.Tables) > 0 {
		if err := deleteTables(m.Tables...); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ns := range m.Namespaces {
		if err := deleteNamespace(ns); err != nil {
			errs = append(errs, err)
		}
		if err := removeResolvConf(p.EtcRoot, ns); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Provider = (*NetlinkProvider)(nil)
