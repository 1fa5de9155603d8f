package domain

import "time"

// LeaseSlot is a numbered WireGuard peer slot held until ExpiresAt.
type LeaseSlot struct {
	ID        int       // Slot number, 1..N; matches the daemon's peer<N> directory
	ExpiresAt time.Time // When the lease lapses
	UpdatedAt time.Time // Last time the row was written
}

// Expired reports whether the lease has lapsed at now.
func (s LeaseSlot) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// ProxyCredential is one SOCKS5 username/password pair served by the proxy daemon.
type ProxyCredential struct {
	Username  string    // Unique; derived from the secret file name
	Password  string    // Secret file contents
	IPAddress string    // Public host of the proxy
	Port      int       // Public port of the proxy
	Available bool      // False while leased
	ExpiresAt time.Time // Zero when never leased
	Updated   time.Time // Last time the row was written
}

// Challenge is a write-once proof token and its expected solution.
type Challenge struct {
	Challenge string    // Random token, used as the lookup key
	Solution  string    // Random token only reachable through the tunnel under test
	Tag       string    // Free-form label, e.g. "wireguard_<endpoint>"
	CreatedAt time.Time // Insertion time
}

// NetworkTestContext is the set of ephemeral identifiers for one verification attempt.
type NetworkTestContext struct {
	InterfaceID  string // Tunnel interface name inside the namespace
	VethID       string // Base name of the veth pair
	NamespaceID  string // Network namespace name
	SubnetPrefix string // First three octets of the private /24, e.g. "10.200.17"
	Uplink       string // Host interface used for NAT egress
}

// HostVeth is the host-side end of the veth pair.
func (c NetworkTestContext) HostVeth() string { return "veth" + c.VethID + "h" }

// NamespaceVeth is the namespace-side end of the veth pair.
func (c NetworkTestContext) NamespaceVeth() string { return "veth" + c.VethID + "n" }

// HostAddress is the host end's address on the private /24.
func (c NetworkTestContext) HostAddress() string { return c.SubnetPrefix + ".1" }

// NamespaceAddress is the namespace end's address on the private /24.
func (c NetworkTestContext) NamespaceAddress() string { return c.SubnetPrefix + ".2" }

// Subnet is the private /24 in CIDR notation.
func (c NetworkTestContext) Subnet() string { return c.SubnetPrefix + ".0/24" }
