// Package tunnelconf parses, validates and canonicalizes WireGuard client
// configurations received from untrusted peers.
package tunnelconf

import (
	"bufio"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// Section names a config block.
type Section string

const (
	SectionInterface Section = "interface"
	SectionPeer      Section = "peer"
)

// Interface holds the accepted [Interface] keys. Empty means absent.
type Interface struct {
	Address    string `json:"Address,omitempty"`
	PrivateKey string `json:"PrivateKey,omitempty"`
	ListenPort string `json:"ListenPort,omitempty"`
	DNS        string `json:"DNS,omitempty"`
}

// Peer holds the accepted [Peer] keys. Empty means absent.
type Peer struct {
	PublicKey    string `json:"PublicKey,omitempty"`
	PresharedKey string `json:"PresharedKey,omitempty"`
	AllowedIPs   string `json:"AllowedIPs,omitempty"`
	Endpoint     string `json:"Endpoint,omitempty"`
}

// Config is a parsed tunnel configuration.
type Config struct {
	Interface Interface `json:"interface"`
	Peer      Peer      `json:"peer"`
}

// Result is the outcome of Parse. Config and Canonical are nil unless Valid.
type Result struct {
	Valid        bool     `json:"valid"`
	Config       *Config  `json:"structured"`
	Canonical    *string  `json:"canonical_text"`
	InvalidKeys  []string `json:"invalid_fields"`
	EndpointIPv4 string   `json:"endpoint_ipv4,omitempty"`
}

type rule struct {
	section  Section
	key      string
	validate func(string) bool
}

var (
	keyCharset   = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)
	digitsOnly   = regexp.MustCompile(`^\d+$`)
	linePattern  = regexp.MustCompile(`^([A-Za-z]+)\s*=\s*(.*)$`)
	headerPrefix = "["
)

var rules = []rule{
	{SectionInterface, "Address", isAddress},
	{SectionInterface, "PrivateKey", keyCharset.MatchString},
	{SectionInterface, "ListenPort", digitsOnly.MatchString},
	{SectionInterface, "DNS", isIPv4},
	{SectionPeer, "PublicKey", keyCharset.MatchString},
	{SectionPeer, "PresharedKey", keyCharset.MatchString},
	{SectionPeer, "AllowedIPs", isDefaultRoute},
	{SectionPeer, "Endpoint", func(v string) bool { return isIPv4(endpointHost(v)) }},
}

// Parse extracts the accepted keys from raw, validates them, and on success
// returns the canonical text. When expectedEndpoint is non-empty the Endpoint
// host must equal it exactly. Parse never returns partial output for an
// invalid config.
func Parse(raw, expectedEndpoint string) Result {
	cfg := extract(raw)

	var invalid []string
	for _, r := range rules {
		value := cfg.get(r.section, r.key)
		if value == "" {
			continue
		}
		if !r.validate(value) {
			invalid = append(invalid, fmt.Sprintf("%s.%s = %s", r.section, r.key, value))
		}
	}

	if cfg.Interface.Address != "" && !strings.Contains(cfg.Interface.Address, "/") {
		cfg.Interface.Address += "/32"
	}
	cfg.Peer.AllowedIPs = normalizeList(cfg.Peer.AllowedIPs)

	res := Result{InvalidKeys: invalid}
	if host := endpointHost(cfg.Peer.Endpoint); isIPv4(host) {
		res.EndpointIPv4 = host
	}

	endpointOK := expectedEndpoint == "" || res.EndpointIPv4 == expectedEndpoint
	if !endpointOK {
		res.InvalidKeys = append(res.InvalidKeys,
			fmt.Sprintf("%s.Endpoint = %s (expected host %s)", SectionPeer, cfg.Peer.Endpoint, expectedEndpoint))
	}

	if len(invalid) > 0 || !endpointOK {
		return res
	}

	text := cfg.Canonical()
	res.Valid = true
	res.Config = &cfg
	res.Canonical = &text
	return res
}

// extract reads Key = Value lines section by section, keeping the first
// occurrence of each accepted key. Unknown keys and comments are dropped.
func extract(raw string) Config {
	var (
		cfg     Config
		section Section
	)

	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, headerPrefix) && strings.HasSuffix(line, "]") {
			section = Section(strings.ToLower(strings.TrimSpace(line[1 : len(line)-1])))
			continue
		}

		m := linePattern.FindStringSubmatch(line)
		if m == nil || section == "" {
			continue
		}
		if cfg.get(section, m[1]) == "" {
			cfg.set(section, m[1], strings.TrimSpace(m[2]))
		}
	}

	return cfg
}

func (c *Config) get(section Section, key string) string {
	switch section {
	case SectionInterface:
		switch key {
		case "Address":
			return c.Interface.Address
		case "PrivateKey":
			return c.Interface.PrivateKey
		case "ListenPort":
			return c.Interface.ListenPort
		case "DNS":
			return c.Interface.DNS
		}
	case SectionPeer:
		switch key {
		case "PublicKey":
			return c.Peer.PublicKey
		case "PresharedKey":
			return c.Peer.PresharedKey
		case "AllowedIPs":
			return c.Peer.AllowedIPs
		case "Endpoint":
			return c.Peer.Endpoint
		}
	}
	return ""
}

func (c *Config) set(section Section, key, value string) {
	switch section {
	case SectionInterface:
		switch key {
		case "Address":
			c.Interface.Address = value
		case "PrivateKey":
			c.Interface.PrivateKey = value
		case "ListenPort":
			c.Interface.ListenPort = value
		case "DNS":
			c.Interface.DNS = value
		}
	case SectionPeer:
		switch key {
		case "PublicKey":
			c.Peer.PublicKey = value
		case "PresharedKey":
			c.Peer.PresharedKey = value
		case "AllowedIPs":
			c.Peer.AllowedIPs = value
		case "Endpoint":
			c.Peer.Endpoint = value
		}
	}
}

func isIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}

// isAddress accepts an IPv4 literal with or without a /0-32 mask.
func isAddress(s string) bool {
	ip, mask, hasMask := strings.Cut(s, "/")
	if !isIPv4(ip) {
		return false
	}
	if !hasMask {
		return true
	}
	bits, err := strconv.Atoi(mask)
	return err == nil && digitsOnly.MatchString(mask) && bits >= 0 && bits <= 32
}

func isDefaultRoute(s string) bool {
	switch normalizeList(s) {
	case "0.0.0.0/0", "0.0.0.0/0, ::/0":
		return true
	}
	return false
}

func normalizeList(s string) string {
	if s == "" {
		return s
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ", ")
}

// endpointHost returns the host part of host:port, or s itself without a port.
func endpointHost(s string) string {
	host, _, found := strings.Cut(s, ":")
	if !found {
		return s
	}
	return host
}
