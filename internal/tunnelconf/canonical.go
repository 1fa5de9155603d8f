package tunnelconf

import (
	"fmt"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ValidationError lists the offending fields of a rejected config.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid tunnel config"
	}
	return "invalid tunnel config: " + strings.Join(e.Fields, "; ")
}

// Err returns a *ValidationError for an invalid result and nil otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Fields: r.InvalidKeys}
}

// Canonical renders the config in a fixed key order with absent keys omitted.
func (c Config) Canonical() string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	writeKey(&b, "Address", c.Interface.Address)
	writeKey(&b, "PrivateKey", c.Interface.PrivateKey)
	writeKey(&b, "ListenPort", c.Interface.ListenPort)
	writeKey(&b, "DNS", c.Interface.DNS)
	b.WriteString("\n[Peer]\n")
	writeKey(&b, "PublicKey", c.Peer.PublicKey)
	writeKey(&b, "PresharedKey", c.Peer.PresharedKey)
	writeKey(&b, "AllowedIPs", c.Peer.AllowedIPs)
	writeKey(&b, "Endpoint", c.Peer.Endpoint)
	return b.String()
}

// Strip renders the form accepted by `wg setconf`: the canonical text without
// the keys only wg-quick understands.
func (c Config) Strip() string {
	reduced := c
	reduced.Interface.Address = ""
	reduced.Interface.DNS = ""
	return reduced.Canonical()
}

func writeKey(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s = %s\n", key, value)
}

// Keys holds the decoded key material of a config.
type Keys struct {
	Private      wgtypes.Key
	PeerPublic   wgtypes.Key
	PresharedKey *wgtypes.Key
}

// DecodeKeys decodes the base64 keys. The charset rule in Parse does not
// check length, so a valid config can still fail here.
func (c Config) DecodeKeys() (Keys, error) {
	var keys Keys
	var err error

	if keys.Private, err = wgtypes.ParseKey(c.Interface.PrivateKey); err != nil {
		return Keys{}, fmt.Errorf("failed to decode PrivateKey: %w", err)
	}
	if keys.PeerPublic, err = wgtypes.ParseKey(c.Peer.PublicKey); err != nil {
		return Keys{}, fmt.Errorf("failed to decode PublicKey: %w", err)
	}
	if c.Peer.PresharedKey != "" {
		psk, err := wgtypes.ParseKey(c.Peer.PresharedKey)
		if err != nil {
			return Keys{}, fmt.Errorf("failed to decode PresharedKey: %w", err)
		}
		keys.PresharedKey = &psk
	}
	return keys, nil
}

// AddressIP returns the interface address without its mask.
func (c Config) AddressIP() string {
	ip, _, _ := strings.Cut(c.Interface.Address, "/")
	return ip
}
