package verifier

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jbweber/homelab/tunnelguard/internal/domain"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
)

const (
	DefaultEchoURL       = "http://ipv4.icanhazip.com"
	DefaultSOCKS5Timeout = 10 * time.Second
)

// SOCKS5Prober compares the caller's egress address with and without a proxy.
type SOCKS5Prober struct {
	EchoURL string
	Timeout time.Duration
}

// NewSOCKS5Prober returns a prober using echoURL, or the default service.
func NewSOCKS5Prober(echoURL string) *SOCKS5Prober {
	if echoURL == "" {
		echoURL = DefaultEchoURL
	}
	return &SOCKS5Prober{EchoURL: echoURL, Timeout: DefaultSOCKS5Timeout}
}

// ProxyURL renders cred as a socks5:// URL.
func ProxyURL(cred domain.ProxyCredential) string {
	u := url.URL{
		Scheme: "socks5",
		User:   url.UserPassword(cred.Username, cred.Password),
		Host:   net.JoinHostPort(cred.IPAddress, strconv.Itoa(cred.Port)),
	}
	return u.String()
}

// Probe reports whether traffic through cred leaves from a different IPv4
// address than direct traffic.
func (p *SOCKS5Prober) Probe(ctx context.Context, cred domain.ProxyCredential) (Result, error) {
	entry := log.WithFields(logging.Fields{"at": "verifier.SOCKS5Prober.Probe", "proxy": net.JoinHostPort(cred.IPAddress, strconv.Itoa(cred.Port)), "username": cred.Username})

	direct, err := p.egress(ctx, resty.New())
	if err != nil {
		return Result{Message: fmt.Sprintf("failed to read direct address: %v", err)}, err
	}

	proxied, err := p.egress(ctx, resty.New().SetProxy(ProxyURL(cred)))
	if err != nil {
		entry.WithError(err).Debug("proxied_request_failed")
		return Result{Message: fmt.Sprintf("request through proxy failed: %v", err)}, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}

	if !changedEgress(direct, proxied) {
		entry.WithFields(logging.Fields{"direct": direct, "proxied": proxied}).Info("proxy_did_not_change_egress")
		return Result{Message: fmt.Sprintf("proxy egress %q does not differ from direct %q", proxied, direct)}, ErrVerificationFailed
	}

	entry.WithField("proxied", proxied).Debug("proxy_ok")
	return Result{Valid: true, Message: fmt.Sprintf("SOCKS5 proxy egresses from %s", proxied)}, nil
}

func (p *SOCKS5Prober) egress(ctx context.Context, client *resty.Client) (string, error) {
	resp, err := client.SetTimeout(p.Timeout).R().SetContext(ctx).Get(p.EchoURL)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("%s answered %s", p.EchoURL, resp.Status())
	}
	return strings.TrimSpace(resp.String()), nil
}

// changedEgress reports whether proxied is an IPv4 address other than direct.
func changedEgress(direct, proxied string) bool {
	ip := net.ParseIP(proxied)
	return ip != nil && ip.To4() != nil && proxied != direct
}
