// Package verifier proves that a WireGuard config carries traffic: it brings
// the tunnel up inside a throwaway namespace and fetches a challenge through
// it.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/samber/oops"

	"github.com/jbweber/homelab/tunnelguard/internal/challenge"
	"github.com/jbweber/homelab/tunnelguard/internal/ifaceid"
	"github.com/jbweber/homelab/tunnelguard/internal/lease"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/netns"
	"github.com/jbweber/homelab/tunnelguard/internal/presence"
	"github.com/jbweber/homelab/tunnelguard/internal/tunnelconf"
)

var log = logging.GetLogger()

const (
	DefaultProbeTimeout  = 30 * time.Second
	DefaultIPFreeTimeout = 5 * DefaultProbeTimeout
	DefaultPollInterval  = 5 * time.Second

	keyAddress = "ip_being_processed_"
)

var (
	// ErrVerificationFailed covers build failures, probe errors and wrong
	// solutions. The attempt may be retried.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrAddressBusy means the tunnel address stayed bound or claimed after cleanup.
	ErrAddressBusy = errors.New("address still in use after cleanup")
)

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// Options tune a Verifier. Zero values take the defaults.
type Options struct {
	ProbeTimeout  time.Duration
	IPFreeTimeout time.Duration
	PollInterval  time.Duration
	TmpDir        string
}

// Result is the outcome reported to callers.
type Result struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// Verifier runs one isolated verification per call.
type Verifier struct {
	ids        *ifaceid.Allocator
	cache      presence.Cache
	provider   netns.Provider
	challenges *challenge.Service
	opts       Options
}

// New returns a Verifier. ids and the address claims share cache.
func New(ids *ifaceid.Allocator, cache presence.Cache, provider netns.Provider, challenges *challenge.Service, opts Options) *Verifier {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.IPFreeTimeout <= 0 {
		opts.IPFreeTimeout = DefaultIPFreeTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}
	return &Verifier{ids: ids, cache: cache, provider: provider, challenges: challenges, opts: opts}
}

// Verify parses raw and checks that the tunnel it describes reaches this
// server. A non-nil error always comes with a Result explaining it.
func (v *Verifier) Verify(ctx context.Context, raw string) (Result, error) {
	parsed := tunnelconf.Parse(raw, "")
	if err := parsed.Err(); err != nil {
		return Result{Message: err.Error()}, err
	}
	cfg := *parsed.Config
	endpoint := parsed.EndpointIPv4
	address := cfg.AddressIP()
	if endpoint == "" || address == "" {
		err := &tunnelconf.ValidationError{Fields: []string{"interface.Address and peer.Endpoint are required"}}
		return Result{Message: err.Error()}, err
	}

	res, err := v.run(ctx, cfg, endpoint, address)
	if err != nil {
		res = Result{Message: fmt.Sprintf("Error validating wireguard config for endpoint %s: %v", endpoint, err)}
	}
	return res, err
}

func (v *Verifier) run(ctx context.Context, cfg tunnelconf.Config, endpoint, address string) (Result, error) {
	tag := "wireguard_" + endpoint

	ids, err := v.ids.Allocate(ctx, tag)
	if err != nil {
		return Result{}, oops.In("verifier").With("endpoint", endpoint).Wrapf(err, "acquire ids")
	}
	defer ids.Release(context.WithoutCancel(ctx))

	ns := ids.NamespaceID
	errb := oops.In("verifier").With("namespace", ns, "endpoint", endpoint)
	entry := log.WithFields(logging.Fields{"at": "verifier.Verify", "tag": ns, "endpoint": endpoint})

	release, err := v.awaitAddressFree(ctx, address, ns)
	if err != nil {
		return Result{}, errb.With("address", address).Wrapf(err, "await address")
	}
	defer release()

	issued, err := v.challenges.Issue(ctx, tag)
	if err != nil {
		return Result{}, errb.Wrapf(err, "generate challenge")
	}

	stripped, cleanupFiles, err := v.writeConfig(ids.InterfaceID, cfg)
	if err != nil {
		return Result{}, errb.Wrapf(err, "write config")
	}
	defer cleanupFiles()

	spec := netns.Spec{NetworkTestContext: ids.NetworkTestContext, Tunnel: cfg, StrippedPath: stripped, Endpoint: endpoint}

	// Namespace commands run to completion even if the caller gives up, so
	// teardown always sees a settled state.
	netCtx := context.WithoutCancel(ctx)
	v.teardown(netCtx, spec)
	defer v.teardown(netCtx, spec)

	entry.Debug("build_isolation")
	if err := v.provider.Build(netCtx, spec); err != nil {
		return Result{}, errb.Wrapf(failed(err), "build isolation")
	}

	entry.WithField("url", issued.URL).Debug("probe")
	body, err := v.probe(ctx, spec, issued.URL)
	if err != nil {
		return Result{}, errb.Wrapf(failed(err), "no response from wireguard server at %s", endpoint)
	}

	solution, err := extractSolution(body)
	if err != nil {
		return Result{}, errb.Wrapf(failed(err), "read challenge response")
	}
	if solution != issued.Solution {
		return Result{}, errb.Wrapf(failed(fmt.Errorf("expected %s, got %s", issued.Solution, solution)), "incorrect solution from %s", endpoint)
	}

	entry.Info("wireguard_config_passed")
	return Result{Valid: true, Message: fmt.Sprintf("Wireguard config passed for endpoint %s with response %s", endpoint, solution)}, nil
}

func failed(err error) error {
	return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
}

// awaitAddressFree waits until ip is neither bound on the host nor claimed by
// another attempt, then claims it. On timeout it deletes managed links
// holding the address. The returned func drops the claim.
func (v *Verifier) awaitAddressFree(ctx context.Context, ip, tag string) (func(), error) {
	key := keyAddress + ip
	claimed := false
	free := func(ctx context.Context) bool {
		bound, err := v.provider.HostHasAddress(ctx, ip)
		if err != nil {
			log.WithError(err).WithFields(logging.Fields{"at": "verifier.awaitAddressFree", "tag": tag}).Warn("address_check_failed")
			return false
		}
		if bound {
			log.WithFields(logging.Fields{"at": "verifier.awaitAddressFree", "tag": tag, "ip": ip}).Debug("address_bound")
			return false
		}
		ok, err := v.cache.Claim(ctx, key)
		if err != nil {
			log.WithError(err).WithFields(logging.Fields{"at": "verifier.awaitAddressFree", "tag": tag}).Warn("address_claim_failed")
		}
		claimed = ok
		return ok
	}

	ok, err := lease.Poll(ctx, v.opts.IPFreeTimeout, v.opts.PollInterval, free)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.WithFields(logging.Fields{"at": "verifier.awaitAddressFree", "tag": tag, "ip": ip}).Warn("address_busy_forcing_cleanup")
		freed, err := v.provider.ReleaseAddress(ctx, ip)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAddressBusy, err)
		}
		if !freed {
			return nil, ErrAddressBusy
		}
		// Stale claims expire with the presence TTL. A live one means another
		// attempt owns the address.
		if claimed, err = v.cache.Claim(ctx, key); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAddressBusy, err)
		}
		if !claimed {
			return nil, ErrAddressBusy
		}
	}

	return func() {
		if !claimed {
			return
		}
		if err := v.cache.Release(context.WithoutCancel(ctx), key); err != nil {
			log.WithError(err).WithFields(logging.Fields{"at": "verifier.awaitAddressFree", "tag": tag}).Warn("address_release_failed")
		}
	}, nil
}

// writeConfig writes the canonical and stripped configs with mode 0600.
func (v *Verifier) writeConfig(name string, cfg tunnelconf.Config) (string, func(), error) {
	canonical := filepath.Join(v.opts.TmpDir, name+".conf")
	stripped := filepath.Join(v.opts.TmpDir, "wg_"+name+".conf")
	cleanup := func() {
		for _, p := range []string{canonical, stripped} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.WithError(err).WithField("at", "verifier.writeConfig").Debug("remove_failed")
			}
		}
	}

	cleanup()
	if err := writePrivate(canonical, cfg.Canonical()); err != nil {
		return "", cleanup, err
	}
	if err := writePrivate(stripped, cfg.Strip()); err != nil {
		cleanup()
		return "", cleanup, err
	}
	return stripped, cleanup, nil
}

func writePrivate(path, body string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (v *Verifier) teardown(ctx context.Context, spec netns.Spec) {
	if err := v.provider.Teardown(ctx, spec); err != nil {
		log.WithError(err).WithFields(logging.Fields{"at": "verifier.teardown", "tag": spec.NamespaceID}).Debug("teardown_incomplete")
	}
}

// probe fetches url with sockets opened inside the namespace.
func (v *Verifier) probe(ctx context.Context, spec netns.Spec, url string) (string, error) {
	client := resty.New().
		SetTransport(&http.Transport{DialContext: v.provider.Dialer(spec), DisableKeepAlives: true}).
		SetTimeout(v.opts.ProbeTimeout)

	resp, err := client.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("challenge url answered %s", resp.Status())
	}
	return resp.String(), nil
}

// extractSolution reads the "solution" field of the first JSON object in body.
func extractSolution(body string) (string, error) {
	raw := jsonObject.FindString(body)
	if raw == "" {
		return "", errors.New("no JSON object in response")
	}
	var reply struct {
		Solution string `json:"solution"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return "", fmt.Errorf("malformed response: %w", err)
	}
	if reply.Solution == "" {
		return "", errors.New("response has no solution")
	}
	return reply.Solution, nil
}
