package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jbweber/homelab/tunnelguard/internal/challenge"
	"github.com/jbweber/homelab/tunnelguard/internal/config"
	"github.com/jbweber/homelab/tunnelguard/internal/daemon"
	"github.com/jbweber/homelab/tunnelguard/internal/datastore"
	"github.com/jbweber/homelab/tunnelguard/internal/ifaceid"
	"github.com/jbweber/homelab/tunnelguard/internal/lease"
	"github.com/jbweber/homelab/tunnelguard/internal/netns"
	"github.com/jbweber/homelab/tunnelguard/internal/presence"
	"github.com/jbweber/homelab/tunnelguard/internal/service"
	"github.com/jbweber/homelab/tunnelguard/internal/shell"
	"github.com/jbweber/homelab/tunnelguard/internal/verifier"
)

const presenceCacheSize = 4096

// app is the wired process: store, caches, daemons and the engine on top.
type app struct {
	cfg        *config.Config
	store      *datastore.Datastore
	redis      *redis.Client
	provider   netns.Provider
	challenges *challenge.Service
	engine     *service.Engine
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, dialect, err := cfg.InitializeDatabase(ctx)
	if err != nil {
		return nil, err
	}
	store, err := datastore.New(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	a := &app{cfg: cfg, store: store}

	var cache presence.Cache
	switch cfg.Presence.Backend {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Presence.RedisAddr, DB: cfg.Presence.RedisDB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, &lease.ConfigurationError{Problems: []string{"presence.redis_addr unreachable"}, Err: err}
		}
		cache = presence.NewRedis(a.redis, cfg.Presence.Prefix, presence.DefaultTTL)
	default:
		cache = presence.NewMemory(presenceCacheSize, presence.DefaultTTL)
	}

	runner := shell.NewExecRunner(cfg.Log.Level == "debug" || cfg.Log.Level == "trace")

	a.provider, err = netns.New(cfg.Verifier.Backend, runner, cfg.Verifier.Resolver)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.challenges, err = challenge.NewService(store.Challenges, cfg.Server.PublicURL)
	if err != nil {
		a.Close()
		return nil, &lease.ConfigurationError{Problems: []string{"server.public_url"}, Err: err}
	}

	wg := daemon.NewWireGuard(daemon.WireGuardOptions{
		ConfigDir: cfg.WireGuard.ConfigDir,
		PeerCount: cfg.WireGuard.PeerCount,
		Container: cfg.WireGuard.Container,
	}, runner)
	dante := daemon.NewDante(daemon.DanteOptions{
		PasswordDir: cfg.Socks5.PasswordDir,
		PublicHost:  cfg.Socks5.PublicHost,
		Port:        cfg.Socks5.Port,
		Container:   cfg.Socks5.Container,
	}, store.Credentials, runner)

	ids := ifaceid.NewAllocator(cache, runner)
	ids.Uplink = cfg.Verifier.Uplink

	v := verifier.New(ids, cache, a.provider, a.challenges, verifier.Options{
		ProbeTimeout:  cfg.Verifier.ProbeTimeout,
		IPFreeTimeout: cfg.Verifier.IPFreeTimeout,
		TmpDir:        cfg.Verifier.TmpDir,
	})

	a.engine = service.NewEngine(
		lease.NewSlotAllocator(store.Slots, wg, lease.DefaultGateWait),
		lease.NewCredentialAllocator(store.Credentials, dante, lease.DefaultGateWait),
		wg,
		dante,
		v,
		verifier.NewSOCKS5Prober(cfg.Socks5.EchoURL),
		service.Options{
			PrioritySlots: cfg.WireGuard.PrioritySlots,
			ReadyTimeout:  cfg.WireGuard.ReadyTimeout,
		},
	)
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close datastore: %w", err))
	}
	return errors.Join(errs...)
}
