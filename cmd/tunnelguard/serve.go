package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/tunnelguard/internal/api"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/netns"
)

const (
	challengeCleanupInterval = 10 * time.Minute
	shutdownTimeout          = 15 * time.Second
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root)
		},
	}
}

func serve(ctx context.Context, root *rootOptions) error {
	log := logging.GetLogger()
	cfg := root.cfg

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Leftovers from a crashed run would collide with fresh attempts.
	swept, err := netns.Sweep(ctx, a.provider)
	if err != nil {
		log.WithError(err).WithField("at", "main.serve").Warn("startup_sweep_incomplete")
	}
	log.WithFields(logging.Fields{
		"at":         "main.serve",
		"namespaces": len(swept.Namespaces),
		"links":      len(swept.Links),
		"tables":     len(swept.Tables),
	}).Info("startup_sweep_done")

	go a.challenges.RunCleanup(ctx, challengeCleanupInterval)

	handlers, err := api.NewAPI(a.engine, a.challenges, api.Options{
		LocalCIDRs: cfg.Server.LocalCIDRs,
		RateLimit:  cfg.Server.RateLimit,
		RateBurst:  cfg.Server.RateBurst,
		Version:    version,
	})
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	handlers.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(logging.Fields{"at": "main.serve", "listen": cfg.Server.Listen, "version": version}).Info("http_server_starting")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.WithField("at", "main.serve").Info("http_server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
