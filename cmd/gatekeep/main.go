package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"gatekeep/internal/admin"
	"gatekeep/internal/admission"
	"gatekeep/internal/auth"
	"gatekeep/internal/config"
	"gatekeep/internal/gateway"
	"gatekeep/internal/limiter"
	"gatekeep/internal/obs"
	"gatekeep/internal/policy"
)

func main() {
	cfg, err := config.Load("./config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	policies, err := loadPolicies(cfg, logger)
	if err != nil {
		log.Fatalf("load policy: %v", err)
	}

	lim := limiter.New(logger)
	gate := admission.New(policies, lim)

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry, lim)
	policies.OnReload(func(err error) {
		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.PolicyReloads.WithLabelValues(result).Inc()
	})

	pairs := map[string]string{} // secret -> identity
	for _, k := range cfg.Auth.Keys {
		if k.Secret != "" && k.ID != "" {
			pairs[k.Secret] = k.ID
		}
	}
	authStore := auth.NewStatic(cfg.Auth.Header, pairs)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("v0.1.0"))
	})
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	adminHandler := admin.NewHandler(policies, lim, logger)
	mux.Handle("/_admin/rate-limit/", http.StripPrefix("/_admin/rate-limit",
		adminHandler.Router(auth.AdminGate(cfg.Admin.Header, cfg.Admin.Token))))

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		cfg.Observability.PrometheusPath: {},
	}

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		metrics.Middleware(skip),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(),
		gateway.RateLimit(gate, skip, func(path string) {
			metrics.RateLimited.WithLabelValues(path).Inc()
		}),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background housekeeping: periodic policy reload plus stale-entry
	// sweeping. Both stop with the server's context.
	reloadInterval := time.Duration(policies.Current().ReloadIntervalSeconds) * time.Second
	go policies.Watch(ctx, reloadInterval)
	go lim.Sweep(ctx, time.Minute, func() time.Duration {
		return time.Duration(policies.Current().WindowSeconds) * time.Second
	})

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}

// loadPolicies opens the policy file, seeding a default document on
// first boot. An existing but unreadable or invalid file is fatal: the
// process never starts unprotected.
func loadPolicies(cfg *config.Root, logger zerolog.Logger) (*policy.Manager, error) {
	path := cfg.Policy.Path
	if _, err := os.Stat(path); os.IsNotExist(err) {
		doc := policy.DefaultDocument()
		if err := policy.SaveDocument(doc, path); err != nil {
			return nil, err
		}
		logger.Info().Str("path", path).Msg("no policy file found, wrote defaults")
		return policy.NewManager(doc, path, logger), nil
	}
	return policy.FromFile(path, logger)
}
