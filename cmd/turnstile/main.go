package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

import (
	"github.com/gorilla/mux"
)

import (
	"turnstile/internal/api"
	"turnstile/internal/breaker"
	"turnstile/internal/config"
	"turnstile/internal/denylist"
	"turnstile/internal/identity"
	"turnstile/internal/limiter"
	"turnstile/internal/metrics"
	"turnstile/internal/middleware"
	"turnstile/internal/policy"
	"turnstile/internal/repo"
)

func main() {
	confPath := flag.String("c", "configs/turnstile.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*confPath)
	if err != nil {
		logger.Error("failed to load config", "path", *confPath, "err", err)
		os.Exit(1)
	}

	metrics.Register()

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	store, err := repo.NewRedis(cfg, logger)
	if err != nil {
		logger.Error("failed to connect shared store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	windower, err := limiter.ForAlgo(cfg.RateLimit.Algo, store)
	if err != nil {
		logger.Error("failed to build limiter", "err", err)
		os.Exit(1)
	}

	resolver := identity.NewResolver(
		cfg.RateLimit.TrustedProxyHeader,
		cfg.Auth.JWTClaimUserID,
		cfg.Auth.JWTClaimTier,
	)

	pol := policy.New(cfg.RateLimit, cfg.Features.FailPolicy, windower, store, resolver, logger)
	if cfg.Features.LocalFallback {
		local := limiter.NewLocal()
		local.StartJanitor(rootCtx)
		pol.WithLocalFallback(local)
	}
	if cfg.Features.Denylist.Enabled {
		pol.WithDenylist(denylist.New(store, cfg.Features.Denylist, logger))
	}

	// The breaker registry is owned here and injected; nothing looks it
	// up through globals.
	breakers := breaker.NewRegistry(store, breaker.SettingsFromConfig(cfg.Breaker), logger)
	breakers.Register(cfg.Breaker.Services...)

	upstreams := make(map[string]*api.Upstream, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		upstreams[u.Name] = api.NewUpstream(u.Name, u.BaseURL)
		breakers.Register(u.Name)
	}

	server := api.NewServer(cfg.Server, middleware.RateLimit(pol), breakers)
	router := mux.NewRouter()
	server.RegisterRoutes(router, server.APIRoutes(upstreams))

	go func() {
		logger.Info("server running", "addr", cfg.Server.HTTPAddr, "pid", os.Getpid(),
			"algo", cfg.RateLimit.Algo, "fail_policy", cfg.Features.FailPolicy)
		if err := server.ListenAndServe(router); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	cancelRoot()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "err", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}
