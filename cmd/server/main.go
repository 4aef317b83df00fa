package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgepulse/forgepulse/internal/api"
	"github.com/forgepulse/forgepulse/internal/broadcast"
	"github.com/forgepulse/forgepulse/internal/config"
	"github.com/forgepulse/forgepulse/internal/health"
	"github.com/forgepulse/forgepulse/internal/progress"
	"github.com/forgepulse/forgepulse/internal/report"
	"github.com/forgepulse/forgepulse/internal/session"
	"github.com/forgepulse/forgepulse/internal/trend"
	"github.com/forgepulse/forgepulse/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("forgepulse-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	weights, err := progress.ParseWeights(cfg.Pipeline.PhaseWeights)
	if err != nil {
		slog.Error("invalid phase weights", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"services", len(cfg.Health.Services),
		"probe_interval", cfg.Health.ProbeInterval,
		"idle_ttl", cfg.Pipeline.IdleTTL,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Event fanout and session tracking.
	bc := broadcast.New(cfg.Pipeline.QueueCapacity)
	registry := session.NewRegistry(bc, cfg.Pipeline.IdleTTL, cfg.Pipeline.TerminalGrace)
	go registry.Run(ctx)

	aggregator := progress.NewAggregator(
		registry, bc, weights, cfg.Pipeline.RetryLimit, cfg.Pipeline.MaxHorizon)

	// Health sampling, trends, and report composition.
	windows := health.NewWindows(serviceNames(cfg.Health.Services), cfg.Health.WindowSize)
	sampler := health.NewSampler(cfg.Health, windows)
	go sampler.Run(ctx)

	trends := trend.New(windows, cfg.Health.MinTrendSamples, cfg.Health.SlopePct)
	composer := report.New(windows, trends, cfg.Health.Rules)

	// Watch config for hot-reload of the recommendation rule set and trend
	// thresholds. Service list and ports require a restart.
	go func() {
		err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			composer.SetRules(updated.Health.Rules)
			trends.SetThresholds(updated.Health.MinTrendSamples, updated.Health.SlopePct)
			slog.Info("config hot-reloaded", "rules", len(updated.Health.Rules))
		})
		if err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	// Combined HTTP server: REST API + WebSocket event stream.
	auth := api.APIKeyMiddleware(
		cfg.Server.Auth.Mode,
		cfg.Server.Auth.EffectiveHeader(),
		cfg.Server.Auth.Key(),
	)
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", api.New(registry, aggregator, trends, composer, auth))
	httpMux.Handle("/ws/events", ws.New(bc))

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: httpMux,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("forgepulse-server shutting down")
	httpSrv.Shutdown(context.Background()) //nolint:errcheck
}

func serviceNames(services []config.Service) []string {
	names := make([]string, len(services))
	for i, s := range services {
		names[i] = s.Name
	}
	return names
}
