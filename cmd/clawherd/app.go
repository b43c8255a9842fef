package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/clawherd/internal/config"
	"github.com/basket/clawherd/internal/conn"
	"github.com/basket/clawherd/internal/health"
	"github.com/basket/clawherd/internal/otel"
	"github.com/basket/clawherd/internal/registry"
	"github.com/basket/clawherd/internal/service"
)

// app bundles the collaborators every subcommand needs: the registry store,
// the host connection, the service manager, and telemetry. Built once in
// main, torn down on exit.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	store    *registry.Store
	conn     conn.Connection
	svc      service.Manager
	probe    *health.Probe
	provider *otel.Provider
	server   *registry.Server
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	store, err := registry.Open(config.DBPath(cfg.HomeDir))
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("open registry: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	server, err := store.EnsureLocalServer(ctx, hostname, cfg.ClawHome)
	if err != nil {
		_ = store.Close()
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("register local server: %w", err)
	}

	c := conn.NewLocal()
	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		conn:     c,
		svc:      service.New(ctx, c, cfg.ExecTimeout()),
		probe:    health.NewProbe(cfg.ProbeTimeout()),
		provider: provider,
		server:   server,
	}, nil
}

func (a *app) metrics() *otel.Metrics {
	m, err := otel.NewMetrics(a.provider.Meter)
	if err != nil {
		a.log.Warn("metrics init failed", "error", err)
		return nil
	}
	return m
}

func (a *app) Close(ctx context.Context) {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.provider != nil {
		_ = a.provider.Shutdown(ctx)
	}
}
