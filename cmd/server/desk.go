package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/antirisk-desk/internal/advisor"
	"github.com/ashureev/antirisk-desk/internal/config"
	"github.com/ashureev/antirisk-desk/internal/generation"
	"github.com/ashureev/antirisk-desk/internal/library"
	"github.com/ashureev/antirisk-desk/internal/metrics"
	"github.com/ashureev/antirisk-desk/internal/offline"
	"github.com/ashureev/antirisk-desk/internal/session"
	"github.com/ashureev/antirisk-desk/internal/store"
	"github.com/ashureev/antirisk-desk/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// desk holds every wired component.
type desk struct {
	cfg       *config.Config
	repo      *store.SQLiteStore
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	sessions  *session.Store
	cache     *offline.Cache
	knowledge *advisor.Knowledge
	library   *library.Library
	advisor   *advisor.Advisor
	closeGen  func()
}

// openDesk loads configuration, opens storage and wires the components.
// withGenerator is false for maintenance commands.
func openDesk(ctx context.Context, withGenerator bool) (*desk, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("database health check failed: %w", err)
	}
	slog.Info("Database connected", "path", repo.Path())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	d := &desk{cfg: cfg, repo: repo, registry: reg, metrics: m, closeGen: func() {}}

	d.sessions, err = session.Open(ctx, repo, session.Options{Logger: slog.Default().With("component", "sessions"), Metrics: m})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	d.cache, err = offline.New(ctx, repo, slog.Default().With("component", "offline"), m)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to load offline cache: %w", err)
	}

	var gen generation.Generator
	if withGenerator && !cfg.OfflineMode {
		gen, d.closeGen, err = newGenerator(ctx, cfg, m)
		if err != nil {
			d.Close()
			return nil, err
		}
	}

	d.knowledge = advisor.NewKnowledge(repo)
	d.library = library.New(repo, d.cache, gen, slog.Default().With("component", "library"))
	if gen != nil {
		agg := stream.NewAggregator(d.sessions, slog.Default().With("component", "stream"), m)
		d.advisor = advisor.New(d.sessions, gen, agg, d.knowledge, slog.Default().With("component", "advisor"))
	}
	return d, nil
}

// newGenerator builds the configured backend wrapped in the retry policy.
func newGenerator(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (generation.Generator, func(), error) {
	logger := slog.Default().With("component", "generation")

	var (
		backend generation.Generator
		closer  = func() {}
	)
	switch cfg.Generation.Provider {
	case generation.ProviderGemini:
		g, err := generation.NewGemini(ctx, cfg.Generation.GeminiAPIKey, cfg.Generation.GeminiModel)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize gemini: %w", err)
		}
		backend = g
	case generation.ProviderGRPC:
		g, err := generation.NewGRPC(generation.DefaultGRPCConfig(cfg.Generation.GRPCAddr), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to generation sidecar: %w", err)
		}
		backend, closer = g, g.Close
	default:
		backend = generation.NewMock()
	}

	slog.Info("Generation backend ready", "provider", cfg.Generation.Provider, "max_attempts", cfg.Retry.MaxAttempts)
	return generation.NewRetrying(backend, cfg.Retry.Policy(), logger, m), closer, nil
}

// Close releases the generator and storage.
func (d *desk) Close() {
	d.closeGen()
	if err := d.repo.Close(); err != nil {
		slog.Error("Failed to close repository", "error", err)
	}
}
