package server

import (
	"context"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lineops/shiftline/config"
	"github.com/lineops/shiftline/internal/llm"
	"github.com/lineops/shiftline/internal/resolve"
	"github.com/lineops/shiftline/internal/sources"
	"github.com/lineops/shiftline/internal/store"
	"github.com/lineops/shiftline/internal/telemetry"
	"github.com/lineops/shiftline/internal/turn"
)

// Run wires the full service from configuration and blocks serving HTTP.
func Run(ctx context.Context, configPath string) error {
	cfg := config.LoadConfig(configPath)
	logger := log.New(log.Writer(), "[SHIFTLINE] ", log.LstdFlags)

	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	tel := telemetry.New(cfg.Telemetry, registry)

	var cache sources.SignalCache
	switch cfg.Cache.Backend {
	case "redis":
		rc, err := sources.NewRedisCache(ctx, cfg.Cache.Redis, logger)
		if err != nil {
			return fmt.Errorf("redis cache: %w", err)
		}
		cache = rc
	default:
		cache = sources.NewMemoryCache()
	}

	httpClient := sources.NewHTTPClient(cfg.General.DefaultTimeout, 2, 0)
	places := sources.NewPlacesClient(cfg.Sources.Places, httpClient)
	fetcher := &sources.Fetcher{
		Places:   places,
		Weather:  sources.NewWeatherClient(cfg.Sources.Weather, httpClient),
		Events:   sources.NewEventsClient(cfg.Sources.Events, httpClient),
		Closures: sources.NewClosuresClient(cfg.Sources.Closures, httpClient),
		School:   st,
		Cache:    cache,
		Sources:  cfg.Sources,
		CacheCfg: cfg.Cache,
		Policy:   cfg.Policy,
		Logger:   logger,
		Recorder: tel,
	}

	var agent *turn.Agent
	if cfg.Agent.Mode == "agent" {
		router, err := llm.NewRouter(cfg.LLM, logger)
		if err != nil {
			return fmt.Errorf("llm router: %w", err)
		}
		agent = &turn.Agent{
			Provider:  router,
			Fetcher:   fetcher,
			Config:    cfg.Agent,
			Telemetry: tel,
			Logger:    logger,
		}
	}

	resolver := &resolve.Resolver{Places: places, Logger: logger}
	orch := turn.NewOrchestrator(st, resolver, fetcher, agent, cfg, tel, nil)

	janitor := &turn.Janitor{
		Cache:       cache,
		Idempotency: orch.Idempotency,
		Spec:        cfg.Policy.JanitorSpec,
		Logger:      logger,
	}
	go func() {
		if err := janitor.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("[JANITOR] stopped: %v", err)
		}
	}()

	srv := New(cfg, Deps{
		Orchestrator: orch,
		Store:        st,
		Registry:     registry,
	}, nil)
	return srv.Start()
}
