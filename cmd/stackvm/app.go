package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"stackvm/internal/config"
	"stackvm/internal/engine"
	"stackvm/internal/llm"
	"stackvm/internal/logging"
	"stackvm/internal/planner"
	"stackvm/internal/store"
	"stackvm/internal/store/filestore"
	"stackvm/internal/store/pgstore"
	"stackvm/internal/tools"
)

const commitCacheSize = 1024

// app bundles the collaborators a command needs after bootstrap.
type app struct {
	cfg      *config.Config
	store    store.Store
	registry *tools.Registry
	router   *llm.Router
	engine   *engine.Engine
	logger   logging.Logger
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.storeRoot != "" {
		cfg.StoreRoot = flags.storeRoot
	}
	if flags.dbURI != "" {
		cfg.DatabaseURI = flags.dbURI
	}
	if flags.verbose {
		logging.SetRootLevel(logging.LevelDebug)
	} else {
		logging.SetRootLevel(logging.LevelInfo)
	}
	return cfg, nil
}

// openStore picks the backend: Postgres when a DSN is configured, otherwise
// the filesystem store. Commit reads go through an LRU either way.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var (
		backend store.Store
		err     error
	)
	if cfg.DatabaseURI != "" {
		backend, err = pgstore.New(ctx, cfg.DatabaseURI)
	} else {
		backend, err = filestore.New(cfg.StoreRoot)
	}
	if err != nil {
		return nil, err
	}
	cached, err := store.WithCache(backend, commitCacheSize)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return cached, nil
}

// newApp wires the full execution stack. metrics may be nil; counters are
// dropped then.
func newApp(ctx context.Context, flags *rootFlags, metrics prometheus.Registerer) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	backend, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	router, err := llm.NewRouter(cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}

	logger := logging.NewComponentLogger("cli")
	registry := tools.NewRegistry()
	tools.RegisterBaseTools(registry, router, tools.RetrievalConfig{
		BaseURL: cfg.AutoflowBaseURL,
		APIKey:  cfg.AutoflowAPIKey,
		KBID:    cfg.KBID,
	}, logger)

	var engineMetrics *engine.Metrics
	if metrics != nil {
		engineMetrics = engine.NewMetrics(metrics)
	}

	eng := engine.New(engine.Options{
		Store:    backend,
		Registry: registry,
		Planner:  planner.NewLLM(router),
		Cond:     router,
		Config:   cfg,
		Metrics:  engineMetrics,
		Logger:   logging.NewComponentLogger("engine"),
	})

	return &app{
		cfg:      cfg,
		store:    backend,
		registry: registry,
		router:   router,
		engine:   eng,
		logger:   logger,
	}, nil
}

func (a *app) Close() {
	a.store.Close()
}
