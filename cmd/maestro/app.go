package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/maestrolabs/maestro/internal/agent"
	"github.com/maestrolabs/maestro/internal/bus"
	"github.com/maestrolabs/maestro/internal/config"
	"github.com/maestrolabs/maestro/internal/delegation"
	"github.com/maestrolabs/maestro/internal/observability"
	"github.com/maestrolabs/maestro/internal/orchestrator"
	"github.com/maestrolabs/maestro/internal/provider"
	"github.com/maestrolabs/maestro/internal/provider/anthropic"
	"github.com/maestrolabs/maestro/internal/provider/openai"
	"github.com/maestrolabs/maestro/internal/skills"
	"github.com/maestrolabs/maestro/internal/store"
	"github.com/maestrolabs/maestro/internal/store/sqlite"
	"github.com/maestrolabs/maestro/internal/tools"
)

// app wires the runtime from configuration. One app serves one CLI command
// invocation.
type app struct {
	cfg     *config.Config
	store   store.Store
	runtime *agent.Runtime
	orch    *orchestrator.Orchestrator
	tools   *tools.Registry
	bus     *bus.Bus
	logger  *slog.Logger

	closer io.Closer
}

// newApp loads configuration and constructs the runtime stack.
func newApp(configPath string, debug bool) (*app, error) {
	var cfg *config.Config
	if configPath == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, usererr("load config: %v", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, usererr("invalid config: %v", err)
	}

	level := slog.LevelInfo
	if debug || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, bus: bus.New(logger), tools: tools.NewRegistry()}

	if err := a.openStore(); err != nil {
		return nil, err
	}

	providers := provider.NewRegistry()
	for name, pc := range cfg.Providers {
		switch name {
		case "anthropic":
			providers.Register(name, provider.Entry{
				Provider: anthropic.New(pc.APIKey, logger),
				APIKey:   pc.APIKey,
				Model:    pc.Model,
			})
		case "openai":
			providers.Register(name, provider.Entry{
				Provider: openai.New(pc.APIKey, logger),
				APIKey:   pc.APIKey,
				Model:    pc.Model,
			})
		default:
			logger.Warn("unknown provider in config, skipping", "provider", name)
		}
	}

	agents := agent.NewRegistry()
	for i := range cfg.Agents {
		agents.Register(&cfg.Agents[i])
	}

	library := skills.NewLibrary()
	if cfg.Skills.Dir != "" {
		if err := library.LoadDir(cfg.Skills.Dir); err != nil {
			return nil, usererr("load skills: %v", err)
		}
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	a.runtime = agent.NewRuntime(agent.RuntimeConfig{
		Agents:    agents,
		Providers: providers,
		Store:     a.store,
		Skills:    library,
		Bus:       a.bus,
		Metrics:   metrics,
		Logger:    logger,
	})
	a.orch = orchestrator.New(a.runtime, orchestrator.Options{
		Bus:     a.bus,
		Metrics: metrics,
		Logger:  logger,
	})

	a.tools.Register(delegation.NewTool(a.orch, a.tools, delegation.Config{
		Mode:    delegation.TraversalMode(cfg.Delegation.Mode),
		Budget:  cfg.Delegation.Budget,
		Logger:  logger,
		Metrics: metrics,
	}))

	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.Storage.Backend {
	case "memory":
		a.store = store.NewMemoryStore()
	case "sqlite":
		db, err := sqlite.Open(a.cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.store = db
		a.closer = db
	default:
		fs, err := store.NewFileStore(a.cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open file store: %w", err)
		}
		a.store = fs
	}
	return nil
}

// Close releases backend resources.
func (a *app) Close() {
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			a.logger.Warn("store close failed", "error", err)
		}
	}
}
