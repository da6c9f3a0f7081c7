package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/actions"
	"github.com/openweavr/weavr/internal/agent"
	"github.com/openweavr/weavr/internal/config"
	"github.com/openweavr/weavr/internal/engine"
	"github.com/openweavr/weavr/internal/logging"
	"github.com/openweavr/weavr/internal/memory"
	"github.com/openweavr/weavr/internal/metrics"
	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/internal/retry"
	"github.com/openweavr/weavr/internal/sandbox"
	"github.com/openweavr/weavr/internal/search"
	"github.com/openweavr/weavr/internal/store"
	"github.com/openweavr/weavr/internal/triggers"
	"github.com/openweavr/weavr/internal/webtext"
	"github.com/openweavr/weavr/pkg/schema"
)

// app holds the components shared by every command.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	level       zap.AtomicLevel
	metrics     *metrics.Collector
	credentials *config.FileCredentialProvider
	registry    *registry.Registry
	store       store.Store
	toolServers []*agent.ToolServer

	memory *memory.Assembler
}

type appOptions struct {
	// persistent opens the configured store; one-shot commands skip it.
	persistent bool
	// toolServers launches the configured MCP tool servers.
	toolServers bool
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	return cfg, nil
}

func (c *cli) newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, level, err := logging.NewLeveled(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:         cfg,
		logger:      logger,
		level:       level,
		metrics:     metrics.NewCollector("weavr"),
		credentials: config.NewFileCredentialProvider(c.configFile, config.DefaultCredentialTTL),
	}

	httpClient := retry.New(retry.FromConfig(cfg.Retry, logger))
	fetcher := webtext.NewFetcher(httpClient)
	var searcher search.Searcher
	if cfg.Search.APIKey != "" {
		searcher = search.NewClient(cfg.Search.Endpoint, cfg.Search.APIKey, httpClient)
	}
	a.memory = memory.New(fetcher, searcher, logger.Named("memory"))

	policy := sandbox.FromConfig(cfg.Sandbox)
	runner := &sandbox.Runner{
		Policy:    policy,
		Timeout:   cfg.Sandbox.ShellTimeout,
		MaxOutput: cfg.Sandbox.MaxOutput,
	}

	tools := agent.NewToolset(agent.Builtins(agent.BuiltinDeps{
		Searcher: searcher,
		Fetcher:  fetcher,
		Runner:   runner,
		Policy:   &policy,
	})...)
	if opts.toolServers {
		for _, tsc := range cfg.ToolServers {
			ts, err := agent.ConnectToolServer(ctx, tsc)
			if err != nil {
				// A missing tool server only removes its tools.
				logger.Warn("tool server unavailable", zap.String("server", tsc.Name), zap.Error(err))
				continue
			}
			a.toolServers = append(a.toolServers, ts)
			for _, t := range ts.Tools() {
				tools.Add(t)
			}
			logger.Info("tool server connected", zap.String("server", ts.Name()), zap.Int("tools", len(ts.Tools())))
		}
	}
	agentRunner := agent.NewRunner(agent.RunnerConfig{
		Client:  httpClient,
		Tools:   tools,
		Metrics: a.metrics,
		Logger:  logger.Named("agent"),
	})

	plugins := actions.Builtins(actions.Deps{
		HTTP:   httpClient,
		Policy: policy,
		Runner: runner,
		Agent:  agentRunner,
	})
	plugins = append(plugins, triggers.Builtins(logger.Named("triggers"))...)
	a.registry, err = registry.New(plugins...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build registry: %w", err)
	}

	if opts.persistent && cfg.Store.Path != "" {
		st, err := store.NewLibSQLStore(cfg.Store.Path)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			a.close()
			return nil, err
		}
		a.store = st
	}
	return a, nil
}

// newExecutor builds an executor whose finished runs go to obs and, when a
// store is open, to the run log.
func (a *app) newExecutor(obs engine.Observer) (*engine.Executor, error) {
	if obs == nil {
		obs = engine.ObserverFuncs{}
	}
	if a.store != nil {
		obs = runLogObserver{Observer: obs, store: a.store, logger: a.logger}
	}
	return engine.NewExecutor(engine.Config{
		Registry:        a.registry,
		Memory:          a.memory,
		Credentials:     a.credentials,
		Observer:        obs,
		Metrics:         a.metrics,
		Logger:          a.logger.Named("engine"),
		PoolSize:        a.cfg.Engine.PoolSize,
		HistorySize:     a.cfg.Engine.HistorySize,
		StrictTemplates: a.cfg.Engine.StrictTemplates,
	})
}

func (a *app) close() {
	for _, ts := range a.toolServers {
		if err := ts.Close(); err != nil {
			a.logger.Warn("close tool server", zap.String("server", ts.Name()), zap.Error(err))
		}
	}
	a.toolServers = nil
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", zap.Error(err))
		}
		a.store = nil
	}
	_ = a.logger.Sync()
}

// runLogObserver appends every finished run to the store.
type runLogObserver struct {
	engine.Observer
	store  store.Store
	logger *zap.Logger
}

func (o runLogObserver) OnRunComplete(run *schema.Run) {
	o.Observer.OnRunComplete(run)

	entry := &store.RunEntry{
		RunID:     run.ID,
		Workflow:  run.Workflow,
		Status:    string(run.Status),
		Error:     run.Error,
		StartedAt: run.StartedAt,
	}
	if run.CompletedAt != nil {
		entry.CompletedAt = *run.CompletedAt
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.AppendRun(ctx, entry); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("append run log", zap.String("run_id", run.ID), zap.Error(err))
	}
}
