package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/chainops/internal/api"
	"github.com/rendis/chainops/internal/definitions"
	"github.com/rendis/chainops/internal/dispatch"
	"github.com/rendis/chainops/internal/engine"
	"github.com/rendis/chainops/internal/gate"
	"github.com/rendis/chainops/internal/ledger"
	"github.com/rendis/chainops/internal/metrics"
	"github.com/rendis/chainops/internal/scheduler"
	"github.com/rendis/chainops/internal/stepexec"
	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/internal/streaming"
	"github.com/rendis/chainops/internal/trigger"
	"github.com/rendis/chainops/internal/validation"
	"github.com/rendis/chainops/pkg/mcp"
)

// app is the wired process: one store, one engine and everything around them.
type app struct {
	cfg        Config
	logger     *slog.Logger
	store      *store.LibSQLStore
	redis      *redis.Client
	hub        streaming.EventHub
	metrics    *metrics.Metrics
	rules      *ledger.RuleTable
	agents     *stepexec.Registry
	pool       *engine.RunPool
	gates      *gate.Service
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	validator  *validation.DefinitionValidator
	loader     *definitions.Loader
	sweeper    *scheduler.Scheduler
	mcp        *mcp.Server
}

func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: s}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger, s := a.cfg, a.logger, a.store

	a.metrics = metrics.New(prometheus.NewRegistry())

	var guard trigger.DedupGuard
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		guard = trigger.NewRedisGuard(a.redis)
		a.hub = streaming.NewRedisHub(a.redis, "", logger)
		logger.Info("redis enabled", "addr", cfg.RedisAddr)
	} else {
		a.hub = streaming.NewMemoryHub()
	}

	a.rules = ledger.MustDefault()
	n, err := a.rules.Load(ctx, s)
	if err != nil {
		return fmt.Errorf("load rule sets: %w", err)
	}
	logger.Info("rule sets loaded", "stored", n, "types", a.rules.Types())

	led := ledger.New(a.rules, s,
		ledger.WithLogger(logger),
		ledger.WithMetrics(a.metrics),
		ledger.WithRepository(s),
	)

	a.agents = stepexec.NewRegistry()
	for _, hc := range cfg.Agents {
		agent, err := stepexec.NewHTTPAgent(hc)
		if err != nil {
			return fmt.Errorf("agent %s: %w", hc.Name, err)
		}
		if err := a.agents.Register(agent); err != nil {
			return err
		}
	}
	for _, name := range cfg.StaticAgents {
		if err := a.agents.Register(stepexec.NewStaticAgent(name)); err != nil {
			return err
		}
	}

	a.pool = engine.NewRunPool(cfg.PoolSize, logger)
	a.gates = gate.New(s, gate.WithLogger(logger), gate.WithMetrics(a.metrics), gate.WithHub(a.hub))

	a.engine, err = engine.New(s, a.agents, a.gates,
		engine.Config{
			Pool:           a.pool,
			StepTimeout:    cfg.StepTimeout,
			CircuitBreaker: &cfg.CircuitBreaker,
		},
		engine.WithLogger(logger),
		engine.WithMetrics(a.metrics),
		engine.WithHub(a.hub),
	)
	if err != nil {
		return err
	}

	matcher := trigger.NewMatcher(s,
		trigger.MatcherConfig{Guard: guard, StrictConditions: cfg.StrictConditions},
		trigger.WithLogger(logger),
		trigger.WithMetrics(a.metrics),
	)

	a.dispatcher = dispatch.New(led, s, matcher, a.engine,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithHub(a.hub),
		dispatch.WithRunPool(a.pool),
	)

	a.validator, err = validation.NewDefinitionValidator(
		validation.WithAgents(a.agents),
		validation.WithChains(validation.ChainLookupFunc(func(id string) bool {
			_, err := s.GetChain(context.Background(), id)
			return err == nil
		})),
	)
	if err != nil {
		return err
	}
	a.loader = definitions.NewLoader(s, a.validator, definitions.WithLogger(logger), definitions.WithRuleTable(a.rules))

	a.sweeper, err = scheduler.NewScheduler(a.engine,
		scheduler.Config{
			Spec:       cfg.SweepCron,
			StaleAfter: cfg.StaleAfter,
			Gates:      s,
			GateTTL:    cfg.GateTTL,
		},
		scheduler.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	a.mcp = mcp.NewServer(mcp.ServerDeps{
		Transitions: a.dispatcher,
		Executions:  a.engine,
		Store:       s,
		Validator:   a.validator,
		Logger:      logger,
	})
	return nil
}

// loadDefinitions applies the configured definitions directory, if any.
func (a *app) loadDefinitions(ctx context.Context) error {
	if a.cfg.DefinitionsDir == "" {
		return nil
	}
	b, err := definitions.Load(a.cfg.DefinitionsDir)
	if err != nil {
		return err
	}
	_, err = a.loader.Apply(ctx, b)
	return err
}

func (a *app) apiServer() *api.Server {
	return api.NewServer(api.Deps{
		Store:      a.store,
		Dispatcher: a.dispatcher,
		Engine:     a.engine,
		Gates:      a.gates,
		Rules:      a.rules,
		Validator:  a.validator,
		Hub:        a.hub,
		Metrics:    a.metrics,
		Logger:     a.logger,
	})
}

// close releases resources in reverse wiring order. Running executions stay
// Running in the store and are picked up by the next process's sweeper.
func (a *app) close() {
	if a.sweeper != nil {
		if err := a.sweeper.Stop(); err != nil {
			a.logger.Warn("stop sweeper", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Shutdown()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
