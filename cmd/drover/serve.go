package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"drover/internal/api"
	"drover/internal/config"
	"drover/internal/consensus"
	"drover/internal/cost"
	"drover/internal/engine"
	drovererrors "drover/internal/errors"
	"drover/internal/event"
	"drover/internal/logging"
	"drover/internal/observability"
	"drover/internal/provider"
	"drover/internal/router"
	"drover/internal/state"
	"drover/internal/workspace"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	log := logging.FromObservability(obs, "drover")
	log.Info("starting drover server on %s", cfg.Server.Addr)

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{Enabled: true})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	health := observability.NewHealthTracker()

	store, err := state.Open(cfg.State.DBPath, logging.FromObservability(obs, "state"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()
	health.Set("state", observability.StatusHealthy, "")

	bus := event.NewBus(event.BusConfig{
		MaxWorkers:           cfg.Events.MaxWorkers,
		QueueSize:            cfg.Events.QueueSize,
		SlowHandlerThreshold: time.Duration(cfg.Events.SlowHandlerThresholdMs) * time.Millisecond,
	}, logging.FromObservability(obs, "event"), event.WithBusMetrics(metrics))
	defer bus.Close()

	journal, err := event.OpenJournal(cfg.Events.JournalPath, logging.FromObservability(obs, "journal"))
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	defer journal.Close()
	journal.Attach(bus)
	health.Set("events", observability.StatusHealthy, "")

	registry, err := buildRegistry(cfg, obs)
	if err != nil {
		return err
	}

	r, err := router.New(cfg.Router.Rules, cfg.Router.Default, logging.FromObservability(obs, "router"))
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	ws, err := workspace.NewLocalWorkspace(cfg.Workspace.Root, logging.FromObservability(obs, "workspace"))
	if err != nil {
		return fmt.Errorf("init workspace: %w", err)
	}
	var tests workspace.TestRunner
	if len(cfg.Workspace.TestCommand) > 0 {
		tests, err = workspace.NewCommandTestRunner(cfg.Workspace.TestCommand, logging.FromObservability(obs, "tests"))
		if err != nil {
			return fmt.Errorf("init test runner: %w", err)
		}
	}

	engCfg := cfg.Engine
	engCfg.DefaultBudgetUSD = cfg.Budgets.DefaultUSD
	eng, err := engine.New(engCfg, engine.Deps{
		Store:           store,
		Bus:             bus,
		Registry:        registry,
		Router:          r,
		Consensus:       consensus.New(registry, logging.FromObservability(obs, "consensus")),
		Cost:            cost.NewTracker(store, bus, metrics, logging.FromObservability(obs, "cost")),
		Workspace:       ws,
		Tests:           tests,
		ConsensusGroups: cfg.Consensus,
		Metrics:         metrics,
		Logger:          logging.FromObservability(obs, "engine"),
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Close()

	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted workflows: %w", err)
	}
	eng.StartMaintenance()
	health.Set("engine", observability.StatusHealthy, "")

	srv := api.NewServer(api.Options{
		Engine:      eng,
		Bus:         bus,
		Health:      health,
		Metrics:     metrics,
		Logger:      logging.FromObservability(obs, "api"),
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	log.Info("drover server ready")

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown: %v", err)
	}
	return nil
}

// buildRegistry registers a client per enabled provider, each wrapped with
// retry and a circuit breaker.
func buildRegistry(cfg *config.Config, obs *observability.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry(logging.FromObservability(obs, "provider"))
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		log := logging.FromObservability(obs, "provider."+name)
		var client provider.Client
		switch name {
		case "claude":
			client = provider.NewClaudeClient(pc, log)
		case "openai":
			client = provider.NewOpenAIClient(pc, log)
		case "gemini":
			client = provider.NewGeminiClient(pc, log)
		case "mock":
			client = provider.NewMockClient("mock")
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		// Retry stays with the engine: each transient failure becomes a
		// recorded phase attempt with its own backoff. The wrapper only
		// contributes the circuit breaker.
		client = provider.WrapWithRetry(client,
			drovererrors.RetryConfig{MaxAttempts: 1},
			drovererrors.DefaultCircuitBreakerConfig(),
			log)
		registry.Register(client, pc.ConcurrencyLimit)
	}
	return registry, nil
}
