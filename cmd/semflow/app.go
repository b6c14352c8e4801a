package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/semflow/aggregator"
	"github.com/c360studio/semflow/agent"
	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/bus/natsbus"
	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/coordinator"
	"github.com/c360studio/semflow/definition"
	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/kv/rediskv"
	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/resilience"
	"github.com/c360studio/semflow/state"
)

// App wires together the orchestrator components: fabric, KV, definitions,
// engine, coordinators, and the metrics surface. Every subsystem is an
// explicit service with an init/teardown lifecycle; there is no hidden
// global state.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	fabric       *natsbus.Bus
	store        *rediskv.Store
	defs         *definition.Store
	resolver     *definition.Resolver
	engine       *engine.Engine
	coordinators []*coordinator.Coordinator
	agg          *aggregator.Aggregator
	broadcaster  *aggregator.Broadcaster
	httpServer   *http.Server
}

// NewApp builds the application container from config.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	return &App{cfg: cfg, logger: logger}, nil
}

// Run starts every component and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	defer a.stop()

	a.logger.Info("semflow serving",
		"bus", a.cfg.Bus.URL, "kv", a.cfg.KV.URL, "dashboard", a.cfg.Dashboard.Listen)
	<-ctx.Done()
	return nil
}

func (a *App) start(ctx context.Context) error {
	fabric, err := natsbus.Connect(a.cfg.Bus.URL, a.logger)
	if err != nil {
		return err
	}
	a.fabric = fabric

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := fabric.WaitReady(waitCtx); err != nil {
		return err
	}

	store, err := rediskv.New(a.cfg.KV.URL, rediskv.WithNamespace(a.cfg.KV.Namespace))
	if err != nil {
		return err
	}
	a.store = store

	a.defs = definition.NewStore(a.cfg.Definitions.Dir, a.logger)
	if err := a.defs.Load(); err != nil {
		return err
	}
	a.resolver = definition.NewResolver(a.defs)
	a.wireDefinitionEvents(ctx)
	if a.cfg.Definitions.Watch {
		if err := a.defs.Watch(ctx); err != nil {
			a.logger.Warn("definition hot reload unavailable", "error", err)
		}
	}

	states := state.NewManager(store, a.logger)
	consumer := bus.NewConsumer(fabric, store, a.logger)
	a.engine = engine.New(engine.NewMemStore(), fabric, a.resolver, states, consumer, a.logger)
	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	for _, phase := range coordinator.Phases {
		if !a.phaseEnabled(phase) {
			continue
		}
		c := coordinator.New(phase, fabric, bus.NewConsumer(fabric, store, a.logger),
			echoPhaseHandler(phase), a.logger)
		if err := c.Start(ctx); err != nil {
			return err
		}
		a.coordinators = append(a.coordinators, c)
	}

	a.agg = aggregator.New(fabric, a.logger)
	a.agg.SetLagProber(func() int64 {
		lag, err := fabric.StreamLag(ctx, bus.ResultsTopic, "engine")
		if err != nil {
			return 0
		}
		return lag
	})
	if err := a.agg.Start(ctx); err != nil {
		return err
	}
	a.broadcaster = aggregator.NewBroadcaster(a.agg, a.logger)
	go a.broadcaster.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", a.broadcaster)
	mux.Handle("/metrics", promhttp.HandlerFor(a.agg.Registry(), promhttp.HandlerOpts{}))
	a.httpServer = &http.Server{Addr: a.cfg.Dashboard.Listen, Handler: mux}
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("dashboard server failed", "error", err)
		}
	}()

	return nil
}

// wireDefinitionEvents invalidates the resolver cache and broadcasts
// definition changes on the event ticker, so peer engines drop their caches
// before the TTL would.
func (a *App) wireDefinitionEvents(ctx context.Context) {
	a.defs.OnChange(func(c definition.Change) {
		a.resolver.Invalidate(c.PlatformID, c.WorkflowType)

		eventType := "definition.updated"
		if c.Kind == definition.ChangeGone {
			eventType = "definition.gone"
		}
		env, err := envelope.New(eventType, c, envelope.WithSource("definition-store"))
		if err != nil {
			return
		}
		if err := a.fabric.Publish(ctx, bus.WorkflowEventsTopic, env, bus.PublishOptions{}); err != nil {
			a.logger.Warn("failed to broadcast definition change", "error", err)
		}
	})
}

func (a *App) phaseEnabled(phase string) bool {
	switch phase {
	case bus.PhasePlan:
		return a.cfg.Coordinators.Plan
	case bus.PhaseCode:
		return a.cfg.Coordinators.Code
	case bus.PhaseCertify:
		return a.cfg.Coordinators.Certify
	case bus.PhaseDeploy:
		return a.cfg.Coordinators.Deploy
	case bus.PhaseMonitor:
		return a.cfg.Coordinators.Monitor
	}
	return false
}

// echoPhaseHandler acknowledges phase requests. Deployment-specific phase
// logic lives with the control plane; the core routes and accounts for it.
func echoPhaseHandler(phase string) coordinator.Handler {
	return func(_ context.Context, env *envelope.Envelope) (json.RawMessage, error) {
		return json.Marshal(map[string]string{
			"phase":      phase,
			"request_id": env.ID,
			"status":     "accepted",
		})
	}
}

func (a *App) stop() {
	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.httpServer.Shutdown(shutdownCtx)
	}
	if a.agg != nil {
		a.agg.Stop()
	}
	for _, c := range a.coordinators {
		c.Stop()
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.fabric != nil {
		_ = a.fabric.Close()
	}
	a.logger.Info("semflow stopped")
}

// runAgentProcess runs one agent runner until ctx is cancelled.
func runAgentProcess(ctx context.Context, cfg *config.Config, agentType string, logger *slog.Logger) error {
	fabric, err := natsbus.Connect(cfg.Bus.URL, logger)
	if err != nil {
		return err
	}
	defer fabric.Close()

	store, err := rediskv.New(cfg.KV.URL, rediskv.WithNamespace(cfg.KV.Namespace))
	if err != nil {
		return err
	}
	defer store.Close()

	breaker := resilience.NewBreaker(resilience.DefaultBreakerConfig(agentType + "-model"))
	client, err := llm.NewClient(llm.Config{
		Endpoint: cfg.Model.Endpoint,
		Model:    cfg.Model.Model,
		APIKey:   cfg.Model.APIKey,
		Timeout:  cfg.Model.Timeout,
	}, breaker, llm.WithLogger(logger))
	if err != nil {
		return err
	}

	runner, err := agent.NewRunner(agent.Config{
		AgentType:   agentType,
		ModelAPIKey: cfg.Model.APIKey,
		Version:     Version,
	}, fabric, store, bus.NewConsumer(fabric, store, logger),
		agent.NewLLMExecutor(agentType, client), logger)
	if err != nil {
		return err
	}
	if err := runner.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runner.Stop(stopCtx)
	return nil
}
