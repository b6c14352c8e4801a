// Package agent provides the runtime base every agent process builds on:
// subscription to its task topic, validation, execution with retries, result
// reporting, a registry entry, and health accounting. The work itself comes
// from an Executor; the runtime never inspects task payloads.
package agent

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/fault"
	"github.com/c360studio/semflow/kv"
	"github.com/c360studio/semflow/resilience"
)

// Built-in agent types. Custom kebab-case types need no registration beyond
// appearing in a workflow definition.
const (
	TypeScaffold    = "scaffold"
	TypeValidation  = "validation"
	TypeE2E         = "e2e"
	TypeIntegration = "integration"
	TypeDeployment  = "deployment"
	TypeMonitoring  = "monitoring"
	TypeDebug       = "debug"
	TypeRecovery    = "recovery"
)

// Health thresholds on the error counter.
const (
	degradedErrors  = 5
	unhealthyErrors = 10
)

// HealthStatus grades an agent's condition.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health is the agent's self-reported condition.
type Health struct {
	Status         HealthStatus `json:"status"`
	UptimeMs       int64        `json:"uptime_ms"`
	TasksProcessed int64        `json:"tasks_processed"`
	ErrorsCount    int64        `json:"errors_count"`
	LastTaskAt     time.Time    `json:"last_task_at,omitzero"`
}

// Executor performs the agent's actual work for one task. Implementations
// fill Status, Output, Errors, Artifacts, and metrics; the runtime fills the
// correlation fields.
type Executor interface {
	Execute(ctx context.Context, task *envelope.Task) (*envelope.TaskResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *envelope.Task) (*envelope.TaskResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *envelope.Task) (*envelope.TaskResult, error) {
	return f(ctx, task)
}

// Config parameterizes a runner.
type Config struct {
	// AgentType is the kebab-case type whose task topic this runner consumes.
	AgentType string

	// AgentID identifies this process. Defaults to "<type>-<uuid>".
	AgentID string

	// ModelAPIKey is required at startup; agents call outbound models.
	ModelAPIKey string

	// Concurrency is the number of tasks in flight at once. Defaults to 1 and
	// must not exceed the agent's rated capacity.
	Concurrency int

	// RatedCapacity caps Concurrency. Zero means no cap beyond the default.
	RatedCapacity int

	// Version and Capabilities describe the agent in the registry.
	Version      string
	Capabilities []string

	// Retry wraps each execution. Defaults to the standard preset.
	Retry resilience.RetryConfig

	// Breaker guards outbound model calls. Defaults to the model-API preset.
	Breaker resilience.BreakerConfig
}

// validate applies defaults and rejects unusable configs.
func (c *Config) validate() error {
	if !envelope.ValidAgentType(c.AgentType) {
		return fault.Newf(fault.KindValidation, "agent type %q is not kebab-case", c.AgentType)
	}
	if c.ModelAPIKey == "" {
		return fault.New(fault.KindValidation, "model API credential missing")
	}
	if c.AgentID == "" {
		c.AgentID = c.AgentType + "-" + uuid.NewString()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.RatedCapacity > 0 && c.Concurrency > c.RatedCapacity {
		return fault.Newf(fault.KindValidation,
			"concurrency %d exceeds rated capacity %d", c.Concurrency, c.RatedCapacity)
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = resilience.StandardRetry()
	}
	if c.Breaker.Name == "" {
		c.Breaker = resilience.DefaultBreakerConfig(c.AgentType + "-model")
	}
	return nil
}

// Runner is the agent runtime. One runner owns one subscription, one registry
// entry, health counters, and a circuit breaker for model calls.
type Runner struct {
	config   Config
	fabric   bus.Bus
	store    kv.Store
	consumer *bus.Consumer
	executor Executor
	breaker  *resilience.Breaker
	logger   *slog.Logger

	startedAt time.Time
	processed atomic.Int64
	errors    atomic.Int64
	lastTask  atomic.Int64 // unix nanos

	slots chan struct{}
	unsub bus.Unsubscribe
}

// NewRunner builds an agent runtime. The config is validated eagerly: a
// missing model credential is a startup error, not a runtime one.
func NewRunner(cfg Config, fabric bus.Bus, store kv.Store, consumer *bus.Consumer, executor Executor, logger *slog.Logger) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		config:   cfg,
		fabric:   fabric,
		store:    store,
		consumer: consumer,
		executor: executor,
		breaker:  resilience.NewBreaker(cfg.Breaker),
		logger:   logger.With("agent_id", cfg.AgentID, "agent_type", cfg.AgentType),
		slots:    make(chan struct{}, cfg.Concurrency),
	}, nil
}

// AgentID returns this runner's identity.
func (r *Runner) AgentID() string { return r.config.AgentID }

// Breaker returns the model-call breaker for executors to wrap outbound
// requests with.
func (r *Runner) Breaker() *resilience.Breaker { return r.breaker }

// Start registers the agent and subscribes to its task topic. The handler is
// attached before the subscription becomes active, so no task is lost.
func (r *Runner) Start(ctx context.Context) error {
	r.startedAt = time.Now()

	if err := Register(ctx, r.store, Registration{
		AgentID:      r.config.AgentID,
		Type:         r.config.AgentType,
		Version:      r.config.Version,
		Capabilities: r.config.Capabilities,
		RegisteredAt: time.Now().UTC(),
	}); err != nil {
		return fault.Wrap(fault.KindBusUnavailable, "register agent", err)
	}

	topic := bus.AgentTasksTopic(r.config.AgentType)
	handler := r.consumer.Wrap(topic, r.handleTask)
	unsub, err := r.fabric.Subscribe(ctx, topic, handler, bus.SubscribeOptions{
		ConsumerGroup: r.config.AgentType,
		FromBeginning: true,
	})
	if err != nil {
		_ = Deregister(ctx, r.store, r.config.AgentID)
		return err
	}
	r.unsub = unsub
	r.logger.Info("agent started", "topic", topic, "concurrency", r.config.Concurrency)
	return nil
}

// handleTask validates, executes, and reports one task.
func (r *Runner) handleTask(ctx context.Context, env *envelope.Envelope) error {
	task, err := envelope.ParseTask(env)
	if err != nil {
		r.errors.Add(1)
		r.logger.Warn("rejecting invalid task envelope", "envelope_id", env.ID, "error", err)
		return nil
	}

	// One slot per in-flight execution; the rated capacity is the ceiling.
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.slots }()

	// The workflow stage tag on the result is the stage, not the agent type.
	stage := task.Context.CurrentStage
	if stage == "" {
		stage = task.AgentType
	}

	started := time.Now().UTC()
	result := r.execute(ctx, task)
	result.TaskID = task.TaskID
	result.WorkflowID = task.WorkflowID
	result.AgentID = r.config.AgentID
	result.Stage = stage
	result.StartedAt = &started
	result.CompletedAt = time.Now().UTC()
	if result.Metrics.DurationMs == 0 {
		result.Metrics.DurationMs = time.Since(started).Milliseconds()
	}

	r.processed.Add(1)
	r.lastTask.Store(time.Now().UnixNano())
	if result.Status != envelope.TaskSuccess && result.Status != envelope.TaskPartial {
		r.errors.Add(1)
	}

	return r.report(ctx, env, result)
}

// execute runs the executor under the standard retry preset. Exhausted
// retries become a failure result, never a propagated error.
func (r *Runner) execute(ctx context.Context, task *envelope.Task) *envelope.TaskResult {
	var result *envelope.TaskResult
	var lastErr error
	err := resilience.Retry(ctx, r.config.Retry, func(ctx context.Context) error {
		result, lastErr = r.executor.Execute(ctx, task)
		if lastErr != nil {
			// An open breaker will not recover within this task's retries.
			if fault.Is(lastErr, fault.KindCircuitOpen) {
				return nil
			}
			return lastErr
		}
		return nil
	})
	if err == nil {
		err = lastErr
	}

	if result == nil {
		result = &envelope.TaskResult{Status: envelope.TaskFailure}
		if err == nil {
			err = fault.New(fault.KindAgentExecution, "executor returned no result")
		}
	}
	if err != nil {
		result.Status = envelope.TaskFailure
		result.Errors = append(result.Errors, err.Error())
	}
	return result
}

// report publishes the result envelope to the orchestrator, mirrored to the
// durable log.
func (r *Runner) report(ctx context.Context, taskEnv *envelope.Envelope, result *envelope.TaskResult) error {
	env, err := envelope.NewResultEnvelope(result,
		envelope.WithCorrelation(taskEnv.CorrID),
		envelope.WithSource(r.config.AgentID))
	if err != nil {
		return err
	}
	if err := r.fabric.Publish(ctx, bus.ResultsTopic, env, bus.PublishOptions{MirrorToStream: true}); err != nil {
		return fault.Wrap(fault.KindBusUnavailable, "report result", err)
	}
	r.logger.Debug("reported result",
		"task_id", result.TaskID, "workflow_id", result.WorkflowID,
		"stage", result.Stage, "status", result.Status)
	return nil
}

// Health reports the runner's condition from its error counter.
func (r *Runner) Health() Health {
	errs := r.errors.Load()
	status := Healthy
	switch {
	case errs > unhealthyErrors:
		status = Unhealthy
	case errs > degradedErrors:
		status = Degraded
	}

	h := Health{
		Status:         status,
		UptimeMs:       time.Since(r.startedAt).Milliseconds(),
		TasksProcessed: r.processed.Load(),
		ErrorsCount:    errs,
	}
	if last := r.lastTask.Load(); last > 0 {
		h.LastTaskAt = time.Unix(0, last)
	}
	return h
}

// Stop deregisters, unsubscribes, and drains in-flight work.
func (r *Runner) Stop(ctx context.Context) {
	if r.unsub != nil {
		_ = r.unsub()
	}
	// Drain: wait for every slot to free up.
	for range cap(r.slots) {
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			r.logger.Warn("shutdown drain interrupted")
			return
		}
	}
	if err := Deregister(ctx, r.store, r.config.AgentID); err != nil {
		r.logger.Warn("failed to deregister", "error", err)
	}
	r.logger.Info("agent stopped", "tasks_processed", r.processed.Load())
}
