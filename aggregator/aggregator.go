// Package aggregator observes the result and workflow-event streams,
// maintains live dashboard metrics over rolling windows, and broadcasts them
// to websocket clients at a fixed cadence.
package aggregator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/envelope"
)

// retention bounds the in-memory sample history; the widest window is 15 minutes.
const retention = 15 * time.Minute

// WindowCounts are event counts over the standard rolling windows.
type WindowCounts struct {
	OneMin     int `json:"1m"`
	FiveMin    int `json:"5m"`
	FifteenMin int `json:"15m"`
}

// AgentStats summarize one agent type's task stream.
type AgentStats struct {
	Tasks        int64   `json:"tasks"`
	Failures     int64   `json:"failures"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P50LatencyMs float64 `json:"p50_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
}

// Snapshot is the dashboard view broadcast to clients.
type Snapshot struct {
	At                 time.Time             `json:"at"`
	WorkflowsCreated   WindowCounts          `json:"workflows_created"`
	WorkflowsCompleted WindowCounts          `json:"workflows_completed"`
	WorkflowsFailed    WindowCounts          `json:"workflows_failed"`
	WorkflowsPerSec    float64               `json:"workflows_per_second"`
	Agents             map[string]AgentStats `json:"agents"`
	ErrorRatePct       float64               `json:"error_rate_pct"`
	StreamLag          int64                 `json:"stream_lag"`
	DeadLetters        int64                 `json:"dead_letters"`
}

type sample struct {
	at time.Time
}

type latencySample struct {
	at time.Time
	ms float64
	ok bool
}

// LagProber reports consumer lag on the durable results log.
type LagProber func() int64

// Aggregator consumes the event ticker and the results stream as a passive
// observer (fan-out, at-most-once: a dropped metric sample is acceptable).
type Aggregator struct {
	fabric   bus.Bus
	logger   *slog.Logger
	lagProbe LagProber

	mu          sync.Mutex
	created     []sample
	completed   []sample
	failed      []sample
	tasks       map[string][]latencySample
	taskTotal   map[string]*struct{ tasks, failures int64 }
	deadLetters int64
	now         func() time.Time

	promCreated *prometheus.CounterVec
	promTasks   *prometheus.CounterVec
	promLatency *prometheus.HistogramVec
	promDLQ     prometheus.Counter
	registry    *prometheus.Registry

	unsubs []bus.Unsubscribe
}

// New creates an aggregator over the fabric.
func New(fabric bus.Bus, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	a := &Aggregator{
		fabric:    fabric,
		logger:    logger,
		tasks:     make(map[string][]latencySample),
		taskTotal: make(map[string]*struct{ tasks, failures int64 }),
		now:       time.Now,
		registry:  registry,
		promCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semflow_workflow_events_total",
			Help: "Workflow lifecycle events by type.",
		}, []string{"event"}),
		promTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semflow_agent_tasks_total",
			Help: "Agent task results by agent id and status.",
		}, []string{"agent_id", "status"}),
		promLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "semflow_task_duration_seconds",
			Help:    "Task execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"agent_id"}),
		promDLQ: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semflow_dead_letters_total",
			Help: "Envelopes routed to the dead-letter sink.",
		}),
	}
	registry.MustRegister(a.promCreated, a.promTasks, a.promLatency, a.promDLQ)
	return a
}

// Registry exposes the prometheus registry for the metrics endpoint.
func (a *Aggregator) Registry() *prometheus.Registry { return a.registry }

// SetLagProber wires the durable-log lag gauge.
func (a *Aggregator) SetLagProber(p LagProber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lagProbe = p
}

// Start subscribes the aggregator to the event ticker, the results stream,
// and the dead-letter sink.
func (a *Aggregator) Start(ctx context.Context) error {
	subs := []struct {
		topic   string
		handler bus.Handler
	}{
		{bus.WorkflowEventsTopic, a.handleWorkflowEvent},
		{bus.ResultsTopic, a.handleResult},
		{bus.DLQTopic, a.handleDeadLetter},
	}
	for _, s := range subs {
		unsub, err := a.fabric.Subscribe(ctx, s.topic, s.handler, bus.SubscribeOptions{})
		if err != nil {
			a.Stop()
			return err
		}
		a.unsubs = append(a.unsubs, unsub)
	}
	a.logger.Info("aggregator started")
	return nil
}

// Stop unsubscribes the aggregator.
func (a *Aggregator) Stop() {
	for _, unsub := range a.unsubs {
		_ = unsub()
	}
	a.unsubs = nil
}

func (a *Aggregator) handleWorkflowEvent(_ context.Context, env *envelope.Envelope) error {
	a.promCreated.WithLabelValues(env.Type).Inc()

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	switch env.Type {
	case engine.EventCreated:
		a.created = append(a.created, sample{at: now})
	case engine.EventCompleted:
		a.completed = append(a.completed, sample{at: now})
	case engine.EventFailed:
		a.failed = append(a.failed, sample{at: now})
	}
	a.prune(now)
	return nil
}

func (a *Aggregator) handleResult(_ context.Context, env *envelope.Envelope) error {
	result, err := envelope.ParseResult(env)
	if err != nil {
		return nil
	}
	ok := result.Status == envelope.TaskSuccess || result.Status == envelope.TaskPartial

	status := string(result.Status)
	a.promTasks.WithLabelValues(result.AgentID, status).Inc()
	a.promLatency.WithLabelValues(result.AgentID).Observe(float64(result.Metrics.DurationMs) / 1000)

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.tasks[result.AgentID] = append(a.tasks[result.AgentID], latencySample{
		at: now,
		ms: float64(result.Metrics.DurationMs),
		ok: ok,
	})
	totals, exists := a.taskTotal[result.AgentID]
	if !exists {
		totals = &struct{ tasks, failures int64 }{}
		a.taskTotal[result.AgentID] = totals
	}
	totals.tasks++
	if !ok {
		totals.failures++
	}
	a.prune(now)
	return nil
}

func (a *Aggregator) handleDeadLetter(_ context.Context, env *envelope.Envelope) error {
	if env.Type != envelope.TypeDeadLetter {
		return nil
	}
	a.promDLQ.Inc()
	a.mu.Lock()
	a.deadLetters++
	a.mu.Unlock()
	return nil
}

// prune drops samples older than the widest window. Caller holds the lock.
func (a *Aggregator) prune(now time.Time) {
	cutoff := now.Add(-retention)
	a.created = pruneSamples(a.created, cutoff)
	a.completed = pruneSamples(a.completed, cutoff)
	a.failed = pruneSamples(a.failed, cutoff)
	for agent, samples := range a.tasks {
		kept := samples[:0]
		for _, s := range samples {
			if s.at.After(cutoff) {
				kept = append(kept, s)
			}
		}
		a.tasks[agent] = kept
	}
}

func pruneSamples(samples []sample, cutoff time.Time) []sample {
	kept := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}

func countWindows(samples []sample, now time.Time) WindowCounts {
	var w WindowCounts
	for _, s := range samples {
		age := now.Sub(s.at)
		if age <= time.Minute {
			w.OneMin++
		}
		if age <= 5*time.Minute {
			w.FiveMin++
		}
		if age <= 15*time.Minute {
			w.FifteenMin++
		}
	}
	return w
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Snapshot computes the current dashboard view.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	snap := Snapshot{
		At:                 now,
		WorkflowsCreated:   countWindows(a.created, now),
		WorkflowsCompleted: countWindows(a.completed, now),
		WorkflowsFailed:    countWindows(a.failed, now),
		Agents:             make(map[string]AgentStats, len(a.taskTotal)),
		DeadLetters:        a.deadLetters,
	}
	snap.WorkflowsPerSec = float64(snap.WorkflowsCreated.OneMin) / 60

	var recentTasks, recentFailures int
	for agentID, totals := range a.taskTotal {
		stats := AgentStats{Tasks: totals.tasks, Failures: totals.failures}
		if totals.tasks > 0 {
			stats.SuccessRate = float64(totals.tasks-totals.failures) / float64(totals.tasks) * 100
		}

		var latencies []float64
		var sum float64
		for _, s := range a.tasks[agentID] {
			latencies = append(latencies, s.ms)
			sum += s.ms
			if now.Sub(s.at) <= 5*time.Minute {
				recentTasks++
				if !s.ok {
					recentFailures++
				}
			}
		}
		if len(latencies) > 0 {
			sort.Float64s(latencies)
			stats.AvgLatencyMs = sum / float64(len(latencies))
			stats.P50LatencyMs = percentile(latencies, 0.50)
			stats.P95LatencyMs = percentile(latencies, 0.95)
			stats.P99LatencyMs = percentile(latencies, 0.99)
		}
		snap.Agents[agentID] = stats
	}

	if recentTasks > 0 {
		snap.ErrorRatePct = float64(recentFailures) / float64(recentTasks) * 100
	}
	if a.lagProbe != nil {
		snap.StreamLag = a.lagProbe()
	}
	return snap
}
