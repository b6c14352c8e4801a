// Package coordinator runs the orchestration phase coordinators. Each
// coordinator consumes its phase request topic and emits a result or an error
// envelope, which the workflow engine routes onward.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/fault"
)

// Phases the core ships coordinators for.
var Phases = []string{
	bus.PhasePlan,
	bus.PhaseCode,
	bus.PhaseCertify,
	bus.PhaseDeploy,
	bus.PhaseMonitor,
}

// Handler performs one phase's work on a request envelope and returns the
// result payload.
type Handler func(ctx context.Context, env *envelope.Envelope) (json.RawMessage, error)

// Stats exposes a coordinator's counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Errors    int64 `json:"errors"`
}

// Coordinator consumes phase.<x>.request and emits phase.<x>.result or
// phase.<x>.error, preserving the request's correlation id.
type Coordinator struct {
	phase    string
	fabric   bus.Bus
	consumer *bus.Consumer
	handler  Handler
	logger   *slog.Logger

	processed atomic.Int64
	errors    atomic.Int64
	unsub     bus.Unsubscribe
}

// New creates a coordinator for one phase.
func New(phase string, fabric bus.Bus, consumer *bus.Consumer, handler Handler, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		phase:    phase,
		fabric:   fabric,
		consumer: consumer,
		handler:  handler,
		logger:   logger.With("phase", phase),
	}
}

// Phase returns the coordinator's phase name.
func (c *Coordinator) Phase() string { return c.phase }

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	return Stats{Processed: c.processed.Load(), Errors: c.errors.Load()}
}

// Start subscribes the coordinator to its request topic through the shared
// delivery pipeline.
func (c *Coordinator) Start(ctx context.Context) error {
	topic := bus.PhaseRequestTopic(c.phase)
	handler := c.consumer.Wrap(topic, c.handleRequest)
	unsub, err := c.fabric.Subscribe(ctx, topic, handler, bus.SubscribeOptions{
		ConsumerGroup: "phase-" + c.phase,
		FromBeginning: true,
	})
	if err != nil {
		return err
	}
	c.unsub = unsub
	c.logger.Info("phase coordinator started", "topic", topic)
	return nil
}

// Stop unsubscribes the coordinator.
func (c *Coordinator) Stop() {
	if c.unsub != nil {
		_ = c.unsub()
	}
	c.logger.Info("phase coordinator stopped", "processed", c.processed.Load())
}

func (c *Coordinator) handleRequest(ctx context.Context, env *envelope.Envelope) error {
	started := time.Now()
	payload, err := c.handler(ctx, env)
	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("phase handler failed", "envelope_id", env.ID, "error", err)
		return c.emitError(ctx, env, err)
	}

	c.processed.Add(1)
	result, err := envelope.New(
		"phase."+c.phase+".result",
		json.RawMessage(payload),
		envelope.WithCorrelation(env.CorrID),
		envelope.WithSource("coordinator:"+c.phase),
	)
	if err != nil {
		return err
	}
	if err := c.fabric.Publish(ctx, bus.PhaseResultTopic(c.phase), result,
		bus.PublishOptions{MirrorToStream: true}); err != nil {
		return fault.Wrap(fault.KindBusUnavailable, "publish phase result", err)
	}
	c.logger.Debug("phase request handled",
		"envelope_id", env.ID, "duration_ms", time.Since(started).Milliseconds())
	return nil
}

// phaseError is the error payload emitted on the phase error topic.
type phaseError struct {
	RequestID string `json:"request_id"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
}

func (c *Coordinator) emitError(ctx context.Context, env *envelope.Envelope, cause error) error {
	errEnv, err := envelope.New(
		"phase."+c.phase+".error",
		phaseError{
			RequestID: env.ID,
			Kind:      string(fault.KindOf(cause)),
			Message:   cause.Error(),
		},
		envelope.WithCorrelation(env.CorrID),
		envelope.WithSource("coordinator:"+c.phase),
	)
	if err != nil {
		return err
	}
	if err := c.fabric.Publish(ctx, bus.PhaseErrorTopic(c.phase), errEnv,
		bus.PublishOptions{MirrorToStream: true}); err != nil {
		return fault.Wrap(fault.KindBusUnavailable, "publish phase error", err)
	}
	return nil
}
