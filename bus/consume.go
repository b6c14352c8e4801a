package bus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/fault"
	"github.com/c360studio/semflow/idempotency"
	"github.com/c360studio/semflow/kv"
)

// minBudget is the floor for the per-message handler budget.
const minBudget = 30 * time.Second

// ConsumerStats exposes the pipeline counters.
type ConsumerStats struct {
	Duplicates   int64 `json:"duplicates"`
	UnknownTypes int64 `json:"unknown_types"`
	DeadLettered int64 `json:"dead_lettered"`
	Retried      int64 `json:"retried"`
}

// Consumer wraps business handlers with the delivery pipeline every consumer
// in the system shares: dedupe by envelope id, schema validation, a
// per-message budget, retry-by-republish, and dead-lettering after the
// envelope's retry budget is spent.
type Consumer struct {
	bus        Bus
	store      kv.Store
	schemas    *envelope.SchemaRegistry
	logger     *slog.Logger
	maxRetries int
	budget     time.Duration

	duplicates   atomic.Int64
	unknownTypes atomic.Int64
	deadLettered atomic.Int64
	retried      atomic.Int64
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithSchemas validates payloads against the registry. Envelope types the
// registry does not know are counted and discarded.
func WithSchemas(reg *envelope.SchemaRegistry) ConsumerOption {
	return func(c *Consumer) { c.schemas = reg }
}

// WithMaxRetries overrides the default retry budget of 5.
func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) { c.maxRetries = n }
}

// WithBudget overrides the per-message handler budget (floor 30s).
func WithBudget(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.budget = d }
}

// NewConsumer creates a consumption pipeline over b and the seen-ledger store.
func NewConsumer(b Bus, store kv.Store, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		bus:        b,
		store:      store,
		logger:     logger,
		maxRetries: 5,
		budget:     minBudget,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.budget < minBudget {
		c.budget = minBudget
	}
	return c
}

// Stats returns a snapshot of the pipeline counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Duplicates:   c.duplicates.Load(),
		UnknownTypes: c.unknownTypes.Load(),
		DeadLettered: c.deadLettered.Load(),
		Retried:      c.retried.Load(),
	}
}

// Wrap returns the delivery-pipeline handler around h for the given topic.
func (c *Consumer) Wrap(topic string, h Handler) Handler {
	return func(ctx context.Context, env *envelope.Envelope) error {
		fresh, err := idempotency.DeduplicateEvent(ctx, c.store, env.ID, idempotency.DefaultTTL)
		if err != nil {
			// Ledger unavailable: process anyway, the handler must be idempotent.
			c.logger.Warn("dedupe ledger unavailable", "topic", topic, "error", err)
		} else if !fresh {
			c.duplicates.Add(1)
			return nil
		}

		if env.Meta.Attempts > c.maxRetries {
			return c.deadLetter(ctx, topic, env, fault.New(fault.KindDeadLetter, "retry budget exceeded on arrival"))
		}

		if c.schemas != nil {
			known, err := c.schemas.Validate(env)
			if !known {
				c.unknownTypes.Add(1)
				c.logger.Debug("discarding unknown envelope type", "topic", topic, "type", env.Type)
				return nil
			}
			if err != nil {
				// Schema mismatches and invalid payloads both dead-letter:
				// neither can succeed on redelivery.
				return c.deadLetter(ctx, topic, env, err)
			}
		}

		budget := c.budget
		hctx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		if err := h(hctx, env); err != nil {
			return c.retryOrDeadLetter(ctx, topic, env, err)
		}
		return nil
	}
}

// retryOrDeadLetter republishes a retry envelope, or dead-letters the message
// once the final attempt has failed.
func (c *Consumer) retryOrDeadLetter(ctx context.Context, topic string, env *envelope.Envelope, cause error) error {
	if env.Meta.Attempts >= c.maxRetries {
		return c.deadLetter(ctx, topic, env, cause)
	}

	next := envelope.Retry(env, cause)
	if err := c.bus.Publish(ctx, topic, next, PublishOptions{MirrorToStream: true}); err != nil {
		c.logger.Error("failed to republish retry envelope",
			"topic", topic, "envelope_id", env.ID, "error", err)
		return fault.Wrap(fault.KindBusUnavailable, "republish retry", err)
	}
	c.retried.Add(1)
	c.logger.Debug("scheduled retry",
		"topic", topic, "envelope_id", env.ID, "attempt", next.Meta.Attempts, "cause", cause)
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, topic string, env *envelope.Envelope, cause error) error {
	dl, err := envelope.NewDeadLetterEnvelope(env, topic, cause)
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, DLQTopic, dl, PublishOptions{MirrorToStream: true}); err != nil {
		return fault.Wrap(fault.KindBusUnavailable, "publish dead letter", err)
	}
	c.deadLettered.Add(1)
	c.logger.Warn("envelope dead-lettered",
		"topic", topic, "envelope_id", env.ID, "type", env.Type,
		"attempts", env.Meta.Attempts, "cause", cause)
	return nil
}
