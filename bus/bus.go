// Package bus defines the message fabric port: best-effort fan-out publish,
// an optional durable-log mirror, consumer-group subscriptions, and the
// dead-letter sink.
package bus

import (
	"context"
	"time"

	"github.com/c360studio/semflow/envelope"
)

// PublishOptions controls delivery of a single publish.
type PublishOptions struct {
	// MirrorToStream additionally appends the envelope to the durable log,
	// making it visible to at-least-once consumer-group subscribers.
	MirrorToStream bool

	// TTL bounds how long the durable copy is retained. Zero = substrate default.
	TTL time.Duration
}

// SubscribeOptions controls a subscription.
type SubscribeOptions struct {
	// ConsumerGroup subscribes through the durable log with at-least-once
	// delivery and per-group offsets. Empty = fan-out, at-most-once.
	ConsumerGroup string

	// FromBeginning replays the durable log from its first entry instead of
	// only new messages. Only meaningful with a consumer group.
	FromBeginning bool
}

// Handler consumes one parsed envelope. Returning an error signals redelivery
// (durable subscriptions) or retry-by-republish (fan-out); after the
// envelope's retry budget it is dead-lettered.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Unsubscribe tears down a subscription.
type Unsubscribe func() error

// Health reports the fabric's reachability.
type Health struct {
	OK        bool      `json:"ok"`
	LatencyMs int64     `json:"latency_ms"`
	Err       string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Bus is the message fabric port.
type Bus interface {
	// Publish sends env on topic. With MirrorToStream the envelope is also
	// appended to the topic's durable log.
	Publish(ctx context.Context, topic string, env *envelope.Envelope, opts PublishOptions) error

	// Subscribe registers handler for topic. The handler receives envelopes
	// in arrival order, one at a time per subscription.
	Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) (Unsubscribe, error)

	// Health round-trips a ping against the substrate.
	Health(ctx context.Context) Health

	// Close drains subscriptions and disconnects.
	Close() error
}
