// Package natsbus binds the bus.Bus port to NATS. Fan-out publishes ride core
// NATS subjects (at-most-once); the durable mirror appends to a per-topic
// JetStream stream consumed through durable consumers (at-least-once, with
// per-consumer-group offsets).
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/fault"
)

// defaultRetention bounds the durable log when a publish carries no TTL.
const defaultRetention = 7 * 24 * time.Hour

// streamPrefix separates the durable copies from the fan-out subjects, so a
// non-mirrored publish never lands in the log.
const streamPrefix = "stream."

// Bus is a NATS-backed bus.Bus.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]jetstream.Stream
}

// Connect dials the NATS endpoint at url.
func Connect(url string, logger *slog.Logger) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fault.Wrap(fault.KindBusUnavailable, "connect "+url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fault.Wrap(fault.KindBusUnavailable, "jetstream context", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{nc: nc, js: js, logger: logger, streams: make(map[string]jetstream.Stream)}, nil
}

// streamName derives a JetStream-legal stream name from a topic.
func streamName(topic string) string {
	r := strings.NewReplacer(":", "_", ".", "_", "*", "_", ">", "_", " ", "_")
	return "SEMFLOW_" + strings.ToUpper(r.Replace(topic))
}

func durableSubject(topic string) string {
	return streamPrefix + topic
}

// ensureStream creates or returns the durable stream for topic.
func (b *Bus) ensureStream(ctx context.Context, topic string, ttl time.Duration) (jetstream.Stream, error) {
	b.mu.Lock()
	if s, ok := b.streams[topic]; ok {
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	if ttl <= 0 {
		ttl = defaultRetention
	}
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName(topic),
		Subjects: []string{durableSubject(topic)},
		Storage:  jetstream.FileStorage,
		MaxAge:   ttl,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindBusUnavailable, "ensure stream for "+topic, err)
	}

	b.mu.Lock()
	b.streams[topic] = stream
	b.mu.Unlock()
	return stream, nil
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, env *envelope.Envelope, opts bus.PublishOptions) error {
	data, err := envelope.Serialize(env)
	if err != nil {
		return err
	}

	if err := b.nc.Publish(topic, data); err != nil {
		return fault.Wrap(fault.KindBusUnavailable, "publish "+topic, err)
	}

	if opts.MirrorToStream {
		if _, err := b.ensureStream(ctx, topic, opts.TTL); err != nil {
			return err
		}
		if _, err := b.js.Publish(ctx, durableSubject(topic), data,
			jetstream.WithMsgID(env.ID)); err != nil {
			return fault.Wrap(fault.KindBusUnavailable, "mirror "+topic, err)
		}
	}
	return nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.Handler, opts bus.SubscribeOptions) (bus.Unsubscribe, error) {
	if opts.ConsumerGroup == "" {
		return b.subscribeFanout(ctx, topic, handler)
	}
	return b.subscribeDurable(ctx, topic, handler, opts)
}

func (b *Bus) subscribeFanout(ctx context.Context, topic string, handler bus.Handler) (bus.Unsubscribe, error) {
	sub, err := b.nc.Subscribe(topic, func(msg *nats.Msg) {
		env, err := envelope.Parse(msg.Data)
		if err != nil {
			b.logger.Warn("dropping unparseable message", "topic", topic, "error", err)
			return
		}
		if err := handler(ctx, env); err != nil {
			b.logger.Debug("fan-out handler error", "topic", topic, "error", err)
		}
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindBusUnavailable, "subscribe "+topic, err)
	}
	return sub.Unsubscribe, nil
}

func (b *Bus) subscribeDurable(ctx context.Context, topic string, handler bus.Handler, opts bus.SubscribeOptions) (bus.Unsubscribe, error) {
	stream, err := b.ensureStream(ctx, topic, 0)
	if err != nil {
		return nil, err
	}

	deliver := jetstream.DeliverNewPolicy
	if opts.FromBeginning {
		deliver = jetstream.DeliverAllPolicy
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       sanitizeConsumer(opts.ConsumerGroup),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: deliver,
		MaxAckPending: 1, // per-group FIFO
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindBusUnavailable,
			fmt.Sprintf("consumer %s on %s", opts.ConsumerGroup, topic), err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		env, err := envelope.Parse(msg.Data())
		if err != nil {
			b.logger.Warn("terminating unparseable durable message", "topic", topic, "error", err)
			_ = msg.Term()
			return
		}
		if err := handler(ctx, env); err != nil {
			b.logger.Debug("durable handler error, redelivering", "topic", topic, "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindBusUnavailable, "consume "+topic, err)
	}

	return func() error {
		cc.Stop()
		return nil
	}, nil
}

func sanitizeConsumer(group string) string {
	r := strings.NewReplacer(":", "_", ".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(group)
}

// StreamLag returns the number of unconsumed durable entries for a group.
func (b *Bus) StreamLag(ctx context.Context, topic, consumerGroup string) (int64, error) {
	stream, err := b.ensureStream(ctx, topic, 0)
	if err != nil {
		return 0, err
	}
	info, err := stream.Consumer(ctx, sanitizeConsumer(consumerGroup))
	if err != nil {
		return 0, fault.Wrap(fault.KindBusUnavailable, "consumer info", err)
	}
	ci, err := info.Info(ctx)
	if err != nil {
		return 0, fault.Wrap(fault.KindBusUnavailable, "consumer info", err)
	}
	return int64(ci.NumPending), nil
}

// Health implements bus.Bus via a round-trip ping.
func (b *Bus) Health(ctx context.Context) bus.Health {
	start := time.Now()
	h := bus.Health{CheckedAt: start}
	if !b.nc.IsConnected() {
		h.Err = "not connected"
		return h
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		h.Err = err.Error()
		return h
	}
	h.OK = true
	h.LatencyMs = time.Since(start).Milliseconds()
	return h
}

// WaitReady blocks until the fabric answers a ping or ctx expires.
func (b *Bus) WaitReady(ctx context.Context) error {
	for {
		if h := b.Health(ctx); h.OK {
			return nil
		}
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindBusUnavailable, "fabric not ready", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	if b.nc == nil || b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}
