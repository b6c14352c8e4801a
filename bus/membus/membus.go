// Package membus is an in-process implementation of the bus.Bus port, used in
// tests and single-process development mode. Fan-out subscriptions are
// at-most-once; consumer-group subscriptions replay a per-topic durable log
// with shared per-group offsets.
package membus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/envelope"
)

// fanoutBuffer bounds each fan-out subscriber's mailbox. Overflow drops the
// message, which at-most-once delivery permits.
const fanoutBuffer = 1024

// Bus is an in-memory bus.Bus.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	logs   map[string][]*envelope.Envelope
	groups map[string]*group
	logger *slog.Logger
	closed bool
}

type subscription struct {
	topic   string
	handler bus.Handler
	mailbox chan *envelope.Envelope
	quit    chan struct{}
	once    sync.Once
}

type group struct {
	topic  string
	name   string
	offset int
	subs   []*subscription
	next   int
	wake   chan struct{}
	quit   chan struct{}
}

// New creates an empty in-memory bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]*subscription),
		logs:   make(map[string][]*envelope.Envelope),
		groups: make(map[string]*group),
		logger: logger,
	}
}

// Publish implements bus.Bus.
func (b *Bus) Publish(_ context.Context, topic string, env *envelope.Envelope, opts bus.PublishOptions) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bus closed")
	}

	if opts.MirrorToStream {
		b.logs[topic] = append(b.logs[topic], env)
	}

	subs := make([]*subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])

	var wakes []chan struct{}
	if opts.MirrorToStream {
		for _, g := range b.groups {
			if g.topic == topic {
				wakes = append(wakes, g.wake)
			}
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.mailbox <- env:
		default:
			b.logger.Warn("fan-out mailbox full, dropping message", "topic", topic, "envelope_id", env.ID)
		}
	}
	for _, wake := range wakes {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.Handler, opts bus.SubscribeOptions) (bus.Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus closed")
	}

	if opts.ConsumerGroup != "" {
		return b.joinGroup(ctx, topic, handler, opts)
	}

	sub := &subscription{
		topic:   topic,
		handler: handler,
		mailbox: make(chan *envelope.Envelope, fanoutBuffer),
		quit:    make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	go sub.run(ctx, b.logger)

	return func() error {
		b.removeFanout(sub)
		return nil
	}, nil
}

func (s *subscription) run(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case env := <-s.mailbox:
			if err := s.handler(ctx, env); err != nil {
				logger.Debug("fan-out handler error", "topic", s.topic, "error", err)
			}
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.quit) })
}

func (b *Bus) removeFanout(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	sub.stop()
}

// joinGroup registers handler in the named consumer group, creating the group
// and its dispatch loop on first join. Caller holds b.mu.
func (b *Bus) joinGroup(ctx context.Context, topic string, handler bus.Handler, opts bus.SubscribeOptions) (bus.Unsubscribe, error) {
	key := topic + "/" + opts.ConsumerGroup
	g, ok := b.groups[key]
	if !ok {
		g = &group{
			topic: topic,
			name:  opts.ConsumerGroup,
			wake:  make(chan struct{}, 1),
			quit:  make(chan struct{}),
		}
		if !opts.FromBeginning {
			g.offset = len(b.logs[topic])
		}
		b.groups[key] = g
		// Prime the loop so a FromBeginning join drains the existing log.
		g.wake <- struct{}{}
		go b.dispatch(ctx, g)
	}

	sub := &subscription{topic: topic, handler: handler}
	g.subs = append(g.subs, sub)

	return func() error {
		b.leaveGroup(key, sub)
		return nil
	}, nil
}

func (b *Bus) leaveGroup(key string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[key]
	if !ok {
		return
	}
	for i, s := range g.subs {
		if s == sub {
			g.subs = append(g.subs[:i], g.subs[i+1:]...)
			break
		}
	}
	if len(g.subs) == 0 {
		close(g.quit)
		delete(b.groups, key)
	}
}

// dispatch drains the durable log for one group, handing each entry to one
// member round-robin. Entries are processed in log order, one at a time.
func (b *Bus) dispatch(ctx context.Context, g *group) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.quit:
			return
		case <-g.wake:
		}

		for {
			b.mu.Lock()
			log := b.logs[g.topic]
			if g.offset >= len(log) || len(g.subs) == 0 {
				b.mu.Unlock()
				break
			}
			env := log[g.offset]
			g.offset++
			sub := g.subs[g.next%len(g.subs)]
			g.next++
			b.mu.Unlock()

			if err := sub.handler(ctx, env); err != nil {
				b.logger.Debug("group handler error",
					"topic", g.topic, "group", g.name, "error", err)
			}
		}
	}
}

// StreamLag returns the number of unconsumed durable entries for a group.
func (b *Bus) StreamLag(topic, consumerGroup string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[topic+"/"+consumerGroup]
	if !ok {
		return len(b.logs[topic])
	}
	return len(b.logs[topic]) - g.offset
}

// Log returns a copy of a topic's durable log. Test hook.
func (b *Bus) Log(topic string) []*envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*envelope.Envelope, len(b.logs[topic]))
	copy(out, b.logs[topic])
	return out
}

// Health implements bus.Bus.
func (b *Bus) Health(_ context.Context) bus.Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := bus.Health{OK: !b.closed, CheckedAt: time.Now()}
	if b.closed {
		h.Err = "bus closed"
	}
	return h
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.stop()
		}
	}
	for _, g := range b.groups {
		close(g.quit)
	}
	b.subs = make(map[string][]*subscription)
	b.groups = make(map[string]*group)
	return nil
}
