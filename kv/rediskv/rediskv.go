// Package rediskv binds the kv.Store port to Redis.
package rediskv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/semflow/kv"
)

// casScript swaps the value at KEYS[1] only when it currently equals ARGV[1],
// keeping the existing TTL.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
  return 1
end
return 0
`)

// Store is a Redis-backed kv.Store.
type Store struct {
	client    *redis.Client
	namespace string
}

// Option configures the store.
type Option func(*Store)

// WithNamespace prefixes every key with ns and a colon.
func WithNamespace(ns string) Option {
	return func(s *Store) { s.namespace = ns }
}

// New connects to the Redis endpoint at url (redis:// form).
func New(url string, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	s := &Store{client: redis.NewClient(redisOpts)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromClient wraps an existing client. Used by tests.
func NewFromClient(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string {
	if s.namespace == "" {
		return k
	}
	return s.namespace + ":" + k
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	return data, err
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

// SetNX implements kv.Store.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.key(key), value, ttl).Result()
}

// Del implements kv.Store.
func (s *Store) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Incr implements kv.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, s.key(key)).Result()
}

// CAS implements kv.Store.
func (s *Store) CAS(ctx context.Context, key string, expected, next []byte) (bool, error) {
	n, err := casScript.Run(ctx, s.client, []string{s.key(key)}, expected, next).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// HSet implements kv.Store.
func (s *Store) HSet(ctx context.Context, key, field string, value []byte) error {
	return s.client.HSet(ctx, s.key(key), field, value).Err()
}

// HGet implements kv.Store.
func (s *Store) HGet(ctx context.Context, key, field string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.key(key), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	return data, err
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(fields))
	for f, v := range fields {
		out[f] = []byte(v)
	}
	return out, nil
}

// HDel implements kv.Store.
func (s *Store) HDel(ctx context.Context, key, field string) error {
	return s.client.HDel(ctx, s.key(key), field).Err()
}

// Health implements kv.Store.
func (s *Store) Health(ctx context.Context) kv.Health {
	start := time.Now()
	err := s.client.Ping(ctx).Err()
	h := kv.Health{
		OK:        err == nil,
		Latency:   time.Since(start),
		LatencyMs: time.Since(start).Milliseconds(),
		CheckedAt: time.Now(),
	}
	if err != nil {
		h.Err = err.Error()
	}
	return h
}

// Close implements kv.Store.
func (s *Store) Close() error {
	return s.client.Close()
}
