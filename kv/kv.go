// Package kv defines the key-value store port used for the idempotency
// ledger, workflow state snapshots, recovery checkpoints, distributed locks,
// and the agent registry. Values are JSON.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Health reports the store's reachability.
type Health struct {
	OK        bool          `json:"ok"`
	LatencyMs int64         `json:"latency_ms"`
	Err       string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Latency   time.Duration `json:"-"`
}

// Store is the KV port. Implementations must be safe for concurrent use.
type Store interface {
	// Get reads the raw JSON value at key. Returns ErrNotFound when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes value only when key is absent. Reports whether the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Del removes key. Removing an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)

	// CAS replaces the value at key only when the stored value equals expected.
	// Reports whether the swap happened. The existing TTL is preserved.
	CAS(ctx context.Context, key string, expected, next []byte) (bool, error)

	// HSet stores field=value in the hash at key.
	HSet(ctx context.Context, key, field string, value []byte) error

	// HGet reads a hash field. Returns ErrNotFound when absent.
	HGet(ctx context.Context, key, field string) ([]byte, error)

	// HGetAll reads all fields of the hash at key.
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	// HDel removes a hash field.
	HDel(ctx context.Context, key, field string) error

	// Health round-trips a ping against the store.
	Health(ctx context.Context) Health

	// Close releases the connection.
	Close() error
}

// GetJSON reads and unmarshals the value at key into a T.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, error) {
	var v T
	data, err := s.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

// SetJSON marshals v and writes it at key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}
