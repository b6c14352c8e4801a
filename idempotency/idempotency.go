// Package idempotency implements the seen-ledger primitives that make
// at-least-once delivery safe: one-shot execution and event deduplication.
package idempotency

import (
	"context"
	"time"

	"github.com/c360studio/semflow/kv"
)

// DefaultTTL is the dedupe window for envelope ids.
const DefaultTTL = 24 * time.Hour

var marker = []byte("true")

// DeduplicateEvent records eventID in the ledger. Returns true when the event
// is new within the TTL window, false on a duplicate.
func DeduplicateEvent(ctx context.Context, store kv.Store, eventID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return store.SetNX(ctx, kv.SeenKey(eventID), marker, ttl)
}

// Once executes fn only if key has not been claimed within the TTL window.
// Returns (result, true) when fn ran, (zero, false) on a duplicate. The key is
// claimed before fn runs, so concurrent callers cannot both execute; if fn
// fails, the claim is released so a later caller may retry.
func Once[T any](ctx context.Context, store kv.Store, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	claimed, err := store.SetNX(ctx, key, marker, ttl)
	if err != nil {
		return zero, false, err
	}
	if !claimed {
		return zero, false, nil
	}

	result, err := fn(ctx)
	if err != nil {
		// Release the claim so the operation can be retried.
		_ = store.Del(ctx, key)
		return zero, true, err
	}
	return result, true, nil
}
