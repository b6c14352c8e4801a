package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/fault"
)

func testBreaker(openDuration time.Duration) *Breaker {
	return NewBreaker(BreakerConfig{
		Name:                     "model-api",
		FailureThreshold:         5,
		MinimumRequests:          100, // keep the rate trip out of the way
		FailureRateThreshold:     50,
		OpenDuration:             openDuration,
		HalfOpenSuccessThreshold: 2,
		CallTimeout:              time.Second,
	})
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := testBreaker(time.Minute)
	boom := errors.New("model down")

	for range 5 {
		err := b.Do(context.Background(), func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", b.State())

	// Subsequent calls fail fast without invoking fn.
	for range 10 {
		called := false
		err := b.Do(context.Background(), func(context.Context) error {
			called = true
			return nil
		})
		assert.Equal(t, fault.KindCircuitOpen, fault.KindOf(err))
		assert.False(t, called)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := testBreaker(50 * time.Millisecond)
	boom := errors.New("model down")

	for range 5 {
		_ = b.Do(context.Background(), func(context.Context) error { return boom })
	}
	require.Equal(t, "open", b.State())

	time.Sleep(60 * time.Millisecond)

	// Two consecutive half-open successes close the breaker.
	require.NoError(t, b.Do(context.Background(), func(context.Context) error { return nil }))
	require.NoError(t, b.Do(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, "closed", b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := testBreaker(50 * time.Millisecond)
	boom := errors.New("model down")

	for range 5 {
		_ = b.Do(context.Background(), func(context.Context) error { return boom })
	}
	time.Sleep(60 * time.Millisecond)

	_ = b.Do(context.Background(), func(context.Context) error { return boom })
	assert.Equal(t, "open", b.State())
}

func TestBreakerCallTimeout(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "slow",
		FailureThreshold: 3,
		OpenDuration:     time.Minute,
		CallTimeout:      20 * time.Millisecond,
	})

	err := b.Do(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := DefaultBreakerConfig("model-api")
	cfg.OpenDuration = time.Minute
	cfg.OnStateChange = func(from, to string) {
		transitions = append(transitions, from+"->"+to)
	}
	b := NewBreaker(cfg)

	for range 5 {
		_ = b.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	}
	assert.Contains(t, transitions, "closed->open")
}
