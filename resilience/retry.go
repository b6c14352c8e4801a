// Package resilience provides the retry and circuit-breaker primitives used
// around every unreliable call in the core: bus and KV I/O, and outbound
// model-API requests.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig controls exponential backoff with jitter.
type RetryConfig struct {
	// MaxAttempts bounds total invocations, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// JitterFactor widens each delay by a uniform random share of itself.
	JitterFactor float64

	// OnRetry is invoked before each re-attempt with the attempt number
	// (starting at 2) and the previous error.
	OnRetry func(attempt int, err error)
}

// StandardRetry is the default policy for bus and agent work.
func StandardRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
	}
}

// Delay computes the backoff before attempt n (n ≥ 2):
// min(base * 2^(n-2), max) * (1 + U[0, jitter]).
func (c RetryConfig) Delay(attempt int) time.Duration {
	exp := float64(c.BaseDelay) * math.Pow(2, float64(attempt-2))
	if capped := float64(c.MaxDelay); exp > capped {
		exp = capped
	}
	if c.JitterFactor > 0 {
		exp *= 1 + rand.Float64()*c.JitterFactor
	}
	return time.Duration(exp)
}

// Retry runs fn until it succeeds, the attempts are exhausted, or ctx is
// cancelled. The last error is returned after exhaustion.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Delay(attempt)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
