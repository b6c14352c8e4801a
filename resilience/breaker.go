package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/c360studio/semflow/fault"
)

// BreakerConfig parameterizes the circuit breaker guarding an outbound dependency.
type BreakerConfig struct {
	Name string

	// FailureThreshold trips the breaker on this many consecutive failures.
	FailureThreshold int

	// MinimumRequests is the sample size below which the failure rate is not evaluated.
	MinimumRequests int

	// FailureRateThreshold trips the breaker when failures/requests reaches
	// this percentage (given MinimumRequests).
	FailureRateThreshold float64

	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration

	// HalfOpenSuccessThreshold closes the breaker after this many consecutive
	// half-open successes.
	HalfOpenSuccessThreshold int

	// CallTimeout bounds each guarded call.
	CallTimeout time.Duration

	// OnStateChange observes transitions.
	OnStateChange func(from, to string)
}

// DefaultBreakerConfig returns the model-API defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                     name,
		FailureThreshold:         5,
		MinimumRequests:          10,
		FailureRateThreshold:     50,
		OpenDuration:             60 * time.Second,
		HalfOpenSuccessThreshold: 2,
		CallTimeout:              30 * time.Second,
	}
}

// Breaker wraps calls to an unreliable dependency, failing fast while open.
type Breaker struct {
	cb          *gobreaker.CircuitBreaker
	callTimeout time.Duration
}

// NewBreaker creates a breaker from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 60 * time.Second
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name: cfg.Name,
		// Half-open closes after MaxRequests consecutive successes.
		MaxRequests: uint32(cfg.HalfOpenSuccessThreshold),
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if int(counts.ConsecutiveFailures) >= cfg.FailureThreshold {
				return true
			}
			if cfg.MinimumRequests > 0 && int(counts.Requests) >= cfg.MinimumRequests {
				rate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
				return rate >= cfg.FailureRateThreshold
			}
			return false
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.OnStateChange(from.String(), to.String())
		}
	}

	return &Breaker{
		cb:          gobreaker.NewCircuitBreaker(settings),
		callTimeout: cfg.CallTimeout,
	}
}

// State returns the breaker state name: closed, open, or half-open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Do runs fn under the breaker and the per-call timeout. While the breaker is
// open, Do fails fast with a CIRCUIT_OPEN error.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- fn(callCtx) }()

		select {
		case err := <-done:
			return nil, err
		case <-callCtx.Done():
			return nil, fault.Wrap(fault.KindTimeout, "call deadline", callCtx.Err())
		}
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Wrap(fault.KindCircuitOpen, "breaker open", err)
	}
	return err
}
