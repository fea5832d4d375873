// Package retry provides the uniform retry-with-backoff primitive and the
// long-lived reconnection manager used by the tool-server fleet and outbound
// HTTP calls.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy controls backoff behavior for a retried operation.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool

	// OnRetry is invoked before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy matches the fleet's per-server retry defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

func (p Policy) normalized() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 2.0
	}
	return p
}

// Delay returns the backoff delay before retry number attempt (1-based):
// min(maxDelay, initialDelay*backoffFactor^(attempt-1)), scaled by a random
// factor in [0.5, 1.5] when jitter is enabled.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Result reports the outcome of a retried operation.
type Result struct {
	Success  bool
	Attempts int
	Err      error
}

// Do runs op until it succeeds or MaxRetries is exhausted. Backoff sleeps are
// cancellable through ctx.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) Result {
	policy = policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt - 1, Err: err}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return Result{Success: true, Attempts: attempt}
		}

		if attempt > policy.MaxRetries {
			break
		}

		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, delay, lastErr)
		}
		if !sleep(ctx, delay) {
			return Result{Attempts: attempt, Err: ctx.Err()}
		}
	}

	return Result{Attempts: policy.MaxRetries + 1, Err: lastErr}
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, Result) {
	var value T
	res := Do(ctx, policy, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, res
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
