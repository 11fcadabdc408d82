// Package retry executes operations under bounded exponential backoff with
// jitter. Retry eligibility is decided by the error taxonomy in types:
// classified retryable errors are retried, everything else propagates
// immediately.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/types"
)

// Policy configures the backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of calls, first try included.
	MaxAttempts int

	// InitialDelay seeds the exponential schedule.
	InitialDelay time.Duration

	// MaxDelay caps a single sleep.
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64

	// Jitter toggles the ±25% uniform spread that keeps concurrent
	// executions from retrying in lockstep.
	Jitter bool

	// OnRetry, if set, observes every scheduled retry.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy is the dispatch-level schedule: 3 attempts, 1s initial,
// 30s cap, doubling.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// LowLevelPolicy is the tighter schedule used for per-poll status checks,
// where a long sleep would stall a running job's progress updates.
func LowLevelPolicy() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer runs operations under a Policy. It carries no per-invocation
// state and is safe for concurrent use across independent requests.
type Retryer struct {
	policy *Policy
	logger *zap.Logger
}

// New creates a Retryer, normalizing degenerate policy values.
func New(policy *Policy, logger *zap.Logger) *Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	return &Retryer{policy: policy, logger: logger}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or
// attempts are exhausted. The last error is returned unwrapped so callers
// can classify it.
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.delayFor(attempt-1, lastErr)

			r.logger.Debug("retrying after transient failure",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.String("kind", string(types.KindOf(lastErr))),
				zap.Duration("delay", delay),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return types.NewError(types.ErrTaskCancelled, "retry aborted").WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("operation recovered after retry", zap.Int("attempt", attempt))
			}
			return nil
		}

		if !types.IsRetryable(lastErr) {
			r.logger.Debug("error is not retryable, propagating",
				zap.String("kind", string(types.KindOf(lastErr))),
				zap.Error(lastErr))
			return lastErr
		}
	}

	r.logger.Warn("retry attempts exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.String("kind", string(types.KindOf(lastErr))),
		zap.Error(lastErr))
	return lastErr
}

// delayFor computes the sleep before the (n+1)th attempt. A provider
// retry-after hint overrides the computed schedule when it is longer.
func (r *Retryer) delayFor(n int, lastErr error) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(n-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	if r.policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}

	d := time.Duration(delay)
	if e := types.AsError(lastErr); e != nil && e.RetryAfter > d {
		d = e.RetryAfter
		if d > r.policy.MaxDelay {
			d = r.policy.MaxDelay
		}
	}
	return d
}

// Typed runs fn under the retryer and returns its value without the
// caller needing a closure-captured variable.
func Typed[T any](r *Retryer, ctx context.Context, fn func() (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
