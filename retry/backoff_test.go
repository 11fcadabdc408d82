package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/types"
)

func fastPolicy(attempts int) *Policy {
	return &Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func TestDo_FirstAttemptSucceeds(t *testing.T) {
	t.Parallel()

	r := New(fastPolicy(3), zap.NewNop())
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_TransientThenSuccess(t *testing.T) {
	t.Parallel()

	r := New(fastPolicy(3), zap.NewNop())
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return types.NewError(types.ErrProviderError, "503").WithHTTPStatus(503)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_Exhaustion(t *testing.T) {
	t.Parallel()

	r := New(fastPolicy(3), zap.NewNop())
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrProviderError, "always 503").WithHTTPStatus(503)
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, types.ErrProviderError, types.KindOf(err))
}

func TestDo_NonRetryableShortCircuit(t *testing.T) {
	t.Parallel()

	r := New(fastPolicy(3), zap.NewNop())
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrAuthenticationFailed, "401").WithHTTPStatus(401)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, types.ErrAuthenticationFailed, types.KindOf(err))
}

func TestDo_UnclassifiedErrorNotRetried(t *testing.T) {
	t.Parallel()

	r := New(fastPolicy(5), zap.NewNop())
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("mystery failure")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "unknown conditions fail closed")
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	r := New(&Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	calls := 0
	err := r.Do(ctx, func() error {
		calls++
		return types.NewError(types.ErrProviderUnavailable, "refused")
	})
	assert.Error(t, err)
	assert.Equal(t, types.ErrTaskCancelled, types.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestDelayFor_ExponentialSchedule(t *testing.T) {
	t.Parallel()

	r := New(&Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}, zap.NewNop())

	cases := []struct {
		n    int
		want time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second}, // capped
	}
	for _, c := range cases {
		assert.Equal(t, c.want, r.delayFor(c.n, nil), "n=%d", c.n)
	}
}

func TestDelayFor_JitterStaysWithinSpread(t *testing.T) {
	t.Parallel()

	r := New(&Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}, zap.NewNop())

	for i := 0; i < 200; i++ {
		d := r.delayFor(1, nil)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestDelayFor_RetryAfterHintWins(t *testing.T) {
	t.Parallel()

	r := New(&Policy{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}, zap.NewNop())

	hinted := types.NewError(types.ErrRateLimited, "429").WithRetryAfter(2 * time.Second)
	assert.Equal(t, 2*time.Second, r.delayFor(1, hinted))

	// Hint beyond the cap is clipped.
	big := types.NewError(types.ErrRateLimited, "429").WithRetryAfter(time.Minute)
	assert.Equal(t, 5*time.Second, r.delayFor(1, big))

	// A shorter hint never shrinks the computed schedule.
	small := types.NewError(types.ErrRateLimited, "429").WithRetryAfter(time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, r.delayFor(1, small))
}

func TestDo_OnRetryCallback(t *testing.T) {
	t.Parallel()

	var seen []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		seen = append(seen, attempt)
		assert.Equal(t, types.ErrProviderError, types.KindOf(err))
	}
	r := New(p, zap.NewNop())

	calls := 0
	_ = r.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrProviderError, "boom")
	})
	assert.Equal(t, []int{2, 3}, seen)
}

func TestTyped(t *testing.T) {
	t.Parallel()

	r := New(fastPolicy(3), zap.NewNop())

	calls := 0
	v, err := Typed(r, context.Background(), func() (string, error) {
		calls++
		if calls < 2 {
			return "", types.NewError(types.ErrProviderTimeout, "slow")
		}
		return "done", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 2, calls)

	_, err = Typed(r, context.Background(), func() (int, error) {
		return 0, types.NewError(types.ErrQuotaExceeded, "no credit")
	})
	assert.Equal(t, types.ErrQuotaExceeded, types.KindOf(err))
}
