package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/errs"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:       maxAttempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		RetryableKinds:    []errs.Kind{errs.KindTransient},
	}
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), "op", fastPolicy(3), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteRetriesTransientUpToBudget(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), "op", fastPolicy(3), func(ctx context.Context) error {
		calls++
		return errs.New(errs.KindTransient, "op", "flaky")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "must attempt exactly maxAttempts times")
	assert.Equal(t, errs.KindTransient, errs.KindOf(err))
}

func TestExecuteEventualSuccess(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), "op", fastPolicy(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.New(errs.KindTransient, "op", "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteDoesNotRetryNonRetryable(t *testing.T) {
	for _, kind := range []errs.Kind{errs.KindInvalidInput, errs.KindAuthFailure, errs.KindValidationFailure} {
		calls := 0
		err := Execute(context.Background(), "op", fastPolicy(5), func(ctx context.Context) error {
			calls++
			return errs.New(kind, "op", "nope")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls, "kind %s must not be retried", kind)
	}
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Execute(ctx, "op", fastPolicy(3), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.Equal(t, errs.KindCancelled, errs.KindOf(err))
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	policy := Policy{
		MaxAttempts:       3,
		InitialDelay:      5 * time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 1.0,
		RetryableKinds:    []errs.Kind{errs.KindTransient},
	}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Execute(ctx, "op", policy, func(ctx context.Context) error {
			calls++
			return errs.New(errs.KindTransient, "op", "flaky")
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, errs.KindCancelled, errs.KindOf(err))
		assert.Equal(t, 1, calls, "cancellation during sleep must stop further attempts")
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not observe cancellation during backoff")
	}
}

func TestDelayGrowthAndCap(t *testing.T) {
	policy := Policy{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          400 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	assert.Equal(t, 100*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 200*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(3))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(10), "delay must cap at MaxDelay")
}

func TestJitterStaysWithinFraction(t *testing.T) {
	policy := Policy{JitterFraction: 0.2}
	base := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := policy.jittered(base)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}
