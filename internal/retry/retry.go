// Package retry executes operations under a bounded exponential-backoff
// policy with jitter and cooperative cancellation.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/errs"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFraction    float64
	RetryableKinds    []errs.Kind
}

// DefaultPolicy matches the adapter reconnect budget: 3 attempts, 500ms
// initial, doubling, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
		RetryableKinds:    []errs.Kind{errs.KindTransient, errs.KindConnectionFailed, errs.KindRateLimited},
	}
}

func (p Policy) retryable(kind errs.Kind) bool {
	switch kind {
	case errs.KindCancelled, errs.KindInvalidInput, errs.KindAuthFailure:
		return false
	}
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Delay computes the backoff before attempt n (1-based: Delay(1) precedes
// the second attempt), before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.JitterFraction <= 0 {
		return d
	}
	span := p.JitterFraction * float64(d)
	return time.Duration(float64(d) - span + rand.Float64()*2*span)
}

// Operation is one attemptable unit of work.
type Operation func(ctx context.Context) error

// Execute runs op under the policy. Cancellation is observed before each
// attempt and during backoff sleeps; a cancelled run yields KindCancelled
// without further attempts.
func Execute(ctx context.Context, operation string, policy Policy, op Operation) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.KindCancelled, operation, err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		kind := errs.KindOf(lastErr)
		if kind == errs.KindCancelled {
			return lastErr
		}
		if !policy.retryable(kind) || attempt == policy.MaxAttempts {
			break
		}

		delay := policy.jittered(policy.Delay(attempt))
		log.Debug().
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(lastErr).
			Msg("retrying after backoff")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.Wrap(errs.KindCancelled, operation, ctx.Err())
		case <-timer.C:
		}
	}
	return lastErr
}
