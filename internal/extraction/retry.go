package extraction

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Policy bounds how many times a call is made and how long to wait
// between calls.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Retryable   func(err error) bool
	Sleep       func(ctx context.Context, d time.Duration) error
}

// ExponentialBackoff doubles base each attempt, capped at maxDelay. Jitter adds
// up to the given fraction of the delay.
func ExponentialBackoff(base, maxDelay time.Duration, jitter float64) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt && d < maxDelay; i++ {
			d *= 2
		}
		if d > maxDelay {
			d = maxDelay
		}
		if jitter > 0 {
			d += time.Duration(rand.Float64() * jitter * float64(d))
		}
		return d
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts are used up, or ctx is cancelled. It returns the number of
// calls made and the last error, joined with ctx's error when the wait
// before a retry was cut short.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if p.Retryable == nil || !p.Retryable(lastErr) || attempt == maxAttempts {
			return attempt, lastErr
		}

		var backoff time.Duration
		if p.Backoff != nil {
			backoff = p.Backoff(attempt)
		}
		slog.Warn("Extraction call failed, will retry.",
			"attempt", attempt,
			"maxAttempts", maxAttempts,
			"backoff", backoff.String(),
			"error", lastErr,
		)
		if err := sleep(ctx, backoff); err != nil {
			return attempt, errors.Join(err, lastErr)
		}
	}
	return maxAttempts, lastErr
}
