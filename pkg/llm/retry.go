package llm

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// RetryPolicy decides how often and how long to wait before repeating a failed
// embedding call.
type RetryPolicy struct {
	// MaxAttempts counts the first call, so 3 means at most two retries.
	MaxAttempts int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps every wait, including server Retry-After hints.
	// Zero means DefaultMaxDelay.
	MaxDelay time.Duration
	// Backoff maps an attempt number (1-based) to the wait after it.
	Backoff func(base time.Duration, attempt int) time.Duration
	// Retryable filters which errors are worth another attempt.
	Retryable func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultRetryDelay,
		MaxDelay:    DefaultMaxDelay,
		Backoff:     ExponentialBackoff,
		Retryable:   IsRetryable,
	}
}

// ExponentialBackoff returns base * 2^(attempt-1).
func ExponentialBackoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Do runs operation until it succeeds, returns a non-retryable error, or the
// attempts run out. The error from the last attempt is returned.
func (p RetryPolicy) Do(ctx context.Context, operation func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = ExponentialBackoff
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation(ctx)
		if lastErr == nil {
			if attempt > 1 {
				slog.Debug("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if !retryable(lastErr) || attempt == p.MaxAttempts {
			break
		}

		delay := backoff(p.BaseDelay, attempt)
		if hint := retryAfter(lastErr); hint > delay {
			delay = hint
		}
		if delay > maxDelay {
			delay = maxDelay
		}
		slog.Debug("operation failed, will retry",
			"attempt", attempt, "maxAttempts", p.MaxAttempts, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
