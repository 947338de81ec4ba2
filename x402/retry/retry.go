// Package retry runs an operation again with exponential backoff when it
// fails with a retryable error.
package retry

import (
	"context"
	"time"
)

// Config controls the backoff schedule.
type Config struct {
	// MaxAttempts is the total number of calls, including the first. Values
	// below 1 are treated as 1.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the wait between attempts. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier grows the delay after each attempt. Values below 1 keep it constant.
	Multiplier float64
}

// DefaultConfig makes three attempts starting 100ms apart.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2.0,
}

// WithRetry calls fn until it succeeds, returns an error isRetryable rejects,
// the attempts run out or ctx is done. The last error is returned.
func WithRetry[T any](ctx context.Context, cfg Config, isRetryable func(error) bool, fn func() (T, error)) (T, error) {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.InitialDelay

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts || isRetryable == nil || !isRetryable(err) {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}

		delay = next(delay, cfg)
	}
	return zero, lastErr
}

// Do is WithRetry for operations without a result.
func Do(ctx context.Context, cfg Config, isRetryable func(error) bool, fn func() error) error {
	_, err := WithRetry(ctx, cfg, isRetryable, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func next(delay time.Duration, cfg Config) time.Duration {
	if cfg.Multiplier > 1 {
		delay = time.Duration(float64(delay) * cfg.Multiplier)
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
