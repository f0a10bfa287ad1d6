// Package retry implements bounded retry with capped exponential backoff.
// The delay schedule is a pure function of the attempt number; no timer
// state is shared across calls.
package retry

import (
	"context"
	"math"
	"time"
)

// Config bounds a retry loop.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Multiplier scales the delay between consecutive attempts.
	Multiplier float64
}

// Default is the settlement retry schedule: three attempts with delays of
// 150ms and 300ms, capped at one second.
var Default = Config{
	MaxAttempts:  3,
	InitialDelay: 150 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2.0,
}

// withDefaults fills zero fields from Default so a zero Config behaves
// sanely.
func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = Default.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = Default.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = Default.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = Default.Multiplier
	}
	return c
}

// Delay returns the pause taken before the given attempt (1-based). The
// first attempt has no delay; attempt k waits
// min(InitialDelay * Multiplier^(k-2), MaxDelay).
func (c Config) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt <= 1 {
		return 0
	}
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-2)))
	if d > c.MaxDelay || d <= 0 {
		return c.MaxDelay
	}
	return d
}

// Do runs fn up to cfg.MaxAttempts times, sleeping cfg.Delay between
// attempts. A nil shouldRetry retries every error. The context cancels the
// inter-attempt sleep; the last error is returned once attempts are
// exhausted.
func Do[T any](ctx context.Context, cfg Config, shouldRetry func(error) bool, fn func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if delay := cfg.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if shouldRetry != nil && !shouldRetry(err) {
			break
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}
