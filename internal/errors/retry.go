package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of retry attempts after the initial attempt.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier grows the delay after each retry.
	Multiplier float64

	// Jitter randomizes the delay to avoid thundering herds.
	Jitter bool

	// OnlyRetryable limits retries to errors marked retryable.
	OnlyRetryable bool
}

// DefaultRetryConfig returns the default backoff configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     16 * time.Second,
		Multiplier:   2.0,
	}
}

// Retry executes fn with exponential backoff.
// Returns the last error after MaxRetries failed attempts, or the context
// error if the context is cancelled while waiting.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return Wrap(KindCancelled, "retry aborted", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.OnlyRetryable && !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		wait := delay
		if cfg.Jitter {
			wait = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
		}

		select {
		case <-ctx.Done():
			return Wrap(KindCancelled, "retry aborted", ctx.Err())
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	final := Newf(KindOf(lastErr), "failed after %d retries: %v", cfg.MaxRetries, lastErr)
	final.Cause = lastErr
	return final
}
