package resilience

import (
	"context"
	"time"

	"tradegate/internal/apperr"
)

// RetryConfig bounds the exponential backoff applied to retryable failures.
type RetryConfig struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// Retry runs fn up to the smaller of cfg.MaxAttempts and the classified
// error's per-category budget, doubling the backoff between attempts.
// Non-retryable errors return immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := cfg.Base
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		classified := apperr.Classify(err)
		if !classified.Retryable {
			return err
		}
		if budget := apperr.MaxAttempts(classified.Category); budget < attempts {
			attempts = budget
		}
		if attempt >= attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if cfg.Max > 0 && backoff > cfg.Max {
			backoff = cfg.Max
		}
	}
}
