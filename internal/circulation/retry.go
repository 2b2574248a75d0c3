package circulation

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"locallibrary/internal/apperr"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 10 * time.Millisecond
	jitterFactor       = 0.1
)

type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

// withConflictRetry runs fn until it succeeds, fails with something other
// than a version conflict, or runs out of attempts.
func (p retryPolicy) withConflictRetry(ctx context.Context, onRetry func(attempt int), fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			// baseDelay * 2^(attempt-1) plus jitter
			delay := p.baseDelay * time.Duration(1<<(attempt-1))
			delay += time.Duration(rand.Float64() * float64(delay) * jitterFactor)
			if onRetry != nil {
				onRetry(attempt)
			}

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, apperr.ErrConflict) {
			return lastErr
		}
	}
	return lastErr
}
