package httputil

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Retry runs an operation with exponential back-off.
type Retry struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Do executes fn until it succeeds, the attempts run out, or ctx is done.
// Client errors (4xx other than 429) are not retried.
func (r Retry) Do(ctx context.Context, operation string, fn func() error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := r.BaseDelay
	tried := 0

	for attempt := 1; attempt <= attempts; attempt++ {
		tried = attempt
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == attempts {
			break
		}

		log.Printf("Warning: %s failed (attempt %d/%d): %v, retrying in %v",
			operation, attempt, attempts, lastErr, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	if tried == 1 {
		return lastErr
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, tried, lastErr)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}
	return true
}
