package orchestrator

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/hochfrequenz/j2pr/internal/jira"
)

// Backoff constants for transient external failures
const (
	retryAttempts  = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// retryTransient runs fn, retrying with exponential backoff while the
// failure is transient (rate limiting, 5xx, network). Auth and other
// permanent failures return immediately.
func retryTransient(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		select {
		case <-time.After(calculateBackoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func isTransient(err error) bool {
	var apiErr *jira.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Temporary() || urlErr.Timeout()
	}
	return false
}
