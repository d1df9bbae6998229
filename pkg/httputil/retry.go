package httputil

import (
	"context"
	"errors"
	"time"
)

// RetryableError wraps an error to indicate it should trigger a retry.
// Wrap transient failures (network timeouts, 5xx and 429 responses) with this
// type so that [Retry] knows to attempt the operation again.
type RetryableError struct {
	Err error
	// After is an optional server-provided wait before the next attempt.
	After time.Duration
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Policy bounds how often and how slowly [Retry] re-runs an operation.
type Policy struct {
	Attempts  int           // Total attempts including the first; values < 1 mean 1
	BaseDelay time.Duration // Delay after the first failure
	MaxDelay  time.Duration // Upper bound for any single wait; 0 means no bound
}

// DefaultPolicy returns 5 attempts with a 1s base delay capped at 30s.
func DefaultPolicy() Policy {
	return Policy{Attempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Retry executes fn up to p.Attempts times with exponential backoff.
// It only retries errors wrapped with [RetryableError]; other errors are
// returned immediately. Returns the last error if all attempts fail, or
// ctx.Err() if cancelled while waiting.
func Retry(ctx context.Context, p Policy, fn func() error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay
	var lastErr error

	for i := range attempts {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		var re *RetryableError
		if !errors.As(err, &re) {
			return err
		}

		if i < attempts-1 {
			wait := max(delay, re.After)
			if p.MaxDelay > 0 {
				wait = min(wait, p.MaxDelay)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				delay *= 2
			}
		}
	}
	return lastErr
}

// IsRetryable reports whether err is marked for retry.
func IsRetryable(err error) bool {
	return errors.As(err, new(*RetryableError))
}
