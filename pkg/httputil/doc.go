// Package httputil provides retry infrastructure for the OSF API client.
//
// # Retry
//
// [Retry] re-runs an operation that failed with a [RetryableError], doubling
// the delay after each attempt up to [Policy.MaxDelay]. Errors not marked
// retryable (authorization failures, 404s, decode errors) are returned
// immediately.
//
// A retryable error may carry a server hint (the Retry-After header of a 429
// response). When the hint is longer than the current backoff delay, the hint
// wins, still capped by MaxDelay.
//
//	err := httputil.Retry(ctx, httputil.DefaultPolicy(), func() error {
//	    resp, err := client.Do(req)
//	    if err != nil {
//	        return &httputil.RetryableError{Err: err}
//	    }
//	    ...
//	})
//
// # Configuration
//
// [DefaultPolicy] allows 5 attempts starting at 1 second. Tests use a policy
// with millisecond delays so that retry paths run quickly.
package httputil
