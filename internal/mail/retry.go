package mail

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"google.golang.org/api/googleapi"
)

const (
	retryAttempts     = 4
	retryInitialDelay = 500 * time.Millisecond
	retryMaxDelay     = 8 * time.Second
)

// isTransient reports whether the provider error is worth retrying:
// rate limiting, server errors and network failures. Client errors
// (bad request, not found, auth) propagate immediately.
func isTransient(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 429 || gerr.Code >= 500
	}

	var uerr *url.Error
	if errors.As(err, &uerr) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

// withRetry runs fn with exponential backoff on transient errors.
// Retries stay inside the provider call so the job-level retry budget
// is only spent on genuine handler failures.
func withRetry(ctx context.Context, fn func() error) error {
	delay := retryInitialDelay
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return err
}
