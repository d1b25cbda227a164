package worker

import (
	"math"
	"time"
)

// RetryPolicy defines exponential backoff parameters. The pool uses it
// to back off its poll loop while the queue stays empty, so an idle
// process does not hammer the database.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy matches the worker poll cadence: quick first
// retry, capped exponential growth.
func DefaultRetryPolicy(pollInterval time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries:    5,
		InitialDelay:  pollInterval,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}
