// Package retry provides an explicit retry budget for network-issuing
// calls: max attempts, an exponential backoff schedule with jitter, and
// an error classifier deciding what is worth retrying. The budget is a
// value threaded through each call site, so retry behavior is testable
// without real network I/O.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	ierr "github.com/mark3labs/taskloop/internal/errors"
	"github.com/mark3labs/taskloop/internal/logger"
)

// Budget defines how many attempts a call gets and how long to wait
// between them.
type Budget struct {
	MaxAttempts   int           // Attempts including the first
	InitialDelay  time.Duration // Delay before the second attempt
	MaxDelay      time.Duration // Cap for the schedule
	BackoffFactor float64       // Exponential multiplier
	Jitter        bool          // Randomize delays by ±10%
}

// DefaultBudget is a small budget suitable for interactive CLI use.
var DefaultBudget = Budget{
	MaxAttempts:   3,
	InitialDelay:  200 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier reports whether an error should be retried.
type Classifier func(error) bool

// Transient is the default classifier: retry transient network errors,
// never context cancellation, auth failures, or not-found.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var authErr *ierr.AuthError
	if errors.As(err, &authErr) {
		return false
	}
	if ierr.IsNotFound(err) {
		return false
	}

	var netErr *ierr.NetworkError
	if errors.As(err, &netErr) {
		// Client errors other than 429 will not improve on retry.
		if netErr.StatusCode >= 400 && netErr.StatusCode < 500 && netErr.StatusCode != 429 {
			return false
		}
		return true
	}
	return false
}

// DelayFor computes the delay before the given attempt (1-based; the
// first attempt has no delay).
func (b Budget) DelayFor(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := time.Duration(float64(b.InitialDelay) * math.Pow(b.BackoffFactor, float64(attempt-2)))
	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	if b.Jitter && delay > 0 {
		jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
		delay += jitter
		if delay < 0 {
			delay = b.InitialDelay
		}
	}
	return delay
}

// Do runs fn under the budget, sleeping the scheduled delay between
// attempts and stopping early when the classifier rejects the error or
// the context is cancelled. Returns the last error when the budget is
// exhausted.
func Do(ctx context.Context, b Budget, classify Classifier, fn func() error) error {
	if classify == nil {
		classify = Transient
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		if delay := b.DelayFor(attempt); delay > 0 {
			logger.Debug("Retry attempt %d/%d after %s", attempt, b.MaxAttempts, delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
