// Package retry re-runs an operation while its failure is transient
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy bounds the attempts and the backoff between them
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used when callers have no specific requirements
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// ConflictPolicy is tuned for lost optimistic writes, which resolve quickly
var ConflictPolicy = RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: 5 * time.Millisecond,
	MaxBackoff:     100 * time.Millisecond,
}

// IsTransientFunc reports whether err is worth another attempt
type IsTransientFunc func(error) bool

// NotifyFunc observes every transient failure that will be retried
type NotifyFunc func(attempt int, err error, wait time.Duration)

// ExhaustedError is returned when every attempt failed transiently
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do runs fn until it succeeds or returns a permanent error. When the
// attempts run out the last error is returned inside an ExhaustedError.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	return DoNotify(ctx, policy, isTransient, nil, fn)
}

// DoNotify is Do with a hook called before each backoff sleep
func DoNotify(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, notify NotifyFunc, fn func() error) error {
	attempts := max(policy.MaxAttempts, 1)
	backoff := policy.InitialBackoff

	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
		if attempt >= attempts {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		wait := jitter(backoff)
		if notify != nil {
			notify(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, policy.MaxBackoff)
	}
}

// jitter adds a random share of up to half the backoff
func jitter(backoff time.Duration) time.Duration {
	if backoff <= 1 {
		return backoff
	}
	return backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
}
