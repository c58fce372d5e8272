package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("transient")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), isTransient, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), isTransient, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), isTransient, func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
}

func TestDo_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastPolicy(3), isTransient, func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestDo_ReportsExhaustion(t *testing.T) {
	err := Do(context.Background(), fastPolicy(2), isTransient, func() error { return errTransient })

	var exhausted *ExhaustedError
	if assert.ErrorAs(t, err, &exhausted) {
		assert.Equal(t, 2, exhausted.Attempts)
	}
	assert.Contains(t, err.Error(), "gave up after 2 attempts")
}

func TestDoNotify_CallsHookBeforeEachRetry(t *testing.T) {
	var seen []int
	calls := 0
	err := DoNotify(context.Background(), fastPolicy(3), isTransient,
		func(attempt int, err error, wait time.Duration) {
			assert.ErrorIs(t, err, errTransient)
			assert.Positive(t, wait)
			seen = append(seen, attempt)
		},
		func() error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seen)
}
