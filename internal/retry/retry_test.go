package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient failure")

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, Options{MaxRetries: 3, Delay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errTransient
	}, Options{MaxRetries: 2, Delay: time.Millisecond})

	assert.ErrorIs(t, err, errTransient)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return permanent
	}, Options{
		MaxRetries: 5,
		Delay:      time.Millisecond,
		Retryable:  func(err error) bool { return !errors.Is(err, permanent) },
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoReportsRetries(t *testing.T) {
	var attempts []int
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errTransient
	}, Options{
		MaxRetries: 2,
		Delay:      time.Millisecond,
		OnRetry: func(attempt int, err error) {
			assert.ErrorIs(t, err, errTransient)
			attempts = append(attempts, attempt)
		},
	})

	assert.Error(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	start := time.Now()
	err := Do(ctx, func() error {
		calls++
		cancel()
		return errTransient
	}, Options{MaxRetries: 10, Delay: time.Minute})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	// The minute-long backoff must not be waited out.
	assert.Less(t, time.Since(start), 5*time.Second)
}
