package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryNSucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := RetryN(context.Background(), 3, ConstantBackoff(time.Millisecond), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryNStopsAtAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	want := errors.New("still failing")
	err := RetryN(context.Background(), 3, ConstantBackoff(time.Millisecond), func() error {
		calls++
		return want
	})
	assert.Equal(t, want, err)
	assert.Equal(t, 3, calls)
}

func TestRetryNSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := RetryN(context.Background(), 5, ConstantBackoff(time.Millisecond), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryNHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryN(ctx, 3, ConstantBackoff(time.Hour), func() error {
		return errors.New("always fails")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
