package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		MinDelay:    time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		CallTimeout: 50 * time.Millisecond,
	}
}

func TestRetryPolicy_RetriesTransientErrors(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), "get_clock", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient("get_clock", errors.New("503"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), "submit_order", func(ctx context.Context) error {
		calls++
		return Permanent("submit_order", errors.New("insufficient buying power"))
	})

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy(4).Do(context.Background(), "get_order_status", func(ctx context.Context) error {
		calls++
		return Transient("get_order_status", errors.New("429"))
	})

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 4, calls)
}

func TestRetryPolicy_CallTimeoutIsTransient(t *testing.T) {
	err := fastPolicy(1).Once(context.Background(), "submit_order", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryPolicy_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := fastPolicy(3).Do(ctx, "get_clock", func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify("op", nil))
	assert.True(t, IsTransient(Classify("op", context.DeadlineExceeded)))
	assert.True(t, IsPermanent(Classify("op", errors.New("bad request"))))
	assert.ErrorIs(t, Classify("op", ErrOrderNotFound), ErrOrderNotFound)
	assert.False(t, IsPermanent(Classify("op", ErrOrderNotFound)))

	already := Transient("op", errors.New("x"))
	assert.Same(t, already, Classify("op", already))
}

func TestLimiter_SerializesCalls(t *testing.T) {
	l := NewLimiter(1, 0)

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestLimiter_SpacesCalls(t *testing.T) {
	l := NewLimiter(4, 15*time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := l.Acquire(context.Background())
		require.NoError(t, err)
		release()
	}

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
