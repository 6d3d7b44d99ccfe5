package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayDoublesAndCaps(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i), "attempt %d", i)
	}
}

func TestDelayJitterStaysInBand(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: true}
	for range 200 {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	var slept []time.Duration
	sleeper := func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	err := Do(context.Background(), Policy{MaxAttempts: 4, Initial: time.Millisecond, Max: time.Second}, sleeper, func(int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, slept)
}

func TestDoReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 2}, NoSleep, func(attempt int) error {
		calls++
		return errors.New("attempt failed")
	})
	assert.EqualError(t, err, "attempt failed")
	assert.Equal(t, 2, calls)
}

func TestDoStop(t *testing.T) {
	permanent := errors.New("forbidden")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5}, NoSleep, func(int) error {
		calls++
		return Stop(permanent)
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5}, NoSleep, func(int) error {
		calls++
		cancel()
		return errors.New("x")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
