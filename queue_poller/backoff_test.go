package queue_poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingBackoff(initial, max time.Duration) (*Backoff, *[]time.Duration) {
	var sleeps []time.Duration
	b := NewBackoff(initial, max)
	b.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return b, &sleeps
}

func TestBackoff_DoublesThenResets(t *testing.T) {
	b, sleeps := recordingBackoff(time.Second, 60*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Wait(ctx))
	}
	b.Reset()
	require.NoError(t, b.Wait(ctx))

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, time.Second}, *sleeps)
}

func TestBackoff_HoldsAtMax(t *testing.T) {
	b, sleeps := recordingBackoff(time.Second, 60*time.Second)
	for i := 0; i < 9; i++ {
		require.NoError(t, b.Wait(context.Background()))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
	}, *sleeps)
}

func TestBackoff_WaitIsCancellable(t *testing.T) {
	b := NewBackoff(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.ErrorIs(t, b.Wait(ctx), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewBackoff_Defaults(t *testing.T) {
	b := NewBackoff(0, 0)
	assert.Equal(t, time.Second, b.Next())
}
