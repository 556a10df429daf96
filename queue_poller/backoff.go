package queue_poller

import (
	"context"
	"time"

	"github.com/turbot/tailpipe-s3-sqs-ingest/constants"
)

// Backoff is an exponential delay between retries of failed queue calls
// the delay starts at the initial value and doubles after each wait, up to the max
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = constants.DefaultBackoffInitial
	}
	if max < initial {
		max = initial
	}
	return &Backoff{
		initial: initial,
		max:     max,
		current: initial,
		sleep:   sleepContext,
	}
}

// Next returns the delay of the next Wait
func (b *Backoff) Next() time.Duration {
	return b.current
}

// Wait sleeps for the current delay then increases it
// it returns early with the cancellation cause if the context is cancelled
func (b *Backoff) Wait(ctx context.Context) error {
	d := b.current
	b.current = min(2*b.current, b.max)
	return b.sleep(ctx, d)
}

func (b *Backoff) Reset() {
	b.current = b.initial
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
