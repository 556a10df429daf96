package rate_limiter

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type APILimiter struct {
	Name string

	// underlying rate limiter
	limiter *rate.Limiter
	// semaphore to control concurrency
	sem            *semaphore.Weighted
	maxConcurrency int64
}

// NewAPILimiter returns a limiter for the definition; a nil definition gives a limiter which never blocks
func NewAPILimiter(d *Definition) *APILimiter {
	if d == nil {
		return &APILimiter{Name: "unlimited"}
	}
	res := &APILimiter{
		Name:           d.Name,
		maxConcurrency: d.MaxConcurrency,
	}
	if d.FillRate > 0 {
		res.limiter = rate.NewLimiter(rate.Limit(d.FillRate), d.BucketSize)
	}
	if d.MaxConcurrency > 0 {
		res.sem = semaphore.NewWeighted(d.MaxConcurrency)
	}
	return res
}

func (l *APILimiter) String() string {
	if l.limiter == nil && l.sem == nil {
		return fmt.Sprintf("%s: unlimited", l.Name)
	}
	res := l.Name + ":"
	if l.limiter != nil {
		res += fmt.Sprintf(" Limit(/s): %v, Burst: %d", l.limiter.Limit(), l.limiter.Burst())
	}
	if l.sem != nil {
		res += fmt.Sprintf(" MaxConcurrency: %d", l.maxConcurrency)
	}
	return res
}

// Acquire blocks until a concurrency slot and a rate token are available
// the returned release func must be called once the limited operation completes
func (l *APILimiter) Acquire(ctx context.Context) (func(), error) {
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			l.release()
			return nil, err
		}
	}
	return l.release, nil
}

func (l *APILimiter) TryToAcquireSemaphore() bool {
	if l.sem == nil {
		return true
	}
	return l.sem.TryAcquire(1)
}

func (l *APILimiter) release() {
	if l.sem == nil {
		return
	}
	l.sem.Release(1)
}
