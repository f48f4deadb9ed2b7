package adapters

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// InflightLimiter caps concurrent reasoning calls. Callers over the cap queue for at most wait.
type InflightLimiter struct {
	sem  *semaphore.Weighted
	wait time.Duration
}

// NewInflightLimiter creates a limiter admitting max concurrent holders.
func NewInflightLimiter(max int, wait time.Duration) *InflightLimiter {
	if max < 1 {
		max = 1
	}
	return &InflightLimiter{sem: semaphore.NewWeighted(int64(max)), wait: wait}
}

// Acquire takes a slot or fails with a RateLimitError carrying a retry-after hint.
func (l *InflightLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	if !l.sem.TryAcquire(1) {
		waitCtx, cancel := context.WithTimeout(ctx, l.wait)
		defer cancel()
		if err := l.sem.Acquire(waitCtx, 1); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &ports.RateLimitError{
				Message:    "too many in-flight reasoning calls",
				RetryAfter: l.wait,
			}
		}
	}

	var once sync.Once
	return func() { once.Do(func() { l.sem.Release(1) }) }, nil
}

// ChainLimiter acquires each limiter in order and releases them in reverse.
type ChainLimiter []ports.RateLimiter

func (c ChainLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, l := range c {
		r, err := l.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, r)
	}
	return releaseAll, nil
}

// NopLimiter admits everything.
type NopLimiter struct{}

func (NopLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

var (
	_ ports.RateLimiter = (*InflightLimiter)(nil)
	_ ports.RateLimiter = ChainLimiter(nil)
	_ ports.RateLimiter = NopLimiter{}
)
