package adapters

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// TokenBucket limits the request rate per key.
type TokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	maxWait time.Duration // longest a caller may wait for a token
}

// NewTokenBucket creates a per-key limiter refilling perSecond tokens up to burst.
func NewTokenBucket(perSecond float64, burst int, maxWait time.Duration) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		maxWait: maxWait,
	}
}

func (tb *TokenBucket) bucket(key string) *rate.Limiter {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	b, ok := tb.buckets[key]
	if !ok {
		b = rate.NewLimiter(tb.limit, tb.burst)
		tb.buckets[key] = b
	}
	return b
}

// Acquire waits for a token up to maxWait; longer waits are rejected with a retry-after hint.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	r := tb.bucket(key).Reserve()
	if !r.OK() {
		return nil, &ports.RateLimitError{Message: "rate limit exceeded"}
	}

	delay := r.Delay()
	if delay > tb.maxWait {
		r.Cancel()
		return nil, &ports.RateLimitError{Message: "rate limit exceeded", RetryAfter: delay}
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			r.Cancel()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {}, nil
}

// Ensure TokenBucket implements the RateLimiter interface.
var _ ports.RateLimiter = (*TokenBucket)(nil)
