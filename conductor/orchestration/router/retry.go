package router

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays with +/-25% jitter.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter returns a value in [0,1); nil uses math/rand.
	Jitter func() float64
}

// Delay returns the wait before retry attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	f := 1.0
	for i := 1; i < attempt; i++ {
		f *= mult
	}

	d := time.Duration(float64(b.Base) * f)
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	r := rand.Float64
	if b.Jitter != nil {
		r = b.Jitter
	}
	jitter := float64(d) * 0.25 * (r()*2 - 1)
	return d + time.Duration(jitter)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
