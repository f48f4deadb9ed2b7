package conductorports

import "context"

// RateLimiter gates reasoning calls. release must be called once the call finishes.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
