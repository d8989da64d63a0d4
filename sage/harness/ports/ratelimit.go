package harnessports

import "context"

// RateLimiter throttles calls to the exchange service.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
