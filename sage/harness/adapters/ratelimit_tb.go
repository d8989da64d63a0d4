package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
)

// TokenBucket limits exchange calls per key: capacity tokens, one more every refillRate.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int
	refillRate time.Duration
	now        func() time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = time.Second
	}
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// Acquire takes a token for key, waiting for a refill when the bucket is empty. It returns
// ErrRateLimitExceeded when ctx ends first. Tokens are consumed, so release is a no-op.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	for {
		wait := tb.take(key)
		if wait == 0 {
			return func() {}, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &RateLimitError{Message: "rate limit exceeded: " + ctx.Err().Error()}
		case <-timer.C:
		}
	}
}

// take consumes a token and returns 0, or returns how long until the next refill.
func (tb *TokenBucket) take(key string) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill)
	if refills := int(elapsed / tb.refillRate); refills > 0 {
		b.tokens = min(b.tokens+refills, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(refills) * tb.refillRate)
	}

	if b.tokens > 0 {
		b.tokens--
		return 0
	}
	return tb.refillRate - now.Sub(b.lastRefill)
}

// ErrRateLimitExceeded is returned when the rate limit is exceeded.
var ErrRateLimitExceeded = &RateLimitError{Message: "rate limit exceeded"}

type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// Is matches any RateLimitError against ErrRateLimitExceeded.
func (e *RateLimitError) Is(target error) bool {
	_, ok := target.(*RateLimitError)
	return ok
}

// Ensure TokenBucket implements the RateLimiter interface.
var _ ports.RateLimiter = (*TokenBucket)(nil)
