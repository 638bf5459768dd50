package adapters

import (
	"context"
	"fmt"
	"sync"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"golang.org/x/time/rate"
)

// KeyedLimiter throttles calls per key with one token bucket each. Acquire
// waits for a token instead of failing.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewKeyedLimiter allows perSec sustained calls per key with the given burst.
func NewKeyedLimiter(perSec float64, burst int) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSec)
	if perSec <= 0 {
		limit = rate.Inf
	}
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *KeyedLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// Acquire blocks until key has a token or ctx ends. Tokens refill over time,
// so release is a no-op.
func (l *KeyedLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	if err := l.limiter(key).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter %q: %w", key, err)
	}
	return func() {}, nil
}

var _ ports.RateLimiter = (*KeyedLimiter)(nil)
