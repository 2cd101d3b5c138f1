package lambda

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter hands out one token bucket per credential so that every API key
// is held to its own request budget.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a per-credential limiter allowing r requests per
// second with the given burst.
func NewLimiter(r rate.Limit, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// get returns the bucket for a credential, creating one if needed.
func (l *Limiter) get(credential string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[credential]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, ok = l.limiters[credential]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(l.rate, l.burst)
	l.limiters[credential] = limiter
	return limiter
}

// Wait blocks until the credential may issue another request.
func (l *Limiter) Wait(ctx context.Context, credential string) error {
	return l.get(credential).Wait(ctx)
}

// Allow reports whether a request may be issued right now without waiting.
func (l *Limiter) Allow(credential string) bool {
	return l.get(credential).Allow()
}
