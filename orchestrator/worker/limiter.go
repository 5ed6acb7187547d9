package worker

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// PlatformLimiter holds one token bucket per platform so a pool of loops
// cannot hammer a single site. A zero rate disables limiting entirely.
type PlatformLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewPlatformLimiter builds a limiter with r tokens per second and burst b
// for every platform key.
func NewPlatformLimiter(r float64, b int) *PlatformLimiter {
	return &PlatformLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *PlatformLimiter) limiterFor(platform string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[platform]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[platform] = lim
	}
	return lim
}

// Wait blocks until the platform's bucket yields a token or ctx is done.
func (l *PlatformLimiter) Wait(ctx context.Context, platform string) error {
	if l == nil || l.r <= 0 {
		return nil
	}
	return l.limiterFor(platform).Wait(ctx)
}

// Allow reports whether a token is available right now without consuming
// the caller's patience.
func (l *PlatformLimiter) Allow(platform string) bool {
	if l == nil || l.r <= 0 {
		return true
	}
	return l.limiterFor(platform).Allow()
}
