// internal/ratelimit/limiter.go
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	urlutil "github.com/law-makers/harvest/internal/utils/url"
)

// HostLimiter caps how often any one host is hit, independent of the
// human-like pauses the Pacer adds on top.
type HostLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	perHost  rate.Limit
	burst    int
}

// NewHostLimiter creates a limiter allowing perMinute actions per host.
// A non-positive perMinute disables limiting.
func NewHostLimiter(perMinute float64, burst int) *HostLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst <= 0 {
		burst = 1
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		perHost:  limit,
		burst:    burst,
	}
}

// Wait blocks until an action against rawURL may proceed.
func (hl *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	if hl == nil || hl.perHost == rate.Inf {
		return nil
	}
	host := urlutil.Host(rawURL)
	if host == "" {
		return nil
	}
	return hl.limiter(host).Wait(ctx)
}

// Allow reports whether an action against rawURL may proceed now.
func (hl *HostLimiter) Allow(rawURL string) bool {
	if hl == nil || hl.perHost == rate.Inf {
		return true
	}
	host := urlutil.Host(rawURL)
	if host == "" {
		return true
	}
	return hl.limiter(host).Allow()
}

func (hl *HostLimiter) limiter(host string) *rate.Limiter {
	hl.mu.RLock()
	l, ok := hl.limiters[host]
	hl.mu.RUnlock()
	if ok {
		return l
	}

	hl.mu.Lock()
	defer hl.mu.Unlock()
	if l, ok := hl.limiters[host]; ok {
		return l
	}
	l = rate.NewLimiter(hl.perHost, hl.burst)
	hl.limiters[host] = l
	return l
}
