package server

import (
	"net"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	limiterTTL     = 10 * time.Minute
	limiterCleanup = time.Minute
)

// authLimiter is a token bucket per remote IP for authentication attempts.
// Buckets of addresses that stopped connecting expire.
type authLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *cache.Cache
}

func newAuthLimiter(perSecond float64, burst int) *authLimiter {
	return &authLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: cache.New(limiterTTL, limiterCleanup),
	}
}

// Allow takes a token from the bucket of addr's IP.
func (l *authLimiter) Allow(addr net.Addr) bool {
	key := hostOf(addr)
	if v, ok := l.buckets.Get(key); ok {
		lim := v.(*rate.Limiter)
		l.buckets.SetDefault(key, lim)
		return lim.Allow()
	}

	lim := rate.NewLimiter(l.limit, l.burst)
	if err := l.buckets.Add(key, lim, cache.DefaultExpiration); err != nil {
		// another attempt from the same IP created the bucket first
		if v, ok := l.buckets.Get(key); ok {
			lim = v.(*rate.Limiter)
		}
	}
	return lim.Allow()
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
