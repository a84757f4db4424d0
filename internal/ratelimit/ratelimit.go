// Package ratelimit throttles inbound requests per source IP with a token
// bucket, so a single misbehaving client can't starve the key pool for
// everyone else sharing the proxy.
package ratelimit

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/stranmor/keyrelay/internal/apperrors"
	"github.com/stranmor/keyrelay/internal/config"
)

// Limiter holds one token bucket per source IP, created lazily.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	perMin   uint32
	burst    uint32
}

// New builds a Limiter from the configured rate. A nil cfg or a zero
// requests-per-minute disables throttling entirely (Allow always true).
func New(cfg *config.RateLimitConfig) *Limiter {
	l := &Limiter{buckets: make(map[string]*rate.Limiter)}
	if cfg != nil {
		l.perMin = cfg.RequestsPerMinute
		l.burst = cfg.BurstSize
	}
	return l
}

func (l *Limiter) enabled() bool {
	return l.perMin > 0
}

func (l *Limiter) bucketFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[ip]; ok {
		return b
	}
	burst := int(l.burst)
	if burst <= 0 {
		burst = 1
	}
	b := rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), burst)
	l.buckets[ip] = b
	return b
}

// Allow reports whether a request from ip may proceed, consuming one token
// if so.
func (l *Limiter) Allow(ip string) bool {
	if !l.enabled() {
		return true
	}
	return l.bucketFor(ip).Allow()
}

// Middleware rejects requests over the configured rate with a
// RateLimitExceeded Problem-Details response, identifying clients by
// RemoteAddr's host portion.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.Allow(ip) {
			apperrors.WriteJSON(w, r.URL.Path, apperrors.Newf(apperrors.RateLimitExceeded, "client %s exceeded the configured request rate", ip))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
