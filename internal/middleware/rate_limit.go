package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

type ipAttempt struct {
	count      int
	windowEnds time.Time
}

type IPRateLimiter struct {
	inner *ipRateLimiter
}

type ipRateLimiter struct {
	mu         sync.Mutex
	limit      int
	window     time.Duration
	maxEntries int
	attempt    map[string]ipAttempt
}

func NewIPRateLimiter(limit int, window time.Duration) *IPRateLimiter {
	return NewIPRateLimiterWithMaxEntries(limit, window, 10000)
}

// NewIPRateLimiterWithMaxEntries caps the tracked-IP map so a scan across
// many source addresses cannot grow it without bound.
func NewIPRateLimiterWithMaxEntries(limit int, window time.Duration, maxEntries int) *IPRateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &IPRateLimiter{inner: &ipRateLimiter{
		limit:      limit,
		window:     window,
		maxEntries: maxEntries,
		attempt:    map[string]ipAttempt{},
	}}
}

func (rl *IPRateLimiter) Middleware(message string) func(http.Handler) http.Handler {
	if message == "" {
		message = "Rate limit exceeded"
	}
	return func(next http.Handler) http.Handler {
		return rl.inner.middleware(message, next)
	}
}

func (rl *ipRateLimiter) middleware(message string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r.RemoteAddr)
		if ip == "" {
			ip = "unknown"
		}

		now := time.Now()
		rl.mu.Lock()
		if len(rl.attempt) >= rl.maxEntries {
			rl.evictExpired(now)
		}
		entry := rl.attempt[ip]
		if entry.windowEnds.Before(now) {
			entry = ipAttempt{count: 0, windowEnds: now.Add(rl.window)}
		}
		entry.count++
		rl.attempt[ip] = entry
		rl.mu.Unlock()

		if entry.count > rl.limit {
			writeError(w, r, http.StatusTooManyRequests, "rate_limited", message, nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// evictExpired runs under rl.mu. If every window is still live the whole map
// is dropped rather than letting it exceed maxEntries.
func (rl *ipRateLimiter) evictExpired(now time.Time) {
	for ip, entry := range rl.attempt {
		if entry.windowEnds.Before(now) {
			delete(rl.attempt, ip)
		}
	}
	if len(rl.attempt) >= rl.maxEntries {
		rl.attempt = map[string]ipAttempt{}
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
