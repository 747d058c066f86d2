package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type RateLimitConfig struct {
	PerMinute         int
	Burst             int
	TrackPerMinute    int
	TrackBurst        int
	// TrustForwardedFor keys clients by X-Forwarded-For. Enable it only when
	// a proxy that overwrites the header sits in front of the server.
	TrustForwardedFor bool
	Clock             clockwork.Clock
}

// RateLimiter applies a per-IP bucket to every request and a stricter one to
// the tracking endpoints, which visitors poll.
type RateLimiter struct {
	ipLimiter      *tokenLimiter
	trackLimiter   *tokenLimiter
	trustForwarded bool
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		ipLimiter:      newTokenLimiter(clock, cfg.PerMinute, cfg.Burst),
		trackLimiter:   newTokenLimiter(clock, cfg.TrackPerMinute, cfg.TrackBurst),
		trustForwarded: cfg.TrustForwardedFor,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, l.trustForwarded)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		if ip != "" && strings.HasPrefix(r.URL.Path, "/api/track") && !l.trackLimiter.allow(ip) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sweepInterval bounds how often allow scans for idle buckets.
const sweepInterval = time.Minute

type tokenLimiter struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	rate      float64
	burst     float64
	bucket    map[string]*bucket
	lastSweep int64
}

type bucket struct {
	tokens float64
	last   int64
}

func newTokenLimiter(clock clockwork.Clock, perMinute, burst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &tokenLimiter{
		clock:  clock,
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		bucket: make(map[string]*bucket),
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now().UnixNano()
	l.sweep(now)
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := float64(now-b.last) / 1e9
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets idle long enough to have refilled completely. A
// dropped key starts again with a full bucket, so limits are unchanged.
func (l *tokenLimiter) sweep(now int64) {
	if now-l.lastSweep < int64(sweepInterval) {
		return
	}
	l.lastSweep = now
	refill := int64(l.burst / l.rate * float64(time.Second))
	for key, b := range l.bucket {
		if now-b.last >= refill {
			delete(l.bucket, key)
		}
	}
}

func (l *tokenLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bucket)
}

func clientIP(r *http.Request, trustForwarded bool) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); trustForwarded && forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
