package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type RateLimitConfig struct {
	PerMinute      int
	Burst          int
	IssuePerMinute int
	IssueBurst     int
	// TrustForwarded reads the client from X-Forwarded-For instead of the peer address.
	TrustForwarded bool
}

// RateLimiter applies a token bucket per client IP. Ticket issuing draws
// from a second bucket so a kiosk loop cannot flood the queue.
type RateLimiter struct {
	ipLimiter      *tokenLimiter
	issueLimiter   *tokenLimiter
	trustForwarded bool
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:      newTokenLimiter(cfg.PerMinute, cfg.Burst, 60, 20),
		issueLimiter:   newTokenLimiter(cfg.IssuePerMinute, cfg.IssueBurst, 20, 5),
		trustForwarded: cfg.TrustForwarded,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Realtime transports keep long polls open and are not counted.
		if strings.HasPrefix(r.URL.Path, "/realtime/") {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, l.trustForwarded)
		requestID := requestIDFrom(r)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests", SeverityWarning)
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/tickets" && ip != "" && !l.issueLimiter.allow(ip) {
			writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many tickets requested", SeverityWarning)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type tokenLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	bucket map[string]*bucket
	now    func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newTokenLimiter(perMinute, burst, defaultPerMinute, defaultBurst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &tokenLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		bucket: make(map[string]*bucket),
		now:    time.Now,
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// clientIP uses the peer address unless the forwarded header is trusted.
// Without a proxy that overwrites it, any client can rotate X-Forwarded-For.
func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
