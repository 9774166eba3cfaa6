package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenLimiterRefills(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	limiter := newTokenLimiter(60, 2, 60, 20)
	limiter.now = func() time.Time { return now }

	if !limiter.allow("10.0.0.1") || !limiter.allow("10.0.0.1") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if limiter.allow("10.0.0.1") {
		t.Fatal("expected third request to be limited")
	}
	if !limiter.allow("10.0.0.2") {
		t.Fatal("expected a different client to have its own bucket")
	}

	now = now.Add(time.Second)
	if !limiter.allow("10.0.0.1") {
		t.Fatal("expected one token after one second")
	}
}

func TestRateLimiterIssueBucket(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{PerMinute: 600, Burst: 100, IssuePerMinute: 1, IssueBurst: 1})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := limiter.Middleware(next)

	send := func(method, path string) int {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-Forwarded-For", "192.168.0.7, 10.0.0.1")
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp.Code
	}

	if code := send(http.MethodPost, "/api/tickets"); code != http.StatusNoContent {
		t.Fatalf("expected first ticket to pass, got %d", code)
	}
	if code := send(http.MethodPost, "/api/tickets"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second ticket to be limited, got %d", code)
	}
	if code := send(http.MethodGet, "/api/tickets"); code != http.StatusNoContent {
		t.Fatalf("expected listing to use the general bucket, got %d", code)
	}
}

func TestIssueBucketIgnoresRotatedForwardedHeader(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{PerMinute: 600, Burst: 100, IssuePerMinute: 1, IssueBurst: 1})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	codes := make([]int, 0, 3)
	for _, forwarded := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		req := httptest.NewRequest(http.MethodPost, "/api/tickets", nil)
		req.RemoteAddr = "10.1.1.9:40000"
		req.Header.Set("X-Forwarded-For", forwarded)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}

	if codes[0] != http.StatusCreated || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected rotation of X-Forwarded-For to stay limited, got %v", codes)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "172.16.0.3:5555"
	if ip := clientIP(req, true); ip != "172.16.0.3" {
		t.Fatalf("unexpected ip %q", ip)
	}
	req.Header.Set("X-Forwarded-For", "8.8.8.8, 172.16.0.3")
	if ip := clientIP(req, false); ip != "172.16.0.3" {
		t.Fatalf("expected untrusted header to be ignored, got %q", ip)
	}
	if ip := clientIP(req, true); ip != "8.8.8.8" {
		t.Fatalf("unexpected forwarded ip %q", ip)
	}
}
