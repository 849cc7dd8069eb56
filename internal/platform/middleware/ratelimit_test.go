package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/auth"
)

func doLimited(mw echo.MiddlewareFunc, caller int64, ip string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":1234"
	if caller > 0 {
		req = req.WithContext(auth.WithCaller(req.Context(), caller, nil))
	}
	rec := httptest.NewRecorder()
	return rec, mw(okHandler)(e.NewContext(req, rec))
}

func TestRateLimit_WithinBurst(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if _, err := doLimited(mw, 1, "10.0.0.1"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})
	doLimited(mw, 1, "10.0.0.1")
	doLimited(mw, 1, "10.0.0.1")

	rec, err := doLimited(mw, 1, "10.0.0.1")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected X-RateLimit-Remaining: 0")
	}
}

func TestRateLimit_KeysByCallerThenIP(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if _, err := doLimited(mw, 1, "10.0.0.1"); err != nil {
		t.Fatalf("caller 1: %v", err)
	}
	// Same IP, different caller: separate bucket.
	if _, err := doLimited(mw, 2, "10.0.0.1"); err != nil {
		t.Fatalf("caller 2: %v", err)
	}
	// Unauthenticated requests share a bucket per IP.
	if _, err := doLimited(mw, 0, "10.0.0.9"); err != nil {
		t.Fatalf("anonymous: %v", err)
	}
	if _, err := doLimited(mw, 0, "10.0.0.9"); err == nil {
		t.Fatal("expected second anonymous request from the same IP to be limited")
	}
}

func TestLimiterStore_EvictsIdle(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	store.get("a")
	store.get("b")
	if store.size() != 2 {
		t.Fatalf("expected 2 limiters, got %d", store.size())
	}

	now = now.Add(2 * time.Minute)
	store.get("c")
	if store.size() != 1 {
		t.Errorf("expected idle limiters to be evicted, got %d", store.size())
	}
}
