package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func rateLimitedRequest(e *echo.Echo, h echo.HandlerFunc, ip string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	req.RemoteAddr = ip + ":4000"
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 3; i++ {
		rec, err := rateLimitedRequest(e, h, "10.0.0.1")
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "1" {
			t.Errorf("request %d: expected X-RateLimit-Limit 1, got %q", i+1, rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec, err := rateLimitedRequest(e, h, "10.0.0.1")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if _, err := rateLimitedRequest(e, h, "10.0.0.1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := rateLimitedRequest(e, h, "10.0.0.2"); err != nil {
		t.Errorf("expected a separate bucket for another client, got %v", err)
	}
}

func TestRateLimit_DisabledWhenZero(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	for i := 0; i < 100; i++ {
		if _, err := rateLimitedRequest(e, h, "10.0.0.1"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}
}

func TestLimiterStore_EvictsIdleClients(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	store.get("a")
	now = now.Add(2 * time.Minute)
	store.get("b")

	if _, ok := store.clients["a"]; ok {
		t.Error("expected idle client to be evicted")
	}
	if _, ok := store.clients["b"]; !ok {
		t.Error("expected active client to be kept")
	}
}
