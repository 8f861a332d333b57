package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ruleengine/internal/platform/auth"
)

func limited(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func callAs(h echo.HandlerFunc, tenant, user string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dispatch", nil)
	if user != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), user, nil))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if tenant != "" {
		c.Set("tenant_id", tenant)
	}
	return rec, h(c)
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	h := limited(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})
	for i := 0; i < 5; i++ {
		rec, err := callAs(h, "acme", "u1")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit 10, got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	h := limited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})
	for i := 0; i < 2; i++ {
		if _, err := callAs(h, "acme", "u1"); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec, err := callAs(h, "acme", "u1")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	retry, perr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if perr != nil || retry < 1 {
		t.Errorf("expected Retry-After >= 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_PerCallerIsolation(t *testing.T) {
	h := limited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if _, err := callAs(h, "acme", "u1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := callAs(h, "acme", "u1"); err == nil {
		t.Fatal("second request from same caller should be limited")
	}
	if _, err := callAs(h, "acme", "u2"); err != nil {
		t.Errorf("other user in same tenant should pass: %v", err)
	}
	if _, err := callAs(h, "globex", "u1"); err != nil {
		t.Errorf("same user id in other tenant should pass: %v", err)
	}
}

func TestRateLimit_InvalidConfigFallsBackToDefault(t *testing.T) {
	rec, err := callAs(limited(RateLimitConfig{}), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "50" {
		t.Errorf("expected default limit 50, got %q", got)
	}
}

func TestCallerKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("jwt_tenant_id", "acme")

	if got := CallerKey(c); got != "acme:10.0.0.7" {
		t.Errorf("anonymous key = %q", got)
	}

	c.SetRequest(req.WithContext(auth.WithIdentity(req.Context(), "u1", nil)))
	c.Set("tenant_id", "acme-prod")
	if got := CallerKey(c); got != "acme-prod:u1" {
		t.Errorf("authenticated key = %q", got)
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	now := time.Now()
	b := newTokenBucket(2, 1, now)

	if ok, _ := b.take(now); !ok {
		t.Fatal("first take should succeed")
	}
	ok, retry := b.take(now)
	if ok || retry != 1 {
		t.Fatalf("expected refusal with retry 1, got ok=%v retry=%d", ok, retry)
	}
	if ok, _ := b.take(now.Add(600 * time.Millisecond)); !ok {
		t.Error("bucket should have refilled after 600ms at 2/s")
	}
}

func TestTokenBucket_ZeroRate(t *testing.T) {
	now := time.Now()
	b := newTokenBucket(0, 1, now)
	b.take(now)
	if _, retry := b.take(now); retry != 1 {
		t.Errorf("expected retry 1 for zero rate, got %d", retry)
	}
}

func TestRateLimiterStore_EvictsIdleBuckets(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	start := time.Now()

	b1 := store.bucket("a", start)
	if store.bucket("a", start) != b1 {
		t.Error("expected same bucket for same key")
	}
	store.bucket("b", start.Add(30*time.Second))
	if store.size() != 2 {
		t.Fatalf("expected 2 buckets, got %d", store.size())
	}

	store.bucket("c", start.Add(2*time.Minute))
	if store.size() != 1 {
		t.Errorf("expected idle buckets to be swept, got %d", store.size())
	}
}
