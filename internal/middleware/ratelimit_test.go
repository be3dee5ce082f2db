package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

import (
	"github.com/alicebob/miniredis/v2"
)

import (
	"turnstile/internal/config"
	"turnstile/internal/identity"
	"turnstile/internal/limiter"
	"turnstile/internal/policy"
	"turnstile/internal/repo"
)

func newTestHandler(t *testing.T, anonymousCeiling int64) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := &config.Config{}
	cfg.RateLimit.Enabled = true
	cfg.Normalize()
	cfg.Redis.Addr = mr.Addr()
	cfg.RateLimit.Tiers["anonymous"] = anonymousCeiling

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := repo.NewRedis(cfg, logger)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	resolver := identity.NewResolver(cfg.RateLimit.TrustedProxyHeader, "sub", "tier")
	pol := policy.New(cfg.RateLimit, "fail-open", limiter.NewFixedWindow(store), store, resolver, logger)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return RateLimit(pol)(ok)
}

func doGet(h http.Handler, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Forwarded-For", ip)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// An anonymous client gets its full ceiling, watches the remaining
// header count down, and the first request past the ceiling is rejected
// with 429, a Retry-After hint, and the structured payload.
func TestAnonymousBurstExhaustsCeiling(t *testing.T) {
	h := newTestHandler(t, 30)

	for i := 1; i <= 30; i++ {
		rec := doGet(h, "/api/v1/clips", "203.0.113.5")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
		if got := rec.Header().Get(HeaderLimit); got != "30" {
			t.Fatalf("request %d: %s = %q", i, HeaderLimit, got)
		}
		if got := rec.Header().Get(HeaderRemaining); got != strconv.Itoa(30-i) {
			t.Fatalf("request %d: %s = %q, want %d", i, HeaderRemaining, got, 30-i)
		}
		if got := rec.Header().Get(HeaderWindow); got != "60" {
			t.Fatalf("request %d: %s = %q", i, HeaderWindow, got)
		}
	}

	rec := doGet(h, "/api/v1/clips", "203.0.113.5")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 60 {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if got := rec.Header().Get(HeaderRemaining); got != "0" {
		t.Fatalf("%s = %q, want 0", HeaderRemaining, got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if body.Code != policy.ReasonRateLimited {
		t.Fatalf("code = %q", body.Code)
	}
	if body.Detail == nil || body.Detail.Limit != 30 || body.Detail.WindowSeconds != 60 {
		t.Fatalf("detail = %+v", body.Detail)
	}
	if body.Detail.RetryAfter != int64(retry) {
		t.Fatalf("payload retry %d != header %d", body.Detail.RetryAfter, retry)
	}

	// A different client is unaffected.
	if rec := doGet(h, "/api/v1/clips", "203.0.113.6"); rec.Code != http.StatusOK {
		t.Fatalf("other ip status = %d", rec.Code)
	}
}

// Bypassed requests pass through with no rate-limit headers at all.
func TestBypassLeavesResponseUntouched(t *testing.T) {
	h := newTestHandler(t, 5)

	for _, path := range []string{"/healthz", "/metrics", "/about"} {
		rec := doGet(h, path, "203.0.113.5")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
		if got := rec.Header().Get(HeaderLimit); got != "" {
			t.Fatalf("%s: unexpected %s = %q", path, HeaderLimit, got)
		}
		if got := rec.Header().Get(HeaderRemaining); got != "" {
			t.Fatalf("%s: unexpected %s = %q", path, HeaderRemaining, got)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/clips", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get(HeaderLimit) != "" {
		t.Fatalf("preflight: status = %d, %s = %q", rec.Code, HeaderLimit, rec.Header().Get(HeaderLimit))
	}
}

// Denied requests never reach the wrapped handler.
func TestDeniedRequestNotForwarded(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.Config{}
	cfg.RateLimit.Enabled = true
	cfg.Normalize()
	cfg.Redis.Addr = mr.Addr()
	cfg.RateLimit.Tiers["anonymous"] = 1

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := repo.NewRedis(cfg, logger)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	resolver := identity.NewResolver(cfg.RateLimit.TrustedProxyHeader, "sub", "tier")
	pol := policy.New(cfg.RateLimit, "fail-open", limiter.NewFixedWindow(store), store, resolver, logger)

	calls := 0
	h := RateLimit(pol)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	doGet(h, "/api/v1/x", "203.0.113.5")
	rec := doGet(h, "/api/v1/x", "203.0.113.5")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if calls != 1 {
		t.Fatalf("handler invoked %d times, want 1", calls)
	}
}
