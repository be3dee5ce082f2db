package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

import (
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
)

import (
	"turnstile/internal/breaker"
	"turnstile/internal/config"
	"turnstile/internal/repo"
)

func newTestServer(t *testing.T) (*Server, *mux.Router) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := &config.Config{}
	cfg.Normalize()
	cfg.Redis.Addr = mr.Addr()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := repo.NewRedis(cfg, logger)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := breaker.NewRegistry(store, breaker.SettingsFromConfig(cfg.Breaker), logger)
	registry.Register("twitch_api")

	passthrough := func(next http.Handler) http.Handler { return next }
	s := NewServer(cfg.Server, passthrough, registry)

	router := mux.NewRouter()
	s.RegisterRoutes(router, http.NotFoundHandler())
	return s, router
}

func TestHealthEndpoint(t *testing.T) {
	_, router := newTestServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestBreakerStatusEndpoint(t *testing.T) {
	_, router := newTestServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/breakers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var states map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &states); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if states["twitch_api"] != "closed" {
		t.Fatalf("states = %v", states)
	}
}

func TestWrapDependency(t *testing.T) {
	s, _ := newTestServer(t)
	depErr := errors.New("upstream timeout")

	// A healthy dependency runs fn and reports success.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/upstream/twitch_api", nil)
	ran := false
	if ok := s.WrapDependency(rec, req, "twitch_api", func(ctx context.Context) error {
		ran = true
		return nil
	}); !ok || !ran {
		t.Fatalf("ok = %v, ran = %v", ok, ran)
	}

	// A failing dependency surfaces 502 until the breaker trips.
	for i := 0; i < 5; i++ {
		rec = httptest.NewRecorder()
		if ok := s.WrapDependency(rec, req, "twitch_api", func(ctx context.Context) error {
			return depErr
		}); ok {
			t.Fatalf("failure %d reported as success", i+1)
		}
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("failure %d: status = %d", i+1, rec.Code)
		}
	}

	// Once open, calls are shed with 503 and a retry hint, and fn is
	// never invoked.
	rec = httptest.NewRecorder()
	invoked := false
	if ok := s.WrapDependency(rec, req, "twitch_api", func(ctx context.Context) error {
		invoked = true
		return nil
	}); ok {
		t.Fatal("open breaker reported success")
	}
	if invoked {
		t.Fatal("fn invoked while breaker open")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 60 {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}
