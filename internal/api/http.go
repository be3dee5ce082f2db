package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

import (
	"turnstile/internal/breaker"
	"turnstile/internal/config"
	"turnstile/internal/types"
)

// Server wires the admission middleware around the API routes and exposes
// the operational endpoints.
type Server struct {
	cfg      config.ServerCfg
	limit    func(http.Handler) http.Handler
	breakers *breaker.Registry
	srv      *http.Server
}

func NewServer(cfg config.ServerCfg, limit func(http.Handler) http.Handler, breakers *breaker.Registry) *Server {
	return &Server{
		cfg:      cfg,
		limit:    limit,
		breakers: breakers,
	}
}

// RegisterRoutes mounts operational endpoints and the rate-limited API
// subtree on r.
func (s *Server) RegisterRoutes(r *mux.Router, apiHandler http.Handler) {
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status/breakers", s.breakersHandler).Methods(http.MethodGet)
	r.PathPrefix("/api/").Handler(s.limit(apiHandler))
}

func (s *Server) ListenAndServe(r *mux.Router) error {
	s.srv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ---------------- Handlers ----------------

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) breakersHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.breakers.States(r.Context()))
}

// WrapDependency runs fn through the named dependency's breaker and maps a
// breaker-open rejection to 503 with a Retry-After hint. Handlers use it
// around outbound calls.
func (s *Server) WrapDependency(w http.ResponseWriter, r *http.Request, service string, fn func(context.Context) error) bool {
	err := s.breakers.Get(service).Execute(r.Context(), fn)
	if err == nil {
		return true
	}
	if boe, ok := types.AsBreakerOpen(err); ok {
		w.Header().Set("Retry-After", itoaSeconds(boe.RetryAfter))
		errResp(w, http.StatusServiceUnavailable, "dependency "+service+" temporarily unavailable")
		return false
	}
	errResp(w, http.StatusBadGateway, "dependency "+service+" failed: "+err.Error())
	return false
}

func errResp(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func itoaSeconds(d time.Duration) string {
	secs := (d.Milliseconds() + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
