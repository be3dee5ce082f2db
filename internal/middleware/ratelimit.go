// Package middleware adapts the admission policy to the HTTP pipeline:
// it resolves identity, asks the policy, and translates the decision into
// headers and responses.
package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
)

import (
	"turnstile/internal/policy"
	"turnstile/internal/types"
)

// Decision headers attached to every rate-limited response.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderWindow    = "X-RateLimit-Window"
)

// ErrorDetail carries the machine-readable denial specifics.
type ErrorDetail struct {
	RetryAfter    int64 `json:"retry_after"`
	Limit         int64 `json:"limit"`
	WindowSeconds int64 `json:"window_seconds"`
}

// ErrorResponse is the denial payload.
type ErrorResponse struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Detail  *ErrorDetail `json:"detail,omitempty"`
}

// RateLimit wraps next with the admission policy.
func RateLimit(p *policy.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dec := p.Check(r.Context(), r)

			// An inactive decision (bypass or globally disabled limiter)
			// mutates nothing beyond passing the request through.
			if dec.Inactive {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set(HeaderLimit, strconv.FormatInt(dec.Limit, 10))
			w.Header().Set(HeaderRemaining, strconv.FormatInt(dec.Remaining, 10))
			w.Header().Set(HeaderWindow, strconv.FormatInt(int64(dec.Window.Seconds()), 10))

			if dec.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retrySecs := ceilSeconds(dec)
			w.Header().Set("Retry-After", strconv.FormatInt(retrySecs, 10))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(ErrorResponse{
				Code:    dec.Reason,
				Message: "rate limit exceeded, retry later",
				Detail: &ErrorDetail{
					RetryAfter:    retrySecs,
					Limit:         dec.Limit,
					WindowSeconds: int64(dec.Window.Seconds()),
				},
			})
		})
	}
}

// ceilSeconds rounds the retry hint up to whole seconds so a client that
// honors Retry-After never comes back early.
func ceilSeconds(dec types.Decision) int64 {
	ms := dec.RetryAfter.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return (ms + 999) / 1000
}
