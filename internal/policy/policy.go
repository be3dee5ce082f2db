// Package policy maps an inbound request to rate-limit keys and ceilings,
// consults the window counters, and renders the admission decision.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

import (
	"turnstile/internal/config"
	"turnstile/internal/denylist"
	"turnstile/internal/identity"
	"turnstile/internal/limiter"
	"turnstile/internal/metrics"
	"turnstile/internal/repo"
	"turnstile/internal/types"
)

// Denial reason codes.
const (
	ReasonRateLimited = "rate_limited"
	ReasonFailClosed  = "fail_closed"
	ReasonIPBanned    = "ip_temp_banned"
)

// check is one ceiling the request must pass. Overrides and the global
// tier ceiling are all expressed as checks.
type check struct {
	key    string
	limit  int64
	window time.Duration
	reason string
}

// Policy renders allow/deny decisions for inbound requests.
type Policy struct {
	cfg        config.RateLimitCfg
	failPolicy string
	windower   limiter.Windower
	local      *limiter.Local // nil unless localFallback is on
	store      repo.Store
	resolver   *identity.Resolver
	deny       *denylist.Denylist // nil unless enabled
	overrides  []config.Override
	logger     *slog.Logger
}

func New(cfg config.RateLimitCfg, failPolicy string, w limiter.Windower, store repo.Store,
	resolver *identity.Resolver, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}

	// Higher-priority overrides are evaluated (and therefore surfaced)
	// first.
	overrides := make([]config.Override, len(cfg.Overrides))
	copy(overrides, cfg.Overrides)
	sort.SliceStable(overrides, func(i, j int) bool {
		return overrides[i].Priority > overrides[j].Priority
	})

	return &Policy{
		cfg:        cfg,
		failPolicy: config.NormalizeFailPolicy(failPolicy),
		windower:   w,
		store:      store,
		resolver:   resolver,
		overrides:  overrides,
		logger:     logger,
	}
}

// WithLocalFallback enables the in-process bucket used during store
// outages under the fail-open policy.
func (p *Policy) WithLocalFallback(l *limiter.Local) *Policy {
	p.local = l
	return p
}

// WithDenylist enables repeat-offender temp bans.
func (p *Policy) WithDenylist(d *denylist.Denylist) *Policy {
	p.deny = d
	return p
}

// Bypass reports whether the request skips rate limiting entirely:
// excluded paths, non-API paths, and protocol preflight.
func (p *Policy) Bypass(req *http.Request) bool {
	if req.Method == http.MethodOptions {
		return true
	}
	path := req.URL.Path
	for _, prefix := range p.cfg.ExcludedPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return !strings.HasPrefix(path, p.cfg.APIPrefix)
}

// Check evaluates the request against the global tier ceiling and every
// matching endpoint override. All must allow; the first exceeded ceiling
// determines the rejection reason.
func (p *Policy) Check(ctx context.Context, req *http.Request) types.Decision {
	start := time.Now()
	defer func() {
		metrics.DecisionLatency.Observe(time.Since(start).Seconds())
	}()

	if p.Bypass(req) {
		return types.Decision{Allowed: true, Inactive: true, Reason: "bypass"}
	}
	if !p.cfg.Enabled {
		return types.Decision{Allowed: true, Inactive: true, Reason: "limiter_disabled"}
	}

	principal := p.resolver.Resolve(req)
	clientIP := p.resolver.ClientIP(req)

	if p.deny != nil && p.deny.IsDenied(ctx, clientIP) {
		metrics.DecisionsTotal.WithLabelValues("denied", principal.Kind).Inc()
		return types.Decision{
			Allowed:    false,
			Reason:     ReasonIPBanned,
			RetryAfter: p.cfg.Window(),
			Window:     p.cfg.Window(),
		}
	}

	limit := p.ceilingFor(principal)
	window := p.cfg.Window()
	checks := p.checksFor(req, principal, clientIP, limit, window)

	anyStoreError := false
	for _, c := range checks {
		allowed, retry, err := p.windower.CheckAndIncrement(ctx, c.key, c.limit, c.window)
		if err != nil {
			anyStoreError = true
			metrics.StoreErrorsTotal.Inc()
			if dec, denied := p.applyFailPolicy(c, principal, err); denied {
				return dec
			}
			continue
		}
		if !allowed {
			if p.deny != nil {
				p.deny.RecordDenial(ctx, clientIP)
			}
			metrics.DecisionsTotal.WithLabelValues("denied", principal.Kind).Inc()
			return types.Decision{
				Allowed:    false,
				Limit:      c.limit,
				Remaining:  0,
				RetryAfter: retry,
				Window:     c.window,
				Reason:     c.reason,
			}
		}
	}

	remaining := p.remainingAfter(ctx, checks, anyStoreError)
	metrics.DecisionsTotal.WithLabelValues("allowed", principal.Kind).Inc()
	return types.Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		Window:    window,
		Reason:    "allowed",
	}
}

// checksFor builds the ordered ceiling list: overrides first (narrower,
// higher priority), then the coarse tier-wide ceiling.
func (p *Policy) checksFor(req *http.Request, principal types.Principal, clientIP string, limit int64, window time.Duration) []check {
	var checks []check
	for _, o := range p.overrides {
		if !matchOverride(o, req) {
			continue
		}
		id := p.overrideID(o, req, principal, clientIP)
		if id == "" {
			continue
		}
		checks = append(checks, check{
			key:    p.store.KeyScoped(o.Name, o.KeyBy, id),
			limit:  o.Limit,
			window: time.Duration(o.WindowSeconds) * time.Second,
			reason: o.Name,
		})
	}

	checks = append(checks, check{
		key:    p.store.KeyLimit(principal.Kind, principal.ID),
		limit:  limit,
		window: window,
		reason: ReasonRateLimited,
	})
	return checks
}

// applyFailPolicy handles a store failure for one check. The boolean is
// true when the request must be denied (fail-closed, or local fallback
// said no).
func (p *Policy) applyFailPolicy(c check, principal types.Principal, err error) (types.Decision, bool) {
	if p.failPolicy == "fail-closed" {
		p.logger.Warn("store unavailable, failing closed", "key", c.key, "err", err)
		metrics.DecisionsTotal.WithLabelValues("fail_closed", principal.Kind).Inc()
		return types.Decision{
			Allowed:    false,
			Limit:      c.limit,
			RetryAfter: c.window,
			Window:     c.window,
			Reason:     ReasonFailClosed,
			Err:        err,
		}, true
	}

	p.logger.Warn("store unavailable, failing open", "key", c.key, "err", err)
	if p.local != nil && !p.local.Allow(c.key, c.limit, c.window) {
		metrics.DecisionsTotal.WithLabelValues("denied", principal.Kind).Inc()
		return types.Decision{
			Allowed:    false,
			Limit:      c.limit,
			RetryAfter: c.window,
			Window:     c.window,
			Reason:     c.reason,
		}, true
	}
	return types.Decision{}, false
}

// remainingAfter peeks the global counter for the informational headers.
// On any earlier store error it reports the full ceiling rather than
// issuing another doomed round trip.
func (p *Policy) remainingAfter(ctx context.Context, checks []check, hadError bool) int64 {
	global := checks[len(checks)-1]
	if hadError {
		return global.limit
	}
	remaining, err := p.windower.GetRemaining(ctx, global.key, global.limit)
	if err != nil {
		p.logger.Warn("remaining peek failed", "key", global.key, "err", err)
		return global.limit
	}
	return remaining
}

// ceilingFor maps the principal to its tier's ceiling. Unrecognized tiers
// get the free ceiling; anonymous traffic gets the anonymous ceiling.
func (p *Policy) ceilingFor(principal types.Principal) int64 {
	tier := principal.Tier
	if principal.Kind == types.KindIP {
		tier = types.TierAnonymous
	}
	if ceiling, ok := p.cfg.Tiers[tier]; ok {
		return ceiling
	}
	return p.cfg.Tiers[types.TierFree]
}

func matchOverride(o config.Override, req *http.Request) bool {
	if !strings.HasPrefix(req.URL.Path, o.PathPrefix) {
		return false
	}
	if len(o.Methods) == 0 {
		return true
	}
	for _, m := range o.Methods {
		if strings.EqualFold(m, req.Method) {
			return true
		}
	}
	return false
}

// overrideID picks the counting identifier for an override.
func (p *Policy) overrideID(o config.Override, req *http.Request, principal types.Principal, clientIP string) string {
	switch o.KeyBy {
	case "user":
		if principal.Kind == types.KindUser {
			return principal.ID
		}
		return clientIP
	case "email":
		if email := emailFromRequest(req); email != "" {
			return strings.ToLower(email)
		}
		return clientIP
	default: // "ip"
		return clientIP
	}
}

// emailFromRequest peeks a JSON body for an "email" field without
// consuming it, so per-email ceilings on auth endpoints can count signup
// and login attempts. The body is restored for the handler byte-for-byte:
// only bodies with a known length under the peek cap are read at all;
// chunked or oversized bodies are left untouched and the caller falls
// back to the IP key.
func emailFromRequest(req *http.Request) string {
	const maxPeek = 64 << 10
	if req.Body == nil || req.Body == http.NoBody {
		return ""
	}
	if req.ContentLength < 0 || req.ContentLength > maxPeek {
		return ""
	}
	raw, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return ""
	}

	var body struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.Email)
}
