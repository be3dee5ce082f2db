// Package identity resolves who a request should be counted as. The
// resolution here picks a counting key only, never an authorization
// result, which is why the bearer decode below deliberately skips
// signature and expiry validation.
package identity

import (
	"context"
	"net"
	"net/http"
	"strings"
)

import (
	"github.com/golang-jwt/jwt/v5"
)

import (
	"turnstile/internal/types"
)

type ctxKey int

// principalKey carries a principal resolved by upstream auth middleware.
const principalKey ctxKey = iota

// WithPrincipal returns a context carrying an authenticated principal.
// Auth middleware calls this after it has actually verified the token.
func WithPrincipal(ctx context.Context, p types.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts a previously resolved principal, if any.
func PrincipalFrom(ctx context.Context) (types.Principal, bool) {
	p, ok := ctx.Value(principalKey).(types.Principal)
	return p, ok
}

// Resolver turns an HTTP request into a counting principal.
type Resolver struct {
	ProxyHeader string // trusted forwarding header, e.g. "X-Forwarded-For"
	ClaimUserID string // JWT claim holding the user id, default "sub"
	ClaimTier   string // JWT claim holding the tier, default "tier"
}

func NewResolver(proxyHeader, claimUserID, claimTier string) *Resolver {
	if claimUserID == "" {
		claimUserID = "sub"
	}
	if claimTier == "" {
		claimTier = "tier"
	}
	return &Resolver{
		ProxyHeader: proxyHeader,
		ClaimUserID: claimUserID,
		ClaimTier:   claimTier,
	}
}

// Resolve resolves identity in order: auth middleware context -> lenient
// bearer decode -> client IP. It always succeeds; the weakest identity is
// the peer address.
func (r *Resolver) Resolve(req *http.Request) types.Principal {
	if p, ok := PrincipalFrom(req.Context()); ok && p.ID != "" {
		if p.Kind == "" {
			p.Kind = types.KindUser
		}
		return p
	}

	if p, ok := r.decodeBearer(req.Header.Get("Authorization")); ok {
		return p
	}

	return types.Principal{
		Kind: types.KindIP,
		ID:   r.ClientIP(req),
		Tier: types.TierAnonymous,
	}
}

// decodeBearer extracts (user id, tier) from a bearer token without
// verifying the signature or enforcing expiry. An expired token holder
// must still be counted under their own key rather than sliding into the
// per-IP anonymous bucket.
func (r *Resolver) decodeBearer(header string) (types.Principal, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return types.Principal{}, false
	}
	raw := strings.TrimSpace(header[len(prefix):])
	if raw == "" {
		return types.Principal{}, false
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return types.Principal{}, false
	}

	id, _ := claims[r.ClaimUserID].(string)
	if id == "" {
		return types.Principal{}, false
	}
	tier, _ := claims[r.ClaimTier].(string)
	return types.Principal{Kind: types.KindUser, ID: id, Tier: tier}, true
}

// ClientIP resolves the caller address, trusting the configured proxy
// header first and falling back to the direct peer.
func (r *Resolver) ClientIP(req *http.Request) string {
	if r.ProxyHeader != "" {
		if forwarded := req.Header.Get(r.ProxyHeader); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return req.RemoteAddr
}
