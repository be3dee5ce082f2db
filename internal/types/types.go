package types

import (
	"errors"
	"fmt"
	"time"
)

// Principal kinds used in rate-limit keys.
const (
	KindUser = "user"
	KindIP   = "ip"
)

// Built-in subscription tiers.
const (
	TierAnonymous = "anonymous"
	TierFree      = "free"
	TierPro       = "pro"
	TierStudio    = "studio"
)

// Principal is the identity a request is counted under.
type Principal struct {
	Kind string // "user" or "ip"
	ID   string
	Tier string
}

// Decision 限流判定结果
// 放在公共类型包，避免 policy/limiter/middleware 之间的循环依赖
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	Window     time.Duration
	Reason     string // machine-readable code, e.g. "rate_limited", "auth_attempts_exceeded"
	Inactive   bool   // limiter globally disabled; nothing was counted
	Err        error
}

// ErrStoreUnavailable marks a shared-store round trip that failed or timed
// out. It is handled by the configured fail policy and never surfaces to
// the end caller as-is.
var ErrStoreUnavailable = errors.New("shared store unavailable")

// BreakerOpenError is returned when a call is rejected because the circuit
// for the named dependency is open. It is distinct from the dependency's
// own errors so callers can skip retries and degrade instead.
type BreakerOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry after %s", e.Service, e.RetryAfter)
}

// AsBreakerOpen reports whether err (or anything it wraps) is a
// BreakerOpenError, returning the typed error if so.
func AsBreakerOpen(err error) (*BreakerOpenError, bool) {
	var boe *BreakerOpenError
	if errors.As(err, &boe) {
		return boe, true
	}
	return nil, false
}
