// Package limiter implements the window counter algorithms behind the
// rate-limit policy. Every implementation exposes the same two operations
// so the policy never depends on which windowing algorithm is configured.
package limiter

import (
	"context"
	"fmt"
	"strings"
	"time"
)

import (
	"turnstile/internal/repo"
)

// Windower is the window counter store contract.
type Windower interface {
	// CheckAndIncrement admits or denies one request against key, counting
	// it either way. On denial retryAfter reports how long until the
	// window frees up.
	CheckAndIncrement(ctx context.Context, key string, maxAttempts int64, window time.Duration) (allowed bool, retryAfter time.Duration, err error)

	// GetRemaining reports max(0, maxAttempts - current count) without
	// mutating state. An absent key counts as zero.
	GetRemaining(ctx context.Context, key string, maxAttempts int64) (int64, error)
}

// ForAlgo selects a windower implementation by config name.
func ForAlgo(algo string, store repo.Store) (Windower, error) {
	switch strings.ToLower(strings.TrimSpace(algo)) {
	case "", "fixed_window":
		return NewFixedWindow(store), nil
	case "sliding_window":
		sl, ok := store.(SlidingStore)
		if !ok {
			return nil, fmt.Errorf("store %T does not support sliding windows", store)
		}
		return NewSlidingWindow(store, sl), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %q", algo)
	}
}
