package limiter

import (
	"context"
	"time"
)

import (
	"turnstile/internal/repo"
)

// FixedWindow is the default counter: INCR with a TTL started on the first
// hit of each window. Cheap and store-atomic; admits bursts up to 2x the
// ceiling across a window edge, which the policy layer accepts.
type FixedWindow struct {
	store repo.Store
}

func NewFixedWindow(store repo.Store) *FixedWindow {
	return &FixedWindow{store: store}
}

func (f *FixedWindow) CheckAndIncrement(ctx context.Context, key string, maxAttempts int64, window time.Duration) (bool, time.Duration, error) {
	cnt, err := f.store.IncrAndExpire(ctx, key, window)
	if err != nil {
		return false, 0, err
	}
	if cnt <= maxAttempts {
		return true, 0, nil
	}

	// Denied: retry-after comes from the key's remaining TTL, falling
	// back to the full window when the store cannot report it.
	retry, err := f.store.TTL(ctx, key)
	if err != nil || retry <= 0 {
		retry = window
	}
	return false, retry, nil
}

func (f *FixedWindow) GetRemaining(ctx context.Context, key string, maxAttempts int64) (int64, error) {
	cnt, err := f.store.PeekCount(ctx, key)
	if err != nil {
		return 0, err
	}
	remaining := maxAttempts - cnt
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
