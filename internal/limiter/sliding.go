package limiter

import (
	"context"
	"time"
)

import (
	"turnstile/internal/repo"
)

// SlidingStore is the store extension the sliding algorithm needs beyond
// the plain counter primitives.
type SlidingStore interface {
	SlidingIncr(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (allowed bool, count int64, retryAfter time.Duration, err error)
	SlidingPeek(ctx context.Context, key string) (int64, error)
}

// SlidingWindow trades one ZSET per key for exact boundary behavior. It
// exposes the same two operations as FixedWindow, so swapping algorithms
// touches neither the policy nor the breaker.
type SlidingWindow struct {
	store   repo.Store
	sliding SlidingStore
	now     func() time.Time
}

func NewSlidingWindow(store repo.Store, sliding SlidingStore) *SlidingWindow {
	return &SlidingWindow{store: store, sliding: sliding, now: time.Now}
}

func (s *SlidingWindow) CheckAndIncrement(ctx context.Context, key string, maxAttempts int64, window time.Duration) (bool, time.Duration, error) {
	allowed, _, retry, err := s.sliding.SlidingIncr(ctx, key, s.now(), window, maxAttempts)
	if err != nil {
		return false, 0, err
	}
	if allowed {
		return true, 0, nil
	}
	if retry <= 0 {
		retry = window
	}
	return false, retry, nil
}

// GetRemaining counts live ZSET members. Members admitted just before the
// window edge are pruned on the next increment, so between increments the
// count can run slightly high; remaining is clamped, never negative.
func (s *SlidingWindow) GetRemaining(ctx context.Context, key string, maxAttempts int64) (int64, error) {
	cnt, err := s.sliding.SlidingPeek(ctx, key)
	if err != nil {
		return 0, err
	}
	remaining := maxAttempts - cnt
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
