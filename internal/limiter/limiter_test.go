package limiter

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

import (
	"github.com/alicebob/miniredis/v2"
)

import (
	"turnstile/internal/config"
	"turnstile/internal/repo"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *repo.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Normalize()
	cfg.Redis.Addr = mr.Addr()
	store, err := repo.NewRedis(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestForAlgo(t *testing.T) {
	_, store := newTestStore(t)

	tests := []struct {
		algo    string
		wantErr bool
	}{
		{"fixed_window", false},
		{"", false},
		{"sliding_window", false},
		{"token_bucket", true},
	}
	for _, tt := range tests {
		t.Run(tt.algo, func(t *testing.T) {
			w, err := ForAlgo(tt.algo, store)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ForAlgo: %v", err)
			}
			if w == nil {
				t.Fatal("nil windower")
			}
		})
	}
}

func TestFixedWindowCeiling(t *testing.T) {
	_, store := newTestStore(t)
	fw := NewFixedWindow(store)
	ctx := context.Background()
	key := store.KeyLimit("ip", "203.0.113.5")
	const ceiling = 5

	for i := 1; i <= ceiling; i++ {
		allowed, _, err := fw.CheckAndIncrement(ctx, key, ceiling, time.Minute)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("call %d denied, want allowed", i)
		}
	}

	allowed, retry, err := fw.CheckAndIncrement(ctx, key, ceiling, time.Minute)
	if err != nil {
		t.Fatalf("over-ceiling call: %v", err)
	}
	if allowed {
		t.Fatal("call over ceiling allowed")
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("retry = %s, want within (0, 60s]", retry)
	}
}

func TestFixedWindowRemaining(t *testing.T) {
	mr, store := newTestStore(t)
	fw := NewFixedWindow(store)
	ctx := context.Background()
	key := store.KeyLimit("user", "u7")
	const ceiling = 10

	rem, err := fw.GetRemaining(ctx, key, ceiling)
	if err != nil {
		t.Fatalf("GetRemaining: %v", err)
	}
	if rem != ceiling {
		t.Fatalf("fresh remaining = %d, want %d", rem, ceiling)
	}

	for k := 1; k <= 4; k++ {
		if _, _, err := fw.CheckAndIncrement(ctx, key, ceiling, time.Minute); err != nil {
			t.Fatalf("CheckAndIncrement: %v", err)
		}
		rem, err = fw.GetRemaining(ctx, key, ceiling)
		if err != nil {
			t.Fatalf("GetRemaining: %v", err)
		}
		if rem != int64(ceiling-k) {
			t.Fatalf("remaining after %d calls = %d, want %d", k, rem, ceiling-k)
		}
	}

	// A lapsed window behaves as if nothing was counted.
	mr.FastForward(61 * time.Second)
	rem, err = fw.GetRemaining(ctx, key, ceiling)
	if err != nil {
		t.Fatalf("GetRemaining: %v", err)
	}
	if rem != ceiling {
		t.Fatalf("remaining after window = %d, want %d", rem, ceiling)
	}
	allowed, _, err := fw.CheckAndIncrement(ctx, key, ceiling, time.Minute)
	if err != nil || !allowed {
		t.Fatalf("fresh window call = %v, %v", allowed, err)
	}
}

func TestFixedWindowRemainingClamped(t *testing.T) {
	_, store := newTestStore(t)
	fw := NewFixedWindow(store)
	ctx := context.Background()
	key := store.KeyLimit("ip", "8.8.8.8")

	// Denied calls keep counting; remaining must not go negative.
	for i := 0; i < 4; i++ {
		if _, _, err := fw.CheckAndIncrement(ctx, key, 2, time.Minute); err != nil {
			t.Fatalf("CheckAndIncrement: %v", err)
		}
	}
	rem, err := fw.GetRemaining(ctx, key, 2)
	if err != nil {
		t.Fatalf("GetRemaining: %v", err)
	}
	if rem != 0 {
		t.Fatalf("remaining = %d, want 0", rem)
	}
}

func TestSlidingWindowCeiling(t *testing.T) {
	_, store := newTestStore(t)
	sw := NewSlidingWindow(store, store)
	ctx := context.Background()
	key := store.KeyLimit("user", "u9") + ":sw"
	const ceiling = 3

	for i := 1; i <= ceiling; i++ {
		allowed, _, err := sw.CheckAndIncrement(ctx, key, ceiling, time.Minute)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("call %d denied", i)
		}
	}
	allowed, retry, err := sw.CheckAndIncrement(ctx, key, ceiling, time.Minute)
	if err != nil {
		t.Fatalf("over-ceiling call: %v", err)
	}
	if allowed {
		t.Fatal("call over ceiling allowed")
	}
	if retry <= 0 {
		t.Fatalf("retry = %s, want > 0", retry)
	}

	rem, err := sw.GetRemaining(ctx, key, ceiling)
	if err != nil {
		t.Fatalf("GetRemaining: %v", err)
	}
	if rem != 0 {
		t.Fatalf("remaining = %d, want 0", rem)
	}
}

func TestLocalFallback(t *testing.T) {
	l := NewLocal()

	// Burst capacity equals the ceiling.
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("k1", 5, time.Minute) {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("allowed = %d, want 5", allowed)
	}

	// Keys do not interfere.
	if !l.Allow("k2", 5, time.Minute) {
		t.Fatal("fresh key denied")
	}
}
