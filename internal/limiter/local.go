package limiter

import (
	"context"
	"sync"
	"time"
)

import (
	"golang.org/x/time/rate"
)

// Local is the in-process fallback used while the shared store is
// unreachable and the fail policy is open: instead of unlimited traffic,
// each key gets a token bucket approximating its ceiling. State is
// per-process and forgotten once the store recovers.
type Local struct {
	mu           sync.Mutex
	entries      map[string]*localEntry
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type localEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewLocal() *Local {
	return &Local{
		entries:      make(map[string]*localEntry),
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
}

// Allow consumes one token from the bucket for key, creating it with the
// window-averaged rate and a burst of maxAttempts on first sight.
func (l *Local) Allow(key string, maxAttempts int64, window time.Duration) bool {
	now := time.Now()

	l.mu.Lock()
	ent, ok := l.entries[key]
	if !ok {
		rps := float64(maxAttempts) / window.Seconds()
		ent = &localEntry{lim: rate.NewLimiter(rate.Limit(rps), int(maxAttempts))}
		l.entries[key] = ent
	}
	ent.lastSeen = now
	lim := ent.lim
	l.mu.Unlock()

	return lim.Allow()
}

func (l *Local) cleanup() {
	cutoff := time.Now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, ent := range l.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}

// StartJanitor evicts idle buckets until ctx is done.
func (l *Local) StartJanitor(ctx context.Context) {
	t := time.NewTicker(l.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.cleanup()
			}
		}
	}()
}
