package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

import (
	"turnstile/internal/repo"
)

// Registry owns the per-dependency breakers. It is created once by the
// composition root and injected wherever dependency calls are made; there
// is no ambient global lookup.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	store    repo.Store
	settings Settings
	logger   *slog.Logger
}

func NewRegistry(store repo.Store, settings Settings, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		store:    store,
		settings: settings,
		logger:   logger,
	}
}

// Get returns the breaker for service, creating it (CLOSED) on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b = New(service, r.store, r.settings, r.logger.With("service", service))
	r.breakers[service] = b
	return b
}

// Register pre-creates breakers for the configured dependency names.
func (r *Registry) Register(services ...string) {
	for _, svc := range services {
		r.Get(svc)
	}
}

// States snapshots every registered breaker's state, sorted by name.
func (r *Registry) States(ctx context.Context) map[string]string {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = r.Get(name).State(ctx)
	}
	return out
}
