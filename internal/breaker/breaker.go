// Package breaker gates calls to named external dependencies with a
// three-state circuit per dependency. All state lives in the shared store
// so every server process observes the same circuit without coordination.
package breaker

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

import (
	"turnstile/internal/config"
	"turnstile/internal/metrics"
	"turnstile/internal/repo"
	"turnstile/internal/types"
)

// Circuit states. Absent state in the store means CLOSED.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// subOpenUntil holds the unix-ms timestamp the OPEN cooldown ends at.
const subOpenUntil = "open_until"

// Settings are the per-process breaker thresholds. Immutable after startup.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	HalfOpenMaxCalls int
	FailureDecay     time.Duration
}

func SettingsFromConfig(cfg config.BreakerCfg) Settings {
	return Settings{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		OpenTimeout:      time.Duration(cfg.OpenTimeoutSeconds) * time.Second,
		HalfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		FailureDecay:     time.Duration(cfg.FailureDecaySeconds) * time.Second,
	}
}

// Breaker is the circuit for one named dependency.
type Breaker struct {
	name     string
	store    repo.Store
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Breaker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func New(name string, store repo.Store, settings Settings, logger *slog.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		name:     name,
		store:    store,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// State reports the current circuit state for observability.
func (b *Breaker) State(ctx context.Context) string {
	state, err := b.store.GetBreakerState(ctx, b.name)
	if err != nil || state == "" {
		return StateClosed
	}
	return state
}

// CanExecute decides whether a call to the dependency may proceed. A false
// result carries the remaining cooldown. An expired OPEN cooldown
// transitions the circuit to HALF_OPEN before admitting the call as a
// trial probe.
func (b *Breaker) CanExecute(ctx context.Context) (bool, time.Duration) {
	state, err := b.store.GetBreakerState(ctx, b.name)
	if err != nil {
		// Bookkeeping must never block the call itself.
		b.logger.Warn("breaker state read failed, treating as closed", "service", b.name, "err", err)
		return true, 0
	}

	switch state {
	case StateOpen:
		remaining := b.openRemaining(ctx)
		if remaining > 0 {
			return false, remaining
		}
		b.toHalfOpen(ctx)
		fallthrough

	case StateHalfOpen:
		calls, err := b.store.IncrBreakerCounter(ctx, b.name, repo.SubHalfOpenCalls, b.settings.FailureDecay)
		if err != nil {
			b.logger.Warn("breaker trial counter failed, admitting", "service", b.name, "err", err)
			return true, 0
		}
		if calls > int64(b.settings.HalfOpenMaxCalls) {
			// Budget spent; reject as if still open.
			return false, b.settings.OpenTimeout
		}
		return true, 0

	default: // closed or absent
		return true, 0
	}
}

// RecordSuccess observes a successful dependency call.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	state, err := b.store.GetBreakerState(ctx, b.name)
	if err != nil {
		b.logger.Warn("breaker state read failed on success", "service", b.name, "err", err)
		return
	}

	if state == StateHalfOpen {
		succ, err := b.store.IncrBreakerCounter(ctx, b.name, repo.SubHalfOpenSuccesses, b.settings.FailureDecay)
		if err != nil {
			b.logger.Warn("breaker success counter failed", "service", b.name, "err", err)
			return
		}
		if succ >= int64(b.settings.SuccessThreshold) {
			b.toClosed(ctx)
		}
		return
	}

	// Any success while closed forgets the failure streak.
	if err := b.store.ClearBreakerCounters(ctx, b.name, repo.SubFailures); err != nil {
		b.logger.Warn("breaker failure reset failed", "service", b.name, "err", err)
	}
}

// RecordFailure observes a failed dependency call. One bad half-open probe
// is enough to reopen.
func (b *Breaker) RecordFailure(ctx context.Context) {
	state, err := b.store.GetBreakerState(ctx, b.name)
	if err != nil {
		b.logger.Warn("breaker state read failed on failure", "service", b.name, "err", err)
		return
	}

	switch state {
	case StateHalfOpen:
		b.toOpen(ctx)

	case StateOpen:
		// Call raced the transition; the fresh cooldown already covers it.

	default:
		fails, err := b.store.IncrBreakerCounter(ctx, b.name, repo.SubFailures, b.settings.FailureDecay)
		if err != nil {
			b.logger.Warn("breaker failure counter failed", "service", b.name, "err", err)
			return
		}
		if fails >= int64(b.settings.FailureThreshold) {
			b.toOpen(ctx)
		}
	}
}

// Execute wraps one unit of work against the dependency, guaranteeing the
// outcome is recorded on every exit path. The wrapped error is propagated
// unchanged; a BreakerOpenError is returned without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	ok, retry := b.CanExecute(ctx)
	if !ok {
		metrics.BreakerRejectsTotal.WithLabelValues(b.name).Inc()
		return &types.BreakerOpenError{Service: b.name, RetryAfter: retry}
	}

	defer func() {
		if r := recover(); r != nil {
			b.RecordFailure(ctx)
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		b.RecordFailure(ctx)
		return err
	}
	b.RecordSuccess(ctx)
	return nil
}

func (b *Breaker) openRemaining(ctx context.Context) time.Duration {
	raw, err := b.store.PeekCount(ctx, b.store.KeyBreaker(b.name, subOpenUntil))
	if err != nil || raw == 0 {
		// Cannot tell; err on the side of keeping the circuit open for a
		// full timeout rather than stampeding a sick dependency.
		if err != nil {
			b.logger.Warn("breaker cooldown read failed", "service", b.name, "err", err)
			return b.settings.OpenTimeout
		}
		return 0
	}
	return time.Duration(raw-b.now().UnixMilli()) * time.Millisecond
}

func (b *Breaker) toOpen(ctx context.Context) {
	until := b.now().Add(b.settings.OpenTimeout).UnixMilli()
	decay := b.settings.OpenTimeout + b.settings.FailureDecay
	if err := b.store.SetBreakerState(ctx, b.name, StateOpen, decay); err != nil {
		b.logger.Warn("breaker open transition failed", "service", b.name, "err", err)
		return
	}
	_ = b.setOpenUntil(ctx, until, decay)
	_ = b.store.ClearBreakerCounters(ctx, b.name,
		repo.SubFailures, repo.SubHalfOpenCalls, repo.SubHalfOpenSuccesses)
	metrics.BreakerTransitions.WithLabelValues(b.name, StateOpen).Inc()
	b.logger.Info("breaker open", "service", b.name, "until_ms", until)
}

func (b *Breaker) toHalfOpen(ctx context.Context) {
	if err := b.store.SetBreakerState(ctx, b.name, StateHalfOpen, b.settings.FailureDecay); err != nil {
		b.logger.Warn("breaker half-open transition failed", "service", b.name, "err", err)
		return
	}
	_ = b.store.ClearBreakerCounters(ctx, b.name,
		repo.SubHalfOpenCalls, repo.SubHalfOpenSuccesses, subOpenUntil)
	metrics.BreakerTransitions.WithLabelValues(b.name, StateHalfOpen).Inc()
	b.logger.Info("breaker half-open", "service", b.name)
}

func (b *Breaker) toClosed(ctx context.Context) {
	if err := b.store.ClearBreakerCounters(ctx, b.name,
		repo.SubState, repo.SubFailures, repo.SubHalfOpenCalls, repo.SubHalfOpenSuccesses, subOpenUntil); err != nil {
		b.logger.Warn("breaker close transition failed", "service", b.name, "err", err)
		return
	}
	metrics.BreakerTransitions.WithLabelValues(b.name, StateClosed).Inc()
	b.logger.Info("breaker closed", "service", b.name)
}

// setOpenUntil stores the cooldown end as a plain integer so PeekCount can
// read it back.
func (b *Breaker) setOpenUntil(ctx context.Context, untilMs int64, ttl time.Duration) error {
	return b.store.SetBreakerValue(ctx, b.name, subOpenUntil, strconv.FormatInt(untilMs, 10), ttl)
}
