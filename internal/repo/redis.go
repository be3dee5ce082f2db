package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

import (
	"github.com/redis/go-redis/v9"
)

import (
	"turnstile/internal/config"
	"turnstile/internal/types"
)

// Key templates. Rate-limit keys are prefixed by the configured namespace
// (default "api"); breaker keys carry their own fixed prefix so the two
// families can never collide.
const (
	keyLimitTmpl   = "%s:%s:%s"                // prefix:kind:id
	keyScopedTmpl  = "%s:%s:%s:%s"             // prefix:scope:kind:id
	keyBreakerTmpl = "circuit_breaker:%s:%s"   // service:subkey
	keyDenySet     = "%s:denylist:ip"          // permanent deny set
	keyTmpDenyTmpl = "%s:denylist:ip:tmp:%s"   // temp ban per ip
	keyDenyCntTmpl = "%s:denylist:ip:count:%s" // denial counter per ip
)

// Breaker sub-keys.
const (
	SubState             = "state"
	SubFailures          = "failures"
	SubHalfOpenCalls     = "half_open_calls"
	SubHalfOpenSuccesses = "half_open_successes"
)

// Preloaded Lua scripts.
var (
	// INCR and start the window TTL only on the first hit, so the
	// window's effective age never exceeds its length.
	incrExpireScript = redis.NewScript(`
		local cnt = redis.call('INCR', KEYS[1])
		if cnt == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return cnt
	`)

	// INCR with the TTL refreshed on every hit. Breaker counters decay a
	// fixed interval after the most recent event, not after the first.
	incrRefreshScript = redis.NewScript(`
		local cnt = redis.call('INCR', KEYS[1])
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		return cnt
	`)
)

// Store is the shared-store abstraction; everything the admission layer
// reads or writes cross-process goes through here.
type Store interface {
	KeyLimit(kind, id string) string
	KeyScoped(scope, kind, id string) string
	KeyBreaker(service, sub string) string

	IncrAndExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)
	PeekCount(ctx context.Context, key string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	GetBreakerState(ctx context.Context, service string) (string, error)
	SetBreakerState(ctx context.Context, service, state string, ttl time.Duration) error
	SetBreakerValue(ctx context.Context, service, sub, value string, ttl time.Duration) error
	IncrBreakerCounter(ctx context.Context, service, sub string, ttl time.Duration) (int64, error)
	ClearBreakerCounters(ctx context.Context, service string, subs ...string) error

	IsDenied(ctx context.Context, ip string) (bool, error)
	RecordDenial(ctx context.Context, ip string, window time.Duration) (int64, error)
	TempBan(ctx context.Context, ip string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// RedisStore implements Store on a single shared Redis instance.
type RedisStore struct {
	Prefix    string
	Cli       *redis.Client
	logger    *slog.Logger
	opTimeout time.Duration
}

// NewRedis connects to the shared store and verifies reachability.
func NewRedis(cfg *config.Config, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Redis.Addr == "" {
		return nil, errors.New("no redis address configured")
	}

	r := &RedisStore{
		Prefix:    cfg.Redis.Prefix,
		logger:    logger,
		opTimeout: time.Duration(cfg.Redis.OpTimeoutMs) * time.Millisecond,
	}

	r.Cli = redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     defaultInt(cfg.Redis.PoolSize, 100),
		MinIdleConns: defaultInt(cfg.Redis.MinIdleConns, 10),
		MaxRetries:   defaultInt(cfg.Redis.MaxRetries, 2),
		DialTimeout:  durationOrDefault(cfg.Redis.DialTimeoutMs, 800),
		ReadTimeout:  durationOrDefault(cfg.Redis.ReadTimeoutMs, 800),
		WriteTimeout: durationOrDefault(cfg.Redis.WriteTimeoutMs, 800),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Cli.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "addr", cfg.Redis.Addr, "err", err)
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}
	return r, nil
}

// withTimeout caps every store round trip so a slow store degrades into
// the fail policy instead of hanging the request pipeline.
func (r *RedisStore) withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.opTimeout)
}

// wrap maps any transport-level failure onto ErrStoreUnavailable so
// callers can apply the fail policy without inspecting redis internals.
func wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
}

func (r *RedisStore) KeyLimit(kind, id string) string {
	return fmt.Sprintf(keyLimitTmpl, r.Prefix, kind, id)
}

func (r *RedisStore) KeyScoped(scope, kind, id string) string {
	return fmt.Sprintf(keyScopedTmpl, r.Prefix, scope, kind, id)
}

func (r *RedisStore) KeyBreaker(service, sub string) string {
	return fmt.Sprintf(keyBreakerTmpl, service, sub)
}

func (r *RedisStore) keyTempDeny(ip string) string {
	return fmt.Sprintf(keyTmpDenyTmpl, r.Prefix, ip)
}

func (r *RedisStore) keyDenyCount(ip string) string {
	return fmt.Sprintf(keyDenyCntTmpl, r.Prefix, ip)
}

// IncrAndExpire atomically increments key, starting ttl on first write.
func (r *RedisStore) IncrAndExpire(parent context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()
	ttlMs := ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = 1
	}
	res, err := incrExpireScript.Run(ctx, r.Cli, []string{key}, ttlMs).Int64()
	if err != nil {
		return 0, wrap(fmt.Errorf("incr script failed for key %s: %w", key, err))
	}
	return res, nil
}

// PeekCount reads a counter without mutating it; absent keys count 0.
func (r *RedisStore) PeekCount(parent context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()
	n, err := r.Cli.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

// TTL returns the remaining lifetime of key, 0 when absent or unbounded.
func (r *RedisStore) TTL(parent context.Context, key string) (time.Duration, error) {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()
	d, err := r.Cli.PTTL(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (r *RedisStore) GetBreakerState(parent context.Context, service string) (string, error) {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()
	state, err := r.Cli.Get(ctx, r.KeyBreaker(service, SubState)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", wrap(err)
	}
	return state, nil
}

func (r *RedisStore) SetBreakerState(parent context.Context, service, state string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()
	return wrap(r.Cli.Set(ctx, r.KeyBreaker(service, SubState), state, ttl).Err())
}

func (r *RedisStore) SetBreakerValue(parent context.Context, service, sub, value string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()
	return wrap(r.Cli.Set(ctx, r.KeyBreaker(service, sub), value, ttl).Err())
}

func (r *RedisStore) IncrBreakerCounter(parent context.Context, service, sub string, ttl time.Duration) (int64, error) {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()
	ttlMs := ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = 1
	}
	key := r.KeyBreaker(service, sub)
	res, err := incrRefreshScript.Run(ctx, r.Cli, []string{key}, ttlMs).Int64()
	if err != nil {
		return 0, wrap(fmt.Errorf("incr refresh script failed for key %s: %w", key, err))
	}
	return res, nil
}

func (r *RedisStore) ClearBreakerCounters(parent context.Context, service string, subs ...string) error {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()
	keys := make([]string, 0, len(subs))
	for _, sub := range subs {
		keys = append(keys, r.KeyBreaker(service, sub))
	}
	if len(keys) == 0 {
		return nil
	}
	return wrap(r.Cli.Del(ctx, keys...).Err())
}

// IsDenied checks the permanent deny set and the temp-ban key.
func (r *RedisStore) IsDenied(parent context.Context, ip string) (bool, error) {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()
	inSet, err := r.Cli.SIsMember(ctx, fmt.Sprintf(keyDenySet, r.Prefix), ip).Result()
	if err != nil {
		return false, wrap(err)
	}
	if inSet {
		return true, nil
	}
	n, err := r.Cli.Exists(ctx, r.keyTempDeny(ip)).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

// RecordDenial bumps the per-ip denial counter used for temp bans.
func (r *RedisStore) RecordDenial(parent context.Context, ip string, window time.Duration) (int64, error) {
	return r.IncrAndExpire(parent, r.keyDenyCount(ip), window)
}

// TempBan writes a TTL'd ban marker for ip.
func (r *RedisStore) TempBan(parent context.Context, ip string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()
	if ttl <= 0 {
		ttl = time.Minute
	}
	return wrap(r.Cli.Set(ctx, r.keyTempDeny(ip), 1, ttl).Err())
}

func (r *RedisStore) Ping(parent context.Context) error {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()
	return wrap(r.Cli.Ping(ctx).Err())
}

func (r *RedisStore) Close() error {
	return r.Cli.Close()
}

func defaultInt(val, def int) int {
	if val > 0 {
		return val
	}
	return def
}

func durationOrDefault(ms int, defMs int) time.Duration {
	if ms <= 0 {
		ms = defMs
	}
	return time.Duration(ms) * time.Millisecond
}
