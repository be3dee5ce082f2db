package repo

import (
	"context"
	"fmt"
	"time"
)

import (
	"github.com/redis/go-redis/v9"
)

import (
	"turnstile/internal/types"
)

// ScriptSliding keeps one ZSET member per admitted request and counts the
// members still inside the window. Used by the sliding_window algorithm.
var ScriptSliding = redis.NewScript(`
-- KEYS[1] = zset_key
-- ARGV[1] = now_ms
-- ARGV[2] = window_ms
-- ARGV[3] = limit

local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)

local cnt = redis.call('ZCARD', KEYS[1])
if cnt >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local retry = window
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, cnt, retry}
end

redis.call('ZADD', KEYS[1], now, now .. '-' .. redis.call('INCR', KEYS[1] .. ':seq'))
redis.call('PEXPIRE', KEYS[1], window + 1000)
redis.call('PEXPIRE', KEYS[1] .. ':seq', window + 1000)

return {1, cnt + 1, 0}
`)

// SlidingIncr runs the sliding-window admission script.
// Returns (allowed, count inside window after the call, retry-after).
func (r *RedisStore) SlidingIncr(parent context.Context, key string, now time.Time, window time.Duration, limit int64) (bool, int64, time.Duration, error) {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()
	res, err := ScriptSliding.Run(ctx, r.Cli, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit).Result()
	if err != nil {
		return false, 0, 0, fmt.Errorf("%w: sliding script failed for key %s: %v", types.ErrStoreUnavailable, key, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return false, 0, 0, fmt.Errorf("%w: unexpected sliding script reply %#v", types.ErrStoreUnavailable, res)
	}
	allowed := toInt64(vals[0]) == 1
	count := toInt64(vals[1])
	retry := time.Duration(toInt64(vals[2])) * time.Millisecond
	return allowed, count, retry, nil
}

// SlidingPeek counts the live members of a sliding-window ZSET without
// admitting anything.
func (r *RedisStore) SlidingPeek(parent context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()
	n, err := r.Cli.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

// toInt64 tolerates the int64/float64 variants Lua replies come back as.
func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case uint64:
		return int64(x)
	default:
		return 0
	}
}
