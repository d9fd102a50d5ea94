package otp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter caps code issuances per player: consecutive issuances must be at
// least cooldown apart, and at most max fit inside a sliding window. Allow
// records the issuance when it permits it; otherwise it reports the wait.
// The cooldown is measured from the last issuance, whatever happened to
// that code since.
type Limiter interface {
	Allow(ctx context.Context, playerID string, now time.Time, cooldown time.Duration) (bool, time.Duration, error)
}

type MemoryLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string][]time.Time
}

func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{max: max, window: window, hits: make(map[string][]time.Time)}
}

func (l *MemoryLimiter) Allow(_ context.Context, playerID string, now time.Time, cooldown time.Duration) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hits := l.hits[playerID]; cooldown > 0 && len(hits) > 0 {
		if since := now.Sub(hits[len(hits)-1]); since < cooldown {
			return false, cooldown - since, nil
		}
	}
	cutoff := now.Add(-l.window)
	kept := l.hits[playerID][:0]
	for _, t := range l.hits[playerID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.max {
		l.hits[playerID] = kept
		return false, kept[0].Add(l.window).Sub(now), nil
	}
	l.hits[playerID] = append(kept, now)
	return true, 0, nil
}

// windowScript trims, counts and records in one round trip so concurrent
// issuers on different instances share the same count.
var windowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local cooldown = tonumber(ARGV[5])
if cooldown > 0 then
  local newest = redis.call('ZRANGE', KEYS[1], -1, -1, 'WITHSCORES')
  if newest[2] and now - tonumber(newest[2]) < cooldown then
    return {0, tonumber(newest[2]) + cooldown - now}
  end
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) < max then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], math.max(window, cooldown))
  return {1, 0}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2]) + window - now}
`)

type RedisLimiter struct {
	rdb    *redis.Client
	max    int
	window time.Duration
	prefix string
}

func NewRedisLimiter(rdb *redis.Client, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, max: max, window: window, prefix: "mc:otp:window:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, playerID string, now time.Time, cooldown time.Duration) (bool, time.Duration, error) {
	res, err := windowScript.Run(ctx, l.rdb, []string{l.prefix + playerID},
		now.UnixMilli(), l.window.Milliseconds(), l.max, uuid.NewString(), cooldown.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("otp window: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("otp window: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}
