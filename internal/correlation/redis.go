package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Cache shared by every bridge instance. Expiry is left to Redis
// key TTLs.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

var _ Cache = (*Redis)(nil)

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if strings.TrimSpace(prefix) == "" {
		prefix = "mc:corr:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) key(k string) string { return r.prefix + strings.TrimSpace(k) }

func (r *Redis) Put(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(key), raw, ttl).Err()
}

func (r *Redis) TakeIfPresent(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := r.rdb.GetDel(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Sweep is a no-op; Redis expires keys itself.
func (r *Redis) Sweep(context.Context) (int, error) { return 0, nil }
