package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// RedisCache backs the quote cache with Redis so quotes survive process
// restarts and are shared across instances. GETDEL makes single-use
// atomic without a lock.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed quote cache. Keys are prefixed
// with "kiln:quote:".
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: "kiln:quote:"}
}

func (c *RedisCache) Put(ctx context.Context, q Quote) error {
	payload, err := json.Marshal(q)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "quote cache: encode quote", err)
	}
	ttl := time.Until(q.ExpiresAt) + expiredGrace
	if ttl <= 0 {
		ttl = expiredGrace
	}
	if err := c.rdb.Set(ctx, c.prefix+q.Token, payload, ttl).Err(); err != nil {
		return fault.Wrap(fault.KindInternal, "quote cache: redis set", err)
	}
	return nil
}

func (c *RedisCache) Pop(ctx context.Context, token string) (*Quote, error) {
	payload, err := c.rdb.GetDel(ctx, c.prefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "quote cache: redis getdel", err)
	}
	var q Quote
	if err := json.Unmarshal([]byte(payload), &q); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "quote cache: decode quote", err)
	}
	return &q, nil
}
