package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"terminus/internal/application/port"
)

// Cache stores latest aggregates and prices under short TTLs so a restarting
// frontend can render before the first broadcast arrives.
type Cache struct {
	rdb    *redis.Client
	prefix string
}

func NewCache(rdb *redis.Client, prefix string) *Cache {
	return &Cache{rdb: rdb, prefix: prefix}
}

func (c *Cache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c *Cache) Set(ctx context.Context, key string, payload []byte, ttlSeconds int) error {
	return c.rdb.Set(ctx, c.key(key), payload, time.Duration(ttlSeconds)*time.Second).Err()
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (c *Cache) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

var _ port.Cache = (*Cache)(nil)
