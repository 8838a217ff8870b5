package alerts

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// RedisDeduper keeps claims as SETNX keys with a TTL.
type RedisDeduper struct {
	rdb      redis.Cmdable
	consumer string
}

func NewRedisDeduper(rdb redis.Cmdable, consumer string) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, consumer: consumer}
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	return redisx.Claim(ctx, d.rdb, redisx.Dedup(d.consumer, eventID), "1", redisx.TTLDedup)
}

func (d *RedisDeduper) Open(ctx context.Context, productID string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	return redisx.Claim(ctx, d.rdb, redisx.AlertDebounce(productID), "1", window)
}

func (d *RedisDeduper) Reset(ctx context.Context, eventID, productID string) error {
	keys := []string{redisx.Dedup(d.consumer, eventID)}
	if productID != "" {
		keys = append(keys, redisx.AlertDebounce(productID))
	}
	return d.rdb.Del(ctx, keys...).Err()
}
