package httpx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// OrderCache is a read-through cache in front of GET /orders/{id}. The
// database stays the source of truth: cache failures degrade to a miss.
type OrderCache interface {
	Get(ctx context.Context, id string) (orders.Order, bool, error)
	Put(ctx context.Context, o orders.Order) error
	Invalidate(ctx context.Context, id string) error
}

// Idempotency remembers which order an Idempotency-Key produced.
type Idempotency interface {
	// Lookup returns the order id stored for key. pending is true while the
	// first request with that key is still running.
	Lookup(ctx context.Context, key string) (orderID string, pending bool, found bool, err error)
	Claim(ctx context.Context, key string) (bool, error)
	Complete(ctx context.Context, key, orderID string) error
	Forget(ctx context.Context, key string) error
}

const idemPending = "PENDING"

// RedisStore implements OrderCache and Idempotency on one Redis client.
type RedisStore struct {
	rdb redis.Cmdable
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore { return &RedisStore{rdb: rdb} }

func (s *RedisStore) Get(ctx context.Context, id string) (orders.Order, bool, error) {
	v, ok, err := redisx.Get(ctx, s.rdb, redisx.Order(id))
	if err != nil || !ok {
		return orders.Order{}, false, err
	}
	var o orders.Order
	if err := json.Unmarshal([]byte(v), &o); err != nil {
		return orders.Order{}, false, err
	}
	return o, true, nil
}

func (s *RedisStore) Put(ctx context.Context, o orders.Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, redisx.Order(o.ID), b, redisx.TTLOrderCache).Err()
}

func (s *RedisStore) Invalidate(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, redisx.Order(id)).Err()
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (string, bool, bool, error) {
	v, ok, err := redisx.Get(ctx, s.rdb, key)
	if err != nil || !ok {
		return "", false, false, err
	}
	if v == idemPending {
		return "", true, true, nil
	}
	return v, false, true, nil
}

func (s *RedisStore) Claim(ctx context.Context, key string) (bool, error) {
	return redisx.Claim(ctx, s.rdb, key, idemPending, time.Minute)
}

func (s *RedisStore) Complete(ctx context.Context, key, orderID string) error {
	return s.rdb.Set(ctx, key, orderID, redisx.TTLIdempotency).Err()
}

func (s *RedisStore) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
