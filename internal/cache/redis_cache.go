package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"

	"posledger/backend/internal/domain"
)

const productKeyPrefix = "posledger:product:"

type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisClient{client: client}
}

func (c *RedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisClient) Close() error {
	return c.client.Close()
}

func (c *RedisClient) ProductCache() *RedisProductCache {
	return &RedisProductCache{client: c.client}
}

func (c *RedisClient) Locker() *RedisLocker {
	return &RedisLocker{locker: redislock.New(c.client)}
}

type RedisProductCache struct {
	client *redis.Client
}

func (c *RedisProductCache) Get(ctx context.Context, productID string) (*domain.Product, bool, error) {
	val, err := c.client.Get(ctx, productKeyPrefix+productID).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var product domain.Product
	if err := json.Unmarshal([]byte(val), &product); err != nil {
		return nil, false, err
	}
	return &product, true, nil
}

func (c *RedisProductCache) Set(ctx context.Context, product domain.Product, ttl time.Duration) error {
	payload, err := json.Marshal(product)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, productKeyPrefix+product.ID, payload, ttl).Err()
}

func (c *RedisProductCache) Invalidate(ctx context.Context, productID string) error {
	return c.client.Del(ctx, productKeyPrefix+productID).Err()
}

type RedisLocker struct {
	locker *redislock.Client
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lock, err := l.locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, true, nil
}
