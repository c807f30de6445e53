package cachestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// RedisCacheStore shares entries between replicas. Purges reach redis immediately, but each replica's
// local copy may be served until it expires.
type RedisCacheStore struct {
	Data *cache.Cache
	TTL  time.Duration
}

var _ CacheStore = (*RedisCacheStore)(nil)

// NewRedisCacheStore wraps an existing client. The local TinyLFU layer holds entries for at most a
// minute, or the TTL if shorter.
func NewRedisCacheStore(rdb *redis.Client, ttl time.Duration) *RedisCacheStore {
	localTTL := min(ttl, time.Minute)
	return &RedisCacheStore{
		Data: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(1_000, localTTL),
		}),
		TTL: ttl,
	}
}

func redisCacheKey(name, key string) string {
	return "steward/cache/" + name + "/" + key
}

func (s *RedisCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	var val string
	switch err := s.Data.Get(ctx, redisCacheKey(name, key), &val); {
	case errors.Is(err, cache.ErrCacheMiss):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("cache get %s/%s: %w", name, key, err)
	}
	return val, nil
}

func (s *RedisCacheStore) Set(ctx context.Context, name, key string, val string) error {
	return s.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   redisCacheKey(name, key),
		Value: val,
		TTL:   s.TTL,
	})
}

func (s *RedisCacheStore) Purge(ctx context.Context, name, key string) error {
	err := s.Data.Delete(ctx, redisCacheKey(name, key))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
