package cachestore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemCacheStore keeps entries in a single process. Used when no redis is configured, and in tests.
type MemCacheStore struct {
	Data *expirable.LRU[string, string]
}

var _ CacheStore = MemCacheStore{}

func NewMemCacheStore(capacity int, ttl time.Duration) MemCacheStore {
	onEvict := func(string, string) { memCacheEvictions.Inc() }
	return MemCacheStore{
		Data: expirable.NewLRU[string, string](capacity, onEvict, ttl),
	}
}

func memCacheKey(name, key string) string {
	return name + "/" + key
}

func (s MemCacheStore) Get(_ context.Context, name, key string) (string, error) {
	// a miss and an expired entry look the same to callers
	val, _ := s.Data.Get(memCacheKey(name, key))
	return val, nil
}

func (s MemCacheStore) Set(_ context.Context, name, key string, val string) error {
	s.Data.Add(memCacheKey(name, key), val)
	return nil
}

func (s MemCacheStore) Purge(_ context.Context, name, key string) error {
	s.Data.Remove(memCacheKey(name, key))
	return nil
}
