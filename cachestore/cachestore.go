package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Empty string from Get means a cache miss.
type CacheStore interface {
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	Purge(ctx context.Context, name, key string) error
}

// GetJSON unmarshals a cached value into out. Returns false on a miss.
func GetJSON(ctx context.Context, cs CacheStore, name, key string, out any) (bool, error) {
	raw, err := cs.Get(ctx, name, key)
	if err != nil {
		return false, err
	}
	if raw == "" {
		cacheLookups.WithLabelValues(name, "miss").Inc()
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		// treat a corrupt entry like a miss, and drop it
		cacheLookups.WithLabelValues(name, "corrupt").Inc()
		_ = cs.Purge(ctx, name, key)
		return false, nil
	}
	cacheLookups.WithLabelValues(name, "hit").Inc()
	return true, nil
}

func SetJSON(ctx context.Context, cs CacheStore, name, key string, val any) error {
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encoding cache value %s/%s: %w", name, key, err)
	}
	return cs.Set(ctx, name, key, string(b))
}
