package seenstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisSeenPrefix string = "steward/seen/"

type RedisSeenStore struct {
	Client *redis.Client
	TTL    time.Duration
}

var _ SeenStore = (*RedisSeenStore)(nil)

func NewRedisSeenStore(rdb *redis.Client, ttl time.Duration) *RedisSeenStore {
	return &RedisSeenStore{
		Client: rdb,
		TTL:    ttl,
	}
}

func (s *RedisSeenStore) Claim(ctx context.Context, id string) (bool, error) {
	return s.Client.SetNX(ctx, redisSeenPrefix+id, 1, s.TTL).Result()
}

func (s *RedisSeenStore) Release(ctx context.Context, id string) error {
	return s.Client.Del(ctx, redisSeenPrefix+id).Err()
}
