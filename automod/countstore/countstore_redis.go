package countstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisCountPrefix    = "steward/count/"
	redisDistinctPrefix = "steward/distinct/"
)

// how long each period's redis key outlives its bucket; zero means it never expires
var redisRetention = map[string]time.Duration{
	PeriodTotal: 0,
	PeriodDay:   48 * time.Hour,
	PeriodHour:  2 * time.Hour,
}

// RedisCountStore shares counters between replicas. Distinct counters are HyperLogLogs, so they are
// approximate for large sets.
type RedisCountStore struct {
	Client *redis.Client
	Now    func() time.Time
}

var _ CountStore = (*RedisCountStore)(nil)

// NewRedisCountStore wraps an existing client; connection setup and health checks are the caller's job.
func NewRedisCountStore(rdb *redis.Client) *RedisCountStore {
	return &RedisCountStore{
		Client: rdb,
		Now:    time.Now,
	}
}

func (s *RedisCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	key := redisCountPrefix + periodBucket(name, val, period, s.Now())
	c, err := s.Client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("reading counter %s: %w", key, err)
	}
	return c, nil
}

// Increment bumps all periods of a counter in one pipelined round-trip.
func (s *RedisCountStore) Increment(ctx context.Context, name, val string) error {
	now := s.Now()
	_, err := s.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range AllPeriods {
			key := redisCountPrefix + periodBucket(name, val, p, now)
			pipe.Incr(ctx, key)
			if ttl := redisRetention[p]; ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("incrementing counter %s/%s: %w", name, val, err)
	}
	return nil
}

func (s *RedisCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error) {
	key := redisDistinctPrefix + periodBucket(name, bucket, period, s.Now())
	c, err := s.Client.PFCount(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("reading distinct counter %s: %w", key, err)
	}
	return int(c), nil
}

func (s *RedisCountStore) IncrementDistinct(ctx context.Context, name, bucket, val string) error {
	now := s.Now()
	_, err := s.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range AllPeriods {
			key := redisDistinctPrefix + periodBucket(name, bucket, p, now)
			pipe.PFAdd(ctx, key, val)
			if ttl := redisRetention[p]; ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("adding to distinct counter %s/%s: %w", name, bucket, err)
	}
	return nil
}
