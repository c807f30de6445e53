// Token-bucket rate limiting of outbound moderation actions, keyed by channel and by user.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/stewardbot/steward/config"
)

// ErrRateLimited means a token was not available within the acquire timeout. Callers are expected to
// try again later.
var ErrRateLimited = errors.New("rate limited")

// Limiter is a set of token buckets, one per key, all with the same capacity and refill rate. Buckets
// are created on first use and start full.
type Limiter struct {
	Name     string
	capacity int
	refill   rate.Limit
	timeout  time.Duration
	buckets  *xsync.MapOf[string, *rate.Limiter]

	// overridable for tests
	Now func() time.Time
}

func NewLimiter(name string, capacity int, refillPerSec float64, timeout time.Duration) *Limiter {
	return &Limiter{
		Name:     name,
		capacity: capacity,
		refill:   rate.Limit(refillPerSec),
		timeout:  timeout,
		buckets:  xsync.NewMapOf[string, *rate.Limiter](),
		Now:      time.Now,
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	b, _ := l.buckets.LoadOrCompute(key, func() *rate.Limiter {
		return rate.NewLimiter(l.refill, l.capacity)
	})
	return b
}

// reserve books one token from the key's bucket as of now. A token further away than the timeout is
// not booked.
func (l *Limiter) reserve(key string, now time.Time) (*rate.Reservation, time.Duration, error) {
	r := l.bucket(key).ReserveN(now, 1)
	if !r.OK() {
		rejectCount.WithLabelValues(l.Name).Inc()
		return nil, 0, ErrRateLimited
	}
	delay := r.DelayFrom(now)
	if delay > l.timeout {
		r.CancelAt(now)
		rejectCount.WithLabelValues(l.Name).Inc()
		return nil, 0, ErrRateLimited
	}
	if delay > 0 {
		waitCount.WithLabelValues(l.Name).Inc()
	}
	return r, delay, nil
}

// waitFor sleeps for delay. If ctx ends first the reservations, made at reservedAt, are given back.
func waitFor(ctx context.Context, reservedAt time.Time, delay time.Duration, rs ...*rate.Reservation) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		// cancelling as of a later time would keep tokens which were due immediately
		for _, r := range rs {
			r.CancelAt(reservedAt)
		}
		return ctx.Err()
	}
}

// Acquire takes one token from the key's bucket. It returns at once if a token is available, waits if
// one will be within the timeout, and otherwise fails with ErrRateLimited without consuming anything.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	now := l.Now()
	r, delay, err := l.reserve(key, now)
	if err != nil {
		return err
	}
	return waitFor(ctx, now, delay, r)
}

// Prune drops buckets which have refilled completely, since a new bucket would be identical.
func (l *Limiter) Prune(now time.Time) int {
	n := 0
	l.buckets.Range(func(key string, b *rate.Limiter) bool {
		if b.TokensAt(now) >= float64(l.capacity) {
			l.buckets.Delete(key)
			n++
		}
		return true
	})
	return n
}

func (l *Limiter) Len() int {
	return l.buckets.Size()
}

// Limits holds the per-channel and per-user limiters used by the action dispatcher.
type Limits struct {
	Channel *Limiter
	User    *Limiter
}

func NewLimits(cfg config.RateLimitConfig) *Limits {
	return &Limits{
		Channel: NewLimiter("channel", cfg.ChannelCapacity, cfg.ChannelRefillPerSec, cfg.AcquireTimeout.D()),
		User:    NewLimiter("user", cfg.UserCapacity, cfg.UserRefillPerSec, cfg.AcquireTimeout.D()),
	}
}

// Acquire takes a channel token and a user token together. Either key may be empty, which skips that
// bucket. If either bucket refuses, neither token is consumed.
func (ls *Limits) Acquire(ctx context.Context, channelID, userID string) error {
	now := ls.Channel.Now()
	var held []*rate.Reservation
	var delay time.Duration
	if channelID != "" {
		r, d, err := ls.Channel.reserve(channelID, now)
		if err != nil {
			return err
		}
		held = append(held, r)
		delay = d
	}
	if userID != "" {
		r, d, err := ls.User.reserve(userID, now)
		if err != nil {
			for _, h := range held {
				h.CancelAt(now)
			}
			return err
		}
		held = append(held, r)
		delay = max(delay, d)
	}
	return waitFor(ctx, now, delay, held...)
}

func (ls *Limits) Prune(now time.Time) int {
	return ls.Channel.Prune(now) + ls.User.Prune(now)
}

// RunPruner prunes idle buckets on a ticker until the context is cancelled.
func (ls *Limits) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ls.Prune(now)
		}
	}
}
