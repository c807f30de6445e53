package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireBurstThenReject(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	lim := NewLimiter("test", 2, 0.01, 0)
	assert.NoError(lim.Acquire(ctx, "c1"))
	assert.NoError(lim.Acquire(ctx, "c1"))
	assert.ErrorIs(lim.Acquire(ctx, "c1"), ErrRateLimited)

	// keys are independent
	assert.NoError(lim.Acquire(ctx, "c2"))
}

func TestAcquireWaitsWithinTimeout(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	lim := NewLimiter("test", 1, 20, time.Second)
	assert.NoError(lim.Acquire(ctx, "c1"))

	start := time.Now()
	assert.NoError(lim.Acquire(ctx, "c1"))
	assert.GreaterOrEqual(time.Since(start), 20*time.Millisecond)
}

func TestAcquireContextCancel(t *testing.T) {
	assert := assert.New(t)

	lim := NewLimiter("test", 1, 0.5, 5*time.Second)
	assert.NoError(lim.Acquire(context.Background(), "c1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(lim.Acquire(ctx, "c1"), context.DeadlineExceeded)
}

func TestPrune(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lim := NewLimiter("test", 2, 1, 0)
	lim.Now = func() time.Time { return now }

	assert.NoError(lim.Acquire(ctx, "busy"))
	assert.NoError(lim.Acquire(ctx, "busy"))
	assert.NoError(lim.Acquire(ctx, "idle"))
	assert.Equal(2, lim.Len())

	// "idle" needs 1s to refill, "busy" needs 2s
	assert.Equal(1, lim.Prune(now.Add(1500*time.Millisecond)))
	assert.Equal(1, lim.Len())
	assert.Equal(1, lim.Prune(now.Add(3*time.Second)))
	assert.Equal(0, lim.Len())
}

func TestLimitsChannelAndUser(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	ls := &Limits{
		Channel: NewLimiter("channel", 5, 0.01, 0),
		User:    NewLimiter("user", 1, 0.01, 0),
	}
	assert.NoError(ls.Acquire(ctx, "c1", "u1"))
	assert.ErrorIs(ls.Acquire(ctx, "c1", "u1"), ErrRateLimited)
	assert.NoError(ls.Acquire(ctx, "c1", "u2"))
	// no user bucket for notifications
	assert.NoError(ls.Acquire(ctx, "c1", ""))
}

func TestLimitsRefusalConsumesNothing(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// a throttled user does not drain the channel
	ls := &Limits{
		Channel: NewLimiter("channel", 2, 0.01, 0),
		User:    NewLimiter("user", 1, 0.01, 0),
	}
	assert.NoError(ls.Acquire(ctx, "c1", "u1"))
	for i := 0; i < 5; i++ {
		assert.ErrorIs(ls.Acquire(ctx, "c1", "u1"), ErrRateLimited)
	}
	assert.NoError(ls.Acquire(ctx, "c1", "u2"))
	assert.ErrorIs(ls.Acquire(ctx, "c1", "u3"), ErrRateLimited)

	// and a throttled channel does not drain the user
	ls = &Limits{
		Channel: NewLimiter("channel", 1, 0.01, 0),
		User:    NewLimiter("user", 2, 0.01, 0),
	}
	assert.NoError(ls.Acquire(ctx, "c1", "u1"))
	for i := 0; i < 5; i++ {
		assert.ErrorIs(ls.Acquire(ctx, "c1", "u1"), ErrRateLimited)
	}
	assert.NoError(ls.Acquire(ctx, "c2", "u1"))
	assert.ErrorIs(ls.Acquire(ctx, "c3", "u1"), ErrRateLimited)
}

func TestLimitsCancelReturnsBothTokens(t *testing.T) {
	assert := assert.New(t)

	ls := &Limits{
		Channel: NewLimiter("channel", 1, 0.5, 5*time.Second),
		User:    NewLimiter("user", 2, 0.01, 5*time.Second),
	}
	assert.NoError(ls.Acquire(context.Background(), "c1", "u1"))

	// the channel token is 2s away; giving up returns the user token booked alongside it
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(ls.Acquire(ctx, "c1", "u1"), context.DeadlineExceeded)
	assert.NoError(ls.Acquire(context.Background(), "c2", "u1"))
}
