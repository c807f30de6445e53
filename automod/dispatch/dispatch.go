// Asynchronous execution of moderation actions.
//
// Actions are queued per user (per channel for actions without a user), and executed in submission order for each queue. Different queues are drained in parallel by a fixed pool of workers. Every action first takes tokens from the channel and user rate limit buckets, then calls the platform adapter with bounded retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stewardbot/steward/config"
	"github.com/stewardbot/steward/ratelimit"
)

var (
	// ErrQueueFull is returned by Submit under the reject-new overflow policy, or when too many users
	// have work pending.
	ErrQueueFull = errors.New("action queue full")
	ErrShutdown  = errors.New("dispatcher shut down")
)

type task struct {
	action    Action
	submitted time.Time
}

type Dispatcher struct {
	adapter ActionAdapter
	modLog  ModLog
	limits  *ratelimit.Limits
	cfg     config.DispatchConfig
	logger  *slog.Logger

	lk     sync.Mutex
	active map[string][]*task
	closed bool
	queued int

	ready   chan string
	drained chan struct{}
	once    sync.Once

	workCtx    context.Context
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
}

// NewDispatcher starts the worker pool. modLog may be nil.
func NewDispatcher(adapter ActionAdapter, modLog ModLog, limits *ratelimit.Limits, cfg config.DispatchConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		adapter:    adapter,
		modLog:     modLog,
		limits:     limits,
		cfg:        cfg,
		logger:     logger.With("component", "dispatch"),
		active:     make(map[string][]*task),
		ready:      make(chan string, cfg.MaxPendingUsers),
		drained:    make(chan struct{}),
		workCtx:    ctx,
		cancelWork: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit queues an action and returns without waiting for it.
func (d *Dispatcher) Submit(a Action) error {
	t := &task{action: a, submitted: time.Now()}
	key := a.queueKey()

	d.lk.Lock()
	defer d.lk.Unlock()
	if d.closed {
		return ErrShutdown
	}

	q, ok := d.active[key]
	if !ok {
		if len(d.active) >= d.cfg.MaxPendingUsers {
			actionsOverflow.WithLabelValues("max-users").Inc()
			return ErrQueueFull
		}
		d.active[key] = []*task{t}
		d.queued++
		queuedActions.Inc()
		actionsSubmitted.WithLabelValues(string(a.Kind)).Inc()
		// capacity equals MaxPendingUsers and each key is sent at most once while active
		d.ready <- key
		return nil
	}

	if len(q) >= d.cfg.QueueSize {
		switch d.cfg.Overflow {
		case config.OverflowDropOldest:
			dropped := q[0]
			q = q[1:]
			d.queued--
			queuedActions.Dec()
			actionsOverflow.WithLabelValues(string(config.OverflowDropOldest)).Inc()
			d.logger.Warn("action queue full, dropping oldest", "queue", key, "kind", dropped.action.Kind, "correlation", dropped.action.CorrelationID)
		default:
			actionsOverflow.WithLabelValues(string(config.OverflowRejectNew)).Inc()
			return ErrQueueFull
		}
	}
	d.active[key] = append(q, t)
	d.queued++
	queuedActions.Inc()
	actionsSubmitted.WithLabelValues(string(a.Kind)).Inc()
	return nil
}

// SubmitAll submits actions in order, stopping at the first error.
func (d *Dispatcher) SubmitAll(actions []Action) error {
	for _, a := range actions {
		if err := d.Submit(a); err != nil {
			return err
		}
	}
	return nil
}

// Queued is the number of actions not yet started.
func (d *Dispatcher) Queued() int {
	d.lk.Lock()
	defer d.lk.Unlock()
	return d.queued
}

// next pops the head of a queue. A queue stays in the active map while a worker owns it, and is
// removed once it is found empty.
func (d *Dispatcher) next(key string) *task {
	d.lk.Lock()
	defer d.lk.Unlock()
	q := d.active[key]
	if len(q) == 0 {
		delete(d.active, key)
		if d.closed && len(d.active) == 0 {
			d.once.Do(func() { close(d.drained) })
		}
		return nil
	}
	t := q[0]
	d.active[key] = q[1:]
	d.queued--
	queuedActions.Dec()
	return t
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.workCtx.Done():
			return
		case key := <-d.ready:
			for t := d.next(key); t != nil; t = d.next(key) {
				d.run(d.workCtx, t)
			}
		}
	}
}

func (d *Dispatcher) acquire(ctx context.Context, a *Action) error {
	var channelKey, userKey string
	if a.ChannelID != "" {
		channelKey = a.GuildID + "/" + a.ChannelID
	}
	if a.UserID != "" && a.Kind != KindNotify {
		userKey = a.GuildID + "/" + a.UserID
	}
	for {
		err := d.limits.Acquire(ctx, channelKey, userKey)
		if !errors.Is(err, ratelimit.ErrRateLimited) {
			return err
		}
		d.logger.Debug("action rate limited, waiting", "kind", a.Kind, "correlation", a.CorrelationID)
		timer := time.NewTimer(d.cfg.RateLimitedRetry.D())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) perform(ctx context.Context, a *Action) error {
	switch a.Kind {
	case KindDelete:
		return d.adapter.Delete(ctx, a.GuildID, a.ChannelID, a.MessageID, a.IdempotencyKey())
	case KindWarn, KindMute, KindBan, KindKick, KindUnsanction:
		return d.adapter.Sanction(ctx, a.GuildID, a.UserID, a.Kind, a.Duration, a.IdempotencyKey())
	case KindPurge:
		return d.adapter.Purge(ctx, a.GuildID, a.ChannelID, a.Count, a.IdempotencyKey())
	case KindNotify:
		return d.adapter.Notify(ctx, a.ChannelID, a.Text, a.IdempotencyKey())
	case KindLog:
		d.logger.Info("moderation log", "guild", a.GuildID, "user", a.UserID, "text", a.Text, "correlation", a.CorrelationID)
		if d.modLog == nil {
			return nil
		}
		return d.modLog.Post(ctx, a.Text, a.CorrelationID)
	default:
		return fmt.Errorf("%w: unknown action kind %q", ErrRejected, a.Kind)
	}
}

func (d *Dispatcher) run(ctx context.Context, t *task) {
	a := &t.action
	logger := d.logger.With("kind", a.Kind, "guild", a.GuildID, "user", a.UserID, "channel", a.ChannelID, "correlation", a.CorrelationID)
	start := time.Now()
	defer func() {
		actionDuration.WithLabelValues(string(a.Kind)).Observe(time.Since(t.submitted).Seconds())
	}()

	// log actions are not platform calls, and are not rate limited
	if a.Kind != KindLog {
		if err := d.acquire(ctx, a); err != nil {
			actionsDone.WithLabelValues(string(a.Kind), "abandoned").Inc()
			logger.Warn("action abandoned waiting for rate limit", "err", err)
			return
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialBackoff.D()
	bo.MaxInterval = d.cfg.MaxBackoff.D()
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			actionRetries.WithLabelValues(string(a.Kind)).Inc()
		}
		err := d.perform(ctx, a)
		if errors.Is(err, ErrRejected) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			logger.Warn("action attempt failed", "attempt", attempt, "err", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(d.cfg.MaxAttempts)))
	if err != nil {
		actionsDone.WithLabelValues(string(a.Kind), "failed").Inc()
		logger.Error("action failed, dropping", "attempts", attempt, "err", err, "elapsed", time.Since(start))
		return
	}
	actionsDone.WithLabelValues(string(a.Kind), "ok").Inc()
	logger.Debug("action done", "attempts", attempt)
}

// Shutdown stops accepting actions and waits for queued ones to finish, until ctx is done. Actions
// still queued or waiting for a retry at that point are abandoned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down dispatcher")
	d.lk.Lock()
	d.closed = true
	if len(d.active) == 0 {
		d.once.Do(func() { close(d.drained) })
	}
	d.lk.Unlock()

	var err error
	select {
	case <-d.drained:
	case <-ctx.Done():
		err = ctx.Err()
		d.logger.Warn("dispatcher shutdown deadline reached, abandoning queued actions", "queued", d.Queued())
	}
	d.cancelWork()
	d.wg.Wait()
	d.logger.Info("dispatcher shutdown complete")
	return err
}
