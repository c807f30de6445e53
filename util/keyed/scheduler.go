package keyed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var workItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_scheduler_work_items_added_total",
	Help: "Total number of work items added to a keyed scheduler",
}, []string{"pool"})

var workItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_scheduler_work_items_processed_total",
	Help: "Total number of work items processed by a keyed scheduler",
}, []string{"pool"})

var workItemsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "steward_scheduler_work_items_dropped_total",
	Help: "Work items dropped because the caller gave up before a worker picked up their key",
}, []string{"pool"})

var workersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "steward_scheduler_workers_active",
	Help: "Number of workers currently running",
}, []string{"pool"})

// Scheduler runs work on a fixed number of workers. Work items with the same key run one at a time, in
// the order they were added; different keys run in parallel. A worker which picks up a key drains that
// key's queue before taking anything else.
type Scheduler struct {
	maxConcurrency int

	feeder chan *task
	out    chan struct{}
	// one slot per item added and not yet finished
	slots chan struct{}

	lk     sync.Mutex
	active map[string][]*task

	ident string
	log   *slog.Logger

	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsDropped   prometheus.Counter
}

type task struct {
	key  string
	fn   func()
	stop bool
}

// NewScheduler starts maxC workers. AddWork blocks once maxQ items are queued or running.
func NewScheduler(maxC, maxQ int, ident string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		maxConcurrency: maxC,
		feeder:         make(chan *task),
		out:            make(chan struct{}),
		slots:          make(chan struct{}, maxQ),
		active:         make(map[string][]*task),
		ident:          ident,
		log:            logger.With("system", "keyed-scheduler", "pool", ident),
		itemsAdded:     workItemsAdded.WithLabelValues(ident),
		itemsProcessed: workItemsProcessed.WithLabelValues(ident),
		itemsDropped:   workItemsDropped.WithLabelValues(ident),
	}
	for i := 0; i < maxC; i++ {
		go s.worker()
	}
	workersActive.WithLabelValues(ident).Set(float64(maxC))
	return s
}

// AddWork queues fn behind earlier work for key. If ctx ends before a worker takes the key, fn and any
// work queued behind it for the same key are dropped and ctx.Err() is returned.
func (s *Scheduler) AddWork(ctx context.Context, key string, fn func()) error {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.itemsAdded.Inc()
	t := &task{key: key, fn: fn}

	s.lk.Lock()
	if q, ok := s.active[key]; ok {
		s.active[key] = append(q, t)
		s.lk.Unlock()
		return nil
	}
	s.active[key] = []*task{}
	s.lk.Unlock()

	select {
	case s.feeder <- t:
		return nil
	case <-ctx.Done():
	}

	s.lk.Lock()
	dropped := s.active[key]
	delete(s.active, key)
	s.lk.Unlock()
	for i := 0; i <= len(dropped); i++ {
		<-s.slots
	}
	s.itemsDropped.Add(float64(len(dropped) + 1))
	s.log.Warn("dropped queued work", "key", key, "count", len(dropped)+1)
	return ctx.Err()
}

// Shutdown waits for all added work to finish and stops the workers. AddWork must not be called
// afterwards.
func (s *Scheduler) Shutdown() {
	s.log.Info("shutting down keyed scheduler")
	for i := 0; i < s.maxConcurrency; i++ {
		s.feeder <- &task{stop: true}
	}
	close(s.feeder)
	for i := 0; i < s.maxConcurrency; i++ {
		<-s.out
	}
	workersActive.WithLabelValues(s.ident).Set(0)
	s.log.Info("keyed scheduler shutdown complete")
}

func (s *Scheduler) worker() {
	for t := range s.feeder {
		for t != nil {
			if t.stop {
				s.out <- struct{}{}
				return
			}
			s.run(t)

			s.lk.Lock()
			rem, ok := s.active[t.key]
			if !ok {
				s.log.Error("should always have an 'active' entry if a worker is processing a key")
			}
			if len(rem) == 0 {
				delete(s.active, t.key)
				t = nil
			} else {
				t = rem[0]
				s.active[t.key] = rem[1:]
			}
			s.lk.Unlock()
		}
	}
}

func (s *Scheduler) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("work item panicked", "key", t.key, "err", r)
		}
		s.itemsProcessed.Inc()
		<-s.slots
	}()
	t.fn()
}
