// Per-key mutual exclusion with strict arrival ordering.
//
// A Locker hands out exclusive ownership of a string key. Callers for the same key are granted
// ownership in the order they called Lock; callers for different keys proceed in parallel. Keys are
// spread over shards (murmur3 hash) so that bookkeeping for unrelated keys does not contend on one mutex.
package keyed

import (
	"context"
	"sync"

	"github.com/spaolacci/murmur3"
)

const DefaultShards = 64

type Locker struct {
	shards []*shard
}

type shard struct {
	mu sync.Mutex
	// head of each queue is the current owner; entries behind it are waiters in arrival order
	queues map[string][]chan struct{}
}

func NewLocker(shards int) *Locker {
	if shards <= 0 {
		shards = DefaultShards
	}
	l := &Locker{
		shards: make([]*shard, shards),
	}
	for i := range l.shards {
		l.shards[i] = &shard{queues: make(map[string][]chan struct{})}
	}
	return l
}

func (l *Locker) shardFor(key string) *shard {
	return l.shards[murmur3.Sum32([]byte(key))%uint32(len(l.shards))]
}

// Lock blocks until the caller owns key, and returns the function which releases it.
func (l *Locker) Lock(key string) func() {
	unlock, _ := l.LockContext(context.Background(), key)
	return unlock
}

// LockContext is like Lock, but gives up (returning ctx.Err()) if the context is done before ownership
// is granted. The returned release function is nil on error.
func (l *Locker) LockContext(ctx context.Context, key string) (func(), error) {
	s := l.shardFor(key)
	ticket := make(chan struct{})

	s.mu.Lock()
	q := s.queues[key]
	s.queues[key] = append(q, ticket)
	owner := len(q) == 0
	s.mu.Unlock()

	release := func() { s.release(key) }
	if owner {
		return release, nil
	}

	select {
	case <-ticket:
		return release, nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-ticket:
		// ownership was granted concurrently with cancellation; pass it on
		s.releaseLocked(key)
	default:
		s.removeLocked(key, ticket)
	}
	return nil, ctx.Err()
}

// Waiting returns the number of callers queued behind the current owner of key.
func (l *Locker) Waiting(key string) int {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[key]
	if len(q) == 0 {
		return 0
	}
	return len(q) - 1
}

func (s *shard) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(key)
}

func (s *shard) releaseLocked(key string) {
	q := s.queues[key]
	if len(q) == 0 {
		panic("keyed: release of unlocked key")
	}
	q = q[1:]
	if len(q) == 0 {
		delete(s.queues, key)
		return
	}
	s.queues[key] = q
	close(q[0])
}

func (s *shard) removeLocked(key string, ticket chan struct{}) {
	q := s.queues[key]
	for i, t := range q {
		if t == ticket {
			s.queues[key] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}
