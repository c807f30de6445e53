package seenstore

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Claims are forgotten after the TTL, or when capacity is exceeded (oldest first).
type MemSeenStore struct {
	// guards the check-then-add in Claim
	mu   sync.Mutex
	Data *expirable.LRU[string, struct{}]
}

var _ SeenStore = (*MemSeenStore)(nil)

func NewMemSeenStore(capacity int, ttl time.Duration) *MemSeenStore {
	return &MemSeenStore{
		Data: expirable.NewLRU[string, struct{}](capacity, nil, ttl),
	}
}

func (s *MemSeenStore) Claim(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Data.Contains(id) {
		return false, nil
	}
	s.Data.Add(id, struct{}{})
	return true, nil
}

func (s *MemSeenStore) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Data.Remove(id)
	return nil
}
