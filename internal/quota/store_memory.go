package quota

import (
	"context"
	"sync"
)

// MemoryStore counts usage in process memory. Counters reset on restart.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int)}
}

func key(userID, model, day string) string {
	return userID + "\x00" + model + "\x00" + day
}

func (s *MemoryStore) Usage(ctx context.Context, userID, model, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key(userID, model, day)], nil
}

func (s *MemoryStore) Increment(ctx context.Context, userID, model, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(userID, model, day)
	s.counts[k]++
	return s.counts[k], nil
}
