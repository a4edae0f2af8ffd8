package storage

import (
	"context"
	"sync"

	"odwatch/internal/core"
)

// MemoryStore keeps vote counters in process memory. A single mutex makes
// every Transact atomic; counters do not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]core.VoteCounter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]core.VoteCounter)}
}

// Seed stores c under key, replacing any existing counter.
func (s *MemoryStore) Seed(key string, c core.VoteCounter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] = c
}

func (s *MemoryStore) Get(_ context.Context, key string) (core.VoteCounter, error) {
	if key == "" {
		return core.VoteCounter{}, core.ErrEmptyRecordKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key], nil
}

func (s *MemoryStore) Transact(ctx context.Context, key string, fn func(current core.VoteCounter) (core.VoteCounter, error)) (core.VoteCounter, error) {
	if key == "" {
		return core.VoteCounter{}, core.ErrEmptyRecordKey
	}
	if err := ctx.Err(); err != nil {
		return core.VoteCounter{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.counters[key]
	next, err := fn(current)
	if err != nil {
		return core.VoteCounter{}, err
	}
	if err := checkMonotonic(current, next); err != nil {
		return core.VoteCounter{}, err
	}
	if current.Exists() {
		next.CreatedAt = current.CreatedAt
	}
	s.counters[key] = next
	return next, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
