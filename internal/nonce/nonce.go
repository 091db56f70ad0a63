// Package nonce provides the replay-prevention store for the device
// signature scheme: a set-once-with-TTL keyed by nonce. Backed by a
// shared Redis in production so the guarantee holds across instances;
// the in-memory store exists for dev mode and tests.
package nonce

import (
	"context"
	"sync"
	"time"
)

type Store interface {
	// IsUsed reports whether the nonce has been seen within its TTL.
	IsUsed(ctx context.Context, nonce string) (bool, error)
	// MarkUsed records the nonce atomically (set-if-absent). It returns
	// false when the nonce was already present, which callers must treat
	// as a replay: the atomic form closes the race left open by a
	// separate IsUsed check.
	MarkUsed(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryStore) IsUsed(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	_, ok := s.entries[nonce]
	return ok, nil
}

func (s *MemoryStore) MarkUsed(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	if _, ok := s.entries[nonce]; ok {
		return false, nil
	}
	s.entries[nonce] = s.now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) prune() {
	now := s.now()
	for nonce, expiry := range s.entries {
		if now.After(expiry) {
			delete(s.entries, nonce)
		}
	}
}
