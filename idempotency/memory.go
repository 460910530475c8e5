package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often MemoryStore drops expired keys.
const DefaultCleanupInterval = time.Minute

// MemoryStore implements Store in process memory.
//
// Claims are lost on restart and are not shared between processes; use
// RedisStore for that.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	ttl     time.Duration
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryStore creates a store whose claims expire after ttl.
// A background goroutine drops expired keys; call Close to stop it.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return newMemoryStore(ttl, DefaultCleanupInterval)
}

func newMemoryStore(ttl, interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go s.cleanup(interval)
	return s
}

// Claim records key unless it is already claimed and unexpired.
func (s *MemoryStore) Claim(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, ok := s.entries[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.entries[key] = now.Add(s.ttl)
	return true, nil
}

// Release forgets key.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of keys held, including expired keys not yet
// cleaned up.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *MemoryStore) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, key)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
