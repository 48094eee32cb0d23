package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	details   Details
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryDetailsStore keeps details in a map. Entries expire after ttl when
// ttl is positive; a background routine sweeps expired entries.
type MemoryDetailsStore struct {
	mu              sync.RWMutex
	items           map[string]memoryEntry
	ttl             time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// NewMemoryDetailsStore creates an in-memory store.
// If cleanupInterval is not positive, 5 minutes is used.
func NewMemoryDetailsStore(ttl, cleanupInterval time.Duration) *MemoryDetailsStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	s := &MemoryDetailsStore{
		items:           make(map[string]memoryEntry),
		ttl:             ttl,
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}

	go s.cleanupExpired()

	return s
}

func (s *MemoryDetailsStore) Get(_ context.Context, uri string) (Details, bool, error) {
	s.mu.RLock()
	entry, ok := s.items[uri]
	s.mu.RUnlock()

	if !ok {
		return Details{}, false, nil
	}

	now := time.Now()
	if entry.expired(now) {
		s.mu.Lock()
		if e, exists := s.items[uri]; exists && e.expired(now) {
			delete(s.items, uri)
		}
		s.mu.Unlock()
		return Details{}, false, nil
	}

	return entry.details, true, nil
}

func (s *MemoryDetailsStore) Set(_ context.Context, uri string, d Details) error {
	entry := memoryEntry{details: d}
	if s.ttl > 0 {
		entry.expiresAt = time.Now().Add(s.ttl)
	}

	s.mu.Lock()
	s.items[uri] = entry
	s.mu.Unlock()

	return nil
}

func (s *MemoryDetailsStore) Delete(_ context.Context, uri string) error {
	s.mu.Lock()
	delete(s.items, uri)
	s.mu.Unlock()
	return nil
}

func (s *MemoryDetailsStore) cleanupExpired() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, v := range s.items {
				if v.expired(now) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (s *MemoryDetailsStore) Close() error {
	s.cleanupOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryDetailsStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
