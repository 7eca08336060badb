package store

import (
	"context"
	"sync"
	"time"
)

// WindowCount is a caller's fixed-window counter right after an increment.
type WindowCount struct {
	Count   int64
	ResetAt time.Time
}

type windowEntry struct {
	mu      sync.Mutex
	count   int64
	resetAt time.Time
	// deleted marks an entry removed by GC so a racing increment retries
	// against a fresh entry instead of counting into an orphan.
	deleted bool
}

// MemoryStore keeps inbound limiter windows and webhook delivery locks in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[string]*windowEntry

	lockMu     sync.Mutex
	dedupLocks map[string]time.Time
}

// NewMemoryStore creates a memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:    make(map[string]*windowEntry),
		dedupLocks: make(map[string]time.Time),
	}
}

// IncrementWindow counts one request for key. A window opens on the first
// request after the previous one expired and lasts for window.
func (s *MemoryStore) IncrementWindow(_ context.Context, key string, window time.Duration, now time.Time) (WindowCount, error) {
	for {
		entry := s.entry(key)

		entry.mu.Lock()
		if entry.deleted {
			entry.mu.Unlock()
			continue
		}
		if !now.Before(entry.resetAt) {
			entry.count = 0
			entry.resetAt = now.Add(window)
		}
		entry.count++
		result := WindowCount{Count: entry.count, ResetAt: entry.resetAt}
		entry.mu.Unlock()
		return result, nil
	}
}

func (s *MemoryStore) entry(key string) *windowEntry {
	s.mu.RLock()
	entry, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok = s.windows[key]
	if !ok {
		entry = &windowEntry{}
		s.windows[key] = entry
	}
	return entry
}

// AcquireDedupLock records key for ttl. It returns false while an earlier lock is live.
func (s *MemoryStore) AcquireDedupLock(_ context.Context, key string, ttl time.Duration, now time.Time) (bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return acquireLock(s.dedupLocks, key, ttl, now), nil
}

// ReleaseDedupLock drops key so a later delivery with the same id is processed again.
func (s *MemoryStore) ReleaseDedupLock(_ context.Context, key string) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	delete(s.dedupLocks, key)
	return nil
}

// GC deletes expired windows and locks.
func (s *MemoryStore) GC(now time.Time) {
	s.mu.Lock()
	for key, entry := range s.windows {
		entry.mu.Lock()
		if !now.Before(entry.resetAt) {
			entry.deleted = true
			delete(s.windows, key)
		}
		entry.mu.Unlock()
	}
	s.mu.Unlock()

	s.lockMu.Lock()
	trimExpiredLocks(s.dedupLocks, now)
	s.lockMu.Unlock()
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func acquireLock(lockMap map[string]time.Time, key string, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return true
	}
	expiry, exists := lockMap[key]
	if exists && now.Before(expiry) {
		return false
	}
	lockMap[key] = now.Add(ttl)
	return true
}

func trimExpiredLocks(lockMap map[string]time.Time, now time.Time) {
	for key, expiry := range lockMap {
		if !now.Before(expiry) {
			delete(lockMap, key)
		}
	}
}
