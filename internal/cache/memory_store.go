package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/textlane/api/sms-agent-relay/pkg/utils"
)

const sweepInterval = time.Minute

type memoryEntry struct {
	session    Session
	expiresAt  time.Time
	lastAccess time.Time
}

// InMemorySessionStore keeps sessions in a map with a sliding TTL and an
// optional entry cap. Reads refresh the TTL; when the cap is hit the least
// recently accessed entry is evicted. A background sweeper drops expired
// entries so idle keys do not pin memory for the full process lifetime.
type InMemorySessionStore struct {
	mu         sync.RWMutex
	entries    map[string]*memoryEntry
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
	stopOnce   sync.Once

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewInMemorySessionStore creates a memory-backed session store. A zero or
// negative maxEntries disables the cap; ttl must be positive.
func NewInMemorySessionStore(ttl time.Duration, maxEntries int) *InMemorySessionStore {
	s := &InMemorySessionStore{
		entries:    make(map[string]*memoryEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	utils.SafeGo(s.sweepLoop, nil)
	return s
}

// Get implements SessionStore. A hit refreshes the TTL and access time.
func (s *InMemorySessionStore) Get(_ context.Context, key string) (*Session, error) {
	now := utils.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		s.misses.Add(1)
		return nil, nil
	}
	if now.After(entry.expiresAt) {
		delete(s.entries, key)
		s.misses.Add(1)
		return nil, nil
	}

	entry.expiresAt = now.Add(s.ttl)
	entry.lastAccess = now
	s.hits.Add(1)

	session := entry.session
	return &session, nil
}

// Set implements SessionStore, evicting the least recently accessed entry
// when the cap is reached. Eviction scans linearly; it only runs on inserts
// past the cap, which stays rare at the configured sizes.
func (s *InMemorySessionStore) Set(_ context.Context, key string, session *Session) error {
	now := utils.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOldestLocked()
	}

	s.entries[key] = &memoryEntry{
		session:    *session,
		expiresAt:  now.Add(s.ttl),
		lastAccess: now,
	}
	return nil
}

// Delete implements SessionStore.
func (s *InMemorySessionStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Close stops the background sweeper.
func (s *InMemorySessionStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// Len reports the current number of live entries.
func (s *InMemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats reports cache effectiveness counters.
func (s *InMemorySessionStore) Stats() (hits, misses, evictions int64) {
	return s.hits.Load(), s.misses.Load(), s.evictions.Load()
}

func (s *InMemorySessionStore) evictOldestLocked() {
	var oldestKey string
	var oldestAccess time.Time
	for key, entry := range s.entries {
		if oldestKey == "" || entry.lastAccess.Before(oldestAccess) {
			oldestKey = key
			oldestAccess = entry.lastAccess
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
		s.evictions.Add(1)
	}
}

func (s *InMemorySessionStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *InMemorySessionStore) sweepExpired() {
	now := utils.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}
