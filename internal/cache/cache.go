package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is an explicit TTL cache, independent of storage medium. A
// value past its TTL may still be returned with fresh=false until the
// backend evicts it; callers decide whether stale is acceptable.
// Cache failures are never fatal to callers: a broken backend behaves
// like a miss.
type Cache interface {
	// Get returns the cached value, whether it is within its TTL, and
	// whether it was present at all.
	Get(ctx context.Context, key string) (value []byte, fresh bool, ok bool)

	// Set stores a value with the given freshness TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Invalidate removes a key.
	Invalidate(ctx context.Context, key string)

	// Close releases backend resources.
	Close() error
}

// staleFactor controls how long a stale value is retained past its
// freshness deadline before hard eviction.
const staleFactor = 4

type memoryEntry struct {
	value      []byte
	freshUntil time.Time
	evictAt    time.Time
}

// Memory is an in-process Cache backed by a map.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	stop    chan struct{}
	once    sync.Once
}

// NewMemory creates a memory cache and starts its eviction sweep.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.mu.Lock()
			for k, e := range m.entries {
				if now.After(e.evictAt) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

// Get returns the value for key. Expired-but-unevicted entries come
// back with fresh=false.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, false
	}
	now := time.Now()
	if now.After(e.evictAt) {
		delete(m.entries, key)
		return nil, false, false
	}
	return e.value, now.Before(e.freshUntil), true
}

// Set stores value under key for ttl.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := time.Now()
	m.mu.Lock()
	m.entries[key] = memoryEntry{
		value:      value,
		freshUntil: now.Add(ttl),
		evictAt:    now.Add(ttl * staleFactor),
	}
	m.mu.Unlock()
}

// Invalidate removes key.
func (m *Memory) Invalidate(_ context.Context, key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Close stops the eviction sweep.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}
