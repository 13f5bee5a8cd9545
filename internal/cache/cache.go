// Package cache provides the in-memory, TTL-based rule cache: per-user rule
// sets, firm metadata, and short-lived compliance results, each in its own
// capacity-bounded tier.
package cache

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
	hits      int64
}

// Tier is one TTL cache tier. Entries expire at a fixed TTL and the
// oldest-created entry is evicted when the tier is full.
type Tier[T any] struct {
	mu       sync.RWMutex
	entries  map[string]*entry[T]
	capacity int
	ttl      time.Duration

	hits   int64
	misses int64
}

func NewTier[T any](capacity int, ttl time.Duration) *Tier[T] {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Tier[T]{
		entries:  make(map[string]*entry[T]),
		capacity: capacity,
		ttl:      ttl,
	}
}

func (t *Tier[T]) Get(key string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	e, ok := t.entries[key]
	if !ok {
		t.misses++
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		delete(t.entries, key)
		t.misses++
		return zero, false
	}
	e.hits++
	t.hits++
	return e.value, true
}

func (t *Tier[T]) Set(key string, value T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[key]; !exists && len(t.entries) >= t.capacity {
		t.evictOldestLocked()
	}
	now := time.Now()
	t.entries[key] = &entry[T]{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(t.ttl),
	}
}

func (t *Tier[T]) Invalidate(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// Sweep removes expired entries and returns how many were dropped.
func (t *Tier[T]) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range t.entries {
		if now.After(e.expiresAt) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

func (t *Tier[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Stats returns cumulative hit and miss counts.
func (t *Tier[T]) Stats() (hits, misses int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hits, t.misses
}

func (t *Tier[T]) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, e := range t.entries {
		if oldestKey == "" || e.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.createdAt
		}
	}
	if oldestKey != "" {
		delete(t.entries, oldestKey)
	}
}
