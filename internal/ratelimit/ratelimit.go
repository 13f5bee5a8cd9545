// Package ratelimit bounds request throughput per caller (webhook token or
// remote IP) using a token bucket per key.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxKeys caps the limiter map so unauthenticated floods cannot exhaust
// memory; the least recently seen key is evicted at capacity.
const maxKeys = 10000

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter manages one token bucket per caller identity.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
}

func New(perSec float64, burst int) *KeyedLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &KeyedLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(perSec),
		burst:    burst,
	}
}

// Allow reports whether a request from key may proceed now.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.get(key).Allow()
}

func (k *KeyedLimiter) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.limiters[key]
	if ok {
		e.lastSeen = time.Now()
		return e.limiter
	}

	if len(k.limiters) >= maxKeys {
		var oldestKey string
		var oldestSeen time.Time
		for key, e := range k.limiters {
			if oldestKey == "" || e.lastSeen.Before(oldestSeen) {
				oldestKey = key
				oldestSeen = e.lastSeen
			}
		}
		if oldestKey != "" {
			delete(k.limiters, oldestKey)
		}
	}

	limiter := rate.NewLimiter(k.rate, k.burst)
	k.limiters[key] = &entry{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

// Cleanup drops limiters idle longer than maxAge and returns how many were
// removed.
func (k *KeyedLimiter) Cleanup(maxAge time.Duration) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range k.limiters {
		if now.Sub(e.lastSeen) > maxAge {
			delete(k.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the current number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
