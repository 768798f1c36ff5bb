package cache

import (
	"sync"
	"time"
)

// Memory is an in-memory cache with per-entry TTL and a size bound. When
// full, the oldest entry is evicted. Safe for concurrent use.
type Memory[K comparable, V any] struct {
	mu      sync.Mutex
	data    map[K]entry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
	createdAt time.Time
}

// NewMemory creates a cache. maxSize <= 0 means unbounded.
func NewMemory[K comparable, V any](defaultTTL time.Duration, maxSize int) *Memory[K, V] {
	return &Memory[K, V]{
		data:    make(map[K]entry[V]),
		ttl:     defaultTTL,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Set stores a value; ttl 0 uses the default
func (c *Memory[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && c.maxSize > 0 && len(c.data) >= c.maxSize {
		c.evictOldestLocked()
	}
	now := c.now()
	c.data[key] = entry[V]{value: value, expiresAt: now.Add(ttl), createdAt: now}
}

// Get returns a live value
func (c *Memory[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.data, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes a value
func (c *Memory[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included until
// they are read or cleaned up
func (c *Memory[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *Memory[K, V]) evictOldestLocked() {
	var (
		oldestKey  K
		oldestTime time.Time
		found      bool
	)
	for key, e := range c.data {
		if !found || e.createdAt.Before(oldestTime) {
			oldestKey, oldestTime, found = key, e.createdAt, true
		}
	}
	if found {
		delete(c.data, oldestKey)
	}
}

// CleanupExpired drops every expired entry and returns how many were removed
func (c *Memory[K, V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, key)
			removed++
		}
	}
	return removed
}

// StartCleanup runs CleanupExpired every interval until the returned stop
// function is called
func (c *Memory[K, V]) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.CleanupExpired()
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
