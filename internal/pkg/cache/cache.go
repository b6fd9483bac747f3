package cache

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/samber/lo"
)

type entry[V any] struct {
	value     V
	timestamp time.Time
}

// Cache is an in memory key/value store whose entries are judged stale by
// the reader. Nothing is swept in the background, expired entries are only
// removed when read.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	now     func() time.Time
}

func New[V any]() *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
}

// Get returns the value stored under key if it is no older than maxAge.
// An expired entry is deleted.
func (c *Cache[V]) Get(key string, maxAge time.Duration) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.now().Sub(e.timestamp) > maxAge {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, timestamp: c.now()}
}

// Clear removes the given keys, or everything when called without keys.
func (c *Cache[V]) Clear(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keys) == 0 {
		clear(c.entries)
		return
	}
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// Invalidate removes every key matched by pattern. The match is unanchored.
func (c *Cache[V]) Invalidate(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid cache pattern %q: %w", pattern, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	matched := lo.Filter(lo.Keys(c.entries), func(k string, _ int) bool {
		return re.MatchString(k)
	})
	for _, k := range matched {
		delete(c.entries, k)
	}
	return len(matched), nil
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
