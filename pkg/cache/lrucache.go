package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// InMemoryLRUCache is a generic, thread-safe, in-memory IDCache with a fixed size
// and a Least Recently Used (LRU) eviction policy.
type InMemoryLRUCache[K comparable] struct {
	maxSize int

	mu    sync.Mutex
	ll    *list.List          // Used to track the order of keys (recency).
	cache map[K]*list.Element // Used for fast key lookups.
}

// NewInMemoryLRUCache creates a new size-limited, in-memory LRU cache.
// - maxSize: The maximum number of keys to store in the cache. Must be > 0.
func NewInMemoryLRUCache[K comparable](maxSize int) (*InMemoryLRUCache[K], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &InMemoryLRUCache[K]{
		maxSize: maxSize,
		ll:      list.New(),
		cache:   make(map[K]*list.Element),
	}, nil
}

// Contains checks the cache for key. A hit moves the key to the front of the
// recency list.
func (c *InMemoryLRUCache[K]) Contains(_ context.Context, key K) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cache[key]; ok {
		c.ll.MoveToFront(elem)
		return true, nil
	}
	return false, nil
}

// Add records key as the most recently used, evicting the least recently used
// key if the cache is full.
func (c *InMemoryLRUCache[K]) Add(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.ll.MoveToFront(elem)
		return nil
	}

	c.cache[key] = c.ll.PushFront(key)
	if c.ll.Len() > c.maxSize {
		c.evict()
	}
	return nil
}

// Len returns the number of cached keys.
func (c *InMemoryLRUCache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// evict removes the least recently used key from the cache.
// This method is unexported and must be called within a locked mutex.
func (c *InMemoryLRUCache[K]) evict() {
	elementToRemove := c.ll.Back()
	if elementToRemove != nil {
		keyToRemove := c.ll.Remove(elementToRemove).(K)
		delete(c.cache, keyToRemove)
	}
}

// Close is a no-op for the in-memory cache but satisfies the IDCache interface.
func (c *InMemoryLRUCache[K]) Close() error {
	return nil
}
