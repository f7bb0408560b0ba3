// Package useridcache implements the process-local, thread-safe name → id
// cache described in spec.md §4.4: entries never expire within a process
// lifetime (the underlying assignment is immutable), and concurrent misses
// for the same key coalesce into a single document-store transaction via
// the double-checked "peek, lock, re-check, fill" pattern of spec.md §9.
package useridcache

import (
	"context"
	"sync"

	"github.com/authgw/authgw/internal/keylock"
)

// Allocator resolves a name to a numeric id on a cache miss, typically by
// running a document-store transaction (store/docstore).
type Allocator interface {
	Allocate(ctx context.Context, name string) (int64, error)
}

// Cache maps names (usernames or group names) to numeric ids (uid or gid).
type Cache struct {
	alloc Allocator
	locks *keylock.Locker

	mu      sync.RWMutex
	entries map[string]int64
}

// New returns a Cache backed by alloc.
func New(alloc Allocator) *Cache {
	return &Cache{
		alloc:   alloc,
		locks:   keylock.New(),
		entries: make(map[string]int64),
	}
}

// Get returns the id for name, allocating it via the Allocator on first
// use. Concurrent Get calls for the same name coalesce into one
// Allocator.Allocate call.
func (c *Cache) Get(ctx context.Context, name string) (int64, error) {
	if id, ok := c.peek(name); ok {
		return id, nil
	}

	var id int64
	var err error
	lockErr := c.locks.With(name, func() error {
		// Re-check: another goroutine may have filled this while we
		// waited for the lock.
		if cached, ok := c.peek(name); ok {
			id = cached
			return nil
		}
		id, err = c.alloc.Allocate(ctx, name)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.entries[name] = id
		c.mu.Unlock()
		return nil
	})
	if lockErr != nil {
		return 0, lockErr
	}
	return id, err
}

func (c *Cache) peek(name string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.entries[name]
	return id, ok
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
