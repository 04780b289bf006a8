package cache

import (
	"sync"

	"github.com/yarkm13/skiff/internal/paths"
)

// Cache maps a directory's absolute path to its most recent listing.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*AttributedList
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*AttributedList)}
}

// Get returns the cached listing of dir, or nil.
func (c *Cache) Get(dir *paths.Path) *AttributedList {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[dir.Absolute()]
}

// Contains reports whether a listing of dir is cached.
func (c *Cache) Contains(dir *paths.Path) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[dir.Absolute()]
	return ok
}

// IsValid reports whether a cached listing exists and is not dirty.
func (c *Cache) IsValid(dir *paths.Path) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.entries[dir.Absolute()]
	return ok && !l.attrs.Dirty()
}

// Put stores list for dir, replacing any previous listing.
func (c *Cache) Put(dir *paths.Path, list *AttributedList) {
	c.mu.Lock()
	c.entries[dir.Absolute()] = list
	c.mu.Unlock()
}

// Remove evicts the listing of dir.
func (c *Cache) Remove(dir *paths.Path) {
	c.mu.Lock()
	delete(c.entries, dir.Absolute())
	c.mu.Unlock()
}

// Invalidate marks the listing of dir dirty so the next read re-fetches it.
func (c *Cache) Invalidate(dir *paths.Path) {
	c.mu.Lock()
	if l, ok := c.entries[dir.Absolute()]; ok {
		l.attrs.SetDirty(true)
	}
	c.mu.Unlock()
}

// Len returns the number of cached listings.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every listing.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*AttributedList)
	c.mu.Unlock()
}
