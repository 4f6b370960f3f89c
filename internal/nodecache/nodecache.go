// Package nodecache implements the Node Address Cache: a
// path -> current record address map with LRU-bounded size, per-entry idle
// expiry, ancestor lookup, and tombstone-based invalidation.
//
// The bounded recency structure is github.com/hashicorp/golang-lru; the
// idle-timeout half of the contract, which a plain LRU has no notion of,
// is layered on top with per-entry time.AfterFunc timers.
package nodecache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"hieradb/internal/model"
)

// DefaultIdleTimeout is how long an entry survives without being looked up
// or refreshed before it is evicted.
const DefaultIdleTimeout = 30 * time.Second

// DefaultCapacity bounds the number of live path entries kept resident.
const DefaultCapacity = 1_000_000

type entry struct {
	address model.RecordAddress
	deleted bool // tombstone: find() reports a miss, but the slot is held
	timer   *time.Timer
}

// Cache is the path -> address cache. One instance per open database;
// never a package-level singleton.
type Cache struct {
	mu          sync.Mutex
	lru         *lru.Cache
	idleTimeout time.Duration
}

// New creates a cache with the given capacity and idle timeout.
func New(capacity int, idleTimeout time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	l, _ := lru.New(capacity) // error only for capacity<=0, guarded above
	return &Cache{lru: l, idleTimeout: idleTimeout}
}

// Find returns the cached address for path, refreshing its idle expiry on a
// hit. Never returns a removed (tombstoned) entry.
func (c *Cache) Find(path model.Path) (model.RecordAddress, bool) {
	if path.IsRoot() {
		return model.RecordAddress{}, false // root is never cached
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(path)
	if !ok {
		return model.RecordAddress{}, false
	}
	e := v.(*entry)
	if e.deleted {
		return model.RecordAddress{}, false
	}
	c.resetTimer(path, e)
	return e.address, true
}

// Update inserts or replaces the cached entry for path, overwriting any
// prior tombstone -- an explicit write always wins over a stale delete
// marker.
func (c *Cache) Update(path model.Path, addr model.RecordAddress) {
	if path.IsRoot() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(path, &entry{address: addr})
}

// Invalidate drops path and every cached descendant. When markAsDeleted,
// path itself is replaced with a tombstone that Find treats as a miss,
// guarding against a racing read re-populating it with stale data; plain
// invalidation (markAsDeleted=false, e.g. on a relocation) just removes the
// entries so the next locate() re-resolves them from the parent chain.
//
// The descendant filter is "exact path match OR cached path is a proper
// descendant of the requested path" (the
// reference implementation's cachedPath===cachedPath comparison was a
// tautology).
func (c *Cache) Invalidate(path model.Path, markAsDeleted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.lru.Keys() {
		p := k.(model.Path)
		if p == path || p.IsDescendantOf(path) {
			if e, ok := c.lru.Peek(k); ok {
				if t := e.(*entry).timer; t != nil {
					t.Stop()
				}
			}
			c.lru.Remove(k)
		}
	}
	if markAsDeleted && !path.IsRoot() {
		c.setLocked(path, &entry{deleted: true})
	}
}

// FindAncestor walks up parent paths from path until a cached (non-
// tombstone) entry is found, returning that ancestor's path and address.
// Used to shortcut locate().
func (c *Cache) FindAncestor(path model.Path) (model.Path, model.RecordAddress, bool) {
	for p := path.Parent(); ; p = p.Parent() {
		if addr, ok := c.Find(p); ok {
			return p, addr, true
		}
		if p.IsRoot() {
			return "", model.RecordAddress{}, false
		}
	}
}

func (c *Cache) setLocked(path model.Path, e *entry) {
	if old, ok := c.lru.Peek(path); ok {
		if t := old.(*entry).timer; t != nil {
			t.Stop()
		}
	}
	c.lru.Add(path, e)
	c.resetTimer(path, e)
}

func (c *Cache) resetTimer(path model.Path, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(c.idleTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if v, ok := c.lru.Peek(path); ok && v.(*entry) == e {
			c.lru.Remove(path)
		}
	})
}

// Len reports the number of entries currently resident (including
// tombstones), for test instrumentation.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
