package pulseboard

import (
	"sync"
	"time"
)

// CacheEntry pairs a topic snapshot with the time it was stored.
type CacheEntry struct {
	Topic    string
	Snapshot *FlowSnapshot
	StoredAt time.Time
}

// snapshotCache is a time-bounded topic→snapshot map. It serves
// instant reads and seeds state before any network data arrives.
// Entries are only ever replaced, never proactively evicted: an entry
// past its TTL is stale, which signals the caller to refresh, not a
// reason to withhold the value (stale-while-revalidate).
//
// Merging partial events into a snapshot is the reconciler's job; the
// cache only stores whole snapshots.
type snapshotCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*CacheEntry
	now     func() time.Time // overridable in tests
}

func newSnapshotCache(ttl time.Duration) *snapshotCache {
	return &snapshotCache{
		ttl:     ttl,
		entries: make(map[string]*CacheEntry),
		now:     time.Now,
	}
}

// Get never blocks and returns whatever is stored, stale or not.
func (c *snapshotCache) Get(topic string) *CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[topic]
}

// Set always overwrites and restamps the entry.
func (c *snapshotCache) Set(topic string, snap *FlowSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[topic] = &CacheEntry{
		Topic:    topic,
		Snapshot: snap,
		StoredAt: c.now(),
	}
}

// IsFresh reports whether the entry exists and is younger than the TTL.
func (c *snapshotCache) IsFresh(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[topic]
	if !ok {
		return false
	}
	return c.now().Sub(entry.StoredAt) < c.ttl
}

func (c *snapshotCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*CacheEntry)
}

// Stats returns the entry count and the most recent store time.
func (c *snapshotCache) Stats() (size int, lastUpdate time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	size = len(c.entries)
	for _, e := range c.entries {
		if e.StoredAt.After(lastUpdate) {
			lastUpdate = e.StoredAt
		}
	}
	return size, lastUpdate
}
