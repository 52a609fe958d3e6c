package session

import (
	"sort"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/compositor"
)

// contentKey records the overlay content a composited pair was built from.
type contentKey map[compositor.Kind]string

func contentKeyOf(overlays []compositor.Overlay) contentKey {
	key := make(contentKey, len(overlays))
	for _, o := range overlays {
		key[o.Kind] = o.Digest
	}
	return key
}

type cacheEntry struct {
	pair    asset.Pair
	content contentKey
}

// Cache maps overlay signatures to composited pairs. It is owned by one
// orchestrator goroutine and is not safe for concurrent use. Every pair it
// drops has its files deleted.
type Cache struct {
	entries map[string]cacheEntry
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Get returns the pair cached under signature if its files still exist.
// Entries whose files have disappeared are dropped.
func (c *Cache) Get(signature string) (asset.Pair, bool) {
	e, ok := c.entries[signature]
	if !ok {
		return asset.Pair{}, false
	}
	if err := e.pair.Validate(); err != nil {
		c.drop(signature)
		return asset.Pair{}, false
	}
	return e.pair, true
}

// Put stores pair under signature, replacing and deleting any previous pair.
func (c *Cache) Put(signature string, pair asset.Pair, content contentKey) {
	if old, ok := c.entries[signature]; ok && old.pair != pair {
		_ = old.pair.Remove()
	}
	c.entries[signature] = cacheEntry{pair: pair, content: content}
}

// Retain drops every entry for which keep returns false and returns the
// dropped signatures in sorted order.
func (c *Cache) Retain(keep func(contentKey) bool) []string {
	var dropped []string
	for sig, e := range c.entries {
		if !keep(e.content) {
			dropped = append(dropped, sig)
		}
	}
	sort.Strings(dropped)
	for _, sig := range dropped {
		c.drop(sig)
	}
	return dropped
}

// Purge drops every entry.
func (c *Cache) Purge() {
	for sig := range c.entries {
		c.drop(sig)
	}
}

// Len returns the number of cached pairs.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Owns reports whether pair is held by the cache.
func (c *Cache) Owns(pair asset.Pair) bool {
	for _, e := range c.entries {
		if e.pair.ImagePath == pair.ImagePath && e.pair.VideoPath == pair.VideoPath {
			return true
		}
	}
	return false
}

func (c *Cache) drop(signature string) {
	if e, ok := c.entries[signature]; ok {
		_ = e.pair.Remove()
		delete(c.entries, signature)
	}
}
