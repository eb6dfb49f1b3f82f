package dispatch

import "sync"

// capsMaxEntries bounds the caps cache so a flood of distinct ver strings
// from misbehaving clients can't grow it without limit.
const capsMaxEntries = 4096

// capsCache remembers the disco#info feature set advertised under a caps
// hash ("node#ver", XEP-0115), so a presence carrying a previously-seen hash
// never needs a round-trip disco#info query before pkg/pubsub can decide
// whether the sender is +notify for avatar/nick/vcard4 (spec.md ยง4.10).
// A plain mutex-guarded map with simple get/put: callers do not hold any
// session lock around a miss, and concurrent misses for the same hash are
// not coalesced, so each one issues its own disco#info query.
type capsCache struct {
	mu      sync.Mutex
	entries map[string][]string
	order   []string // insertion order, for FIFO eviction once entries overflows
}

func newCapsCache() *capsCache {
	return &capsCache{entries: make(map[string][]string)}
}

// Get returns the cached feature list for hash, if any.
func (c *capsCache) Get(hash string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.entries[hash]
	return f, ok
}

// Put records features for hash, evicting the oldest entry if the cache is
// full.
func (c *capsCache) Put(hash string, features []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[hash]; !exists {
		if len(c.order) >= capsMaxEntries {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, hash)
	}
	c.entries[hash] = features
}
