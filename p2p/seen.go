package p2p

import "sync"

// SeenCache is a bounded set of recently observed content hashes used to
// deduplicate gossip. When the window is full the oldest entry is evicted, so
// an object can be re-learned after it ages out; that is harmless because
// registry application is idempotent.
type SeenCache struct {
	mu       sync.Mutex
	capacity int
	ring     [][32]byte
	next     int
	full     bool
	seen     map[[32]byte]struct{}
}

// NewSeenCache creates a cache remembering up to capacity hashes.
func NewSeenCache(capacity int) *SeenCache {
	if capacity < 1 {
		capacity = 1
	}
	return &SeenCache{
		capacity: capacity,
		ring:     make([][32]byte, capacity),
		seen:     make(map[[32]byte]struct{}, capacity),
	}
}

// Observe records the hash and reports whether it was newly observed.
// Duplicates within the window return false.
func (c *SeenCache) Observe(hash [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.seen[hash]; dup {
		return false
	}
	if c.full {
		delete(c.seen, c.ring[c.next])
	}
	c.ring[c.next] = hash
	c.seen[hash] = struct{}{}
	c.next++
	if c.next == c.capacity {
		c.next = 0
		c.full = true
	}
	return true
}

// Contains reports whether the hash is inside the current window.
func (c *SeenCache) Contains(hash [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[hash]
	return ok
}

// Len returns the number of hashes currently tracked.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
