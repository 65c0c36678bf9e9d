package relay

import (
	"fmt"
	"sync"

	"meshpay/protocol"
	"meshpay/storage"
)

// responseCacheMemLimit caps how many replies the in-memory mirror
// holds. The store keeps the full history; memory only fronts the hot
// tail, evicted oldest-insertion first.
const responseCacheMemLimit = 4096

// responseCache holds the encoded response for every fully processed
// request, keyed by (operator, request id, kind). Re-delivery of an
// already-answered request is served from here without touching the
// wallet engine; that single property is what keeps a retried
// submission from broadcasting twice. Entries are persisted so dedup
// survives a relay restart.
type responseCache struct {
	mu    sync.Mutex
	mem   map[string][]byte
	order []string
	store storage.Database
}

func cacheKey(operator, requestID string, kind protocol.Kind) string {
	return fmt.Sprintf("cache/%s/%s/%02x", operator, requestID, uint8(kind))
}

func newResponseCache(store storage.Database) *responseCache {
	return &responseCache{
		mem:   make(map[string][]byte),
		store: store,
	}
}

// Get returns the cached encoded response for a request, if present.
func (c *responseCache) Get(operator, requestID string, kind protocol.Kind) ([]byte, bool) {
	key := cacheKey(operator, requestID, kind)
	c.mu.Lock()
	raw, ok := c.mem[key]
	c.mu.Unlock()
	if ok {
		return raw, true
	}
	raw, err := c.store.Get([]byte(key))
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	c.remember(key, raw)
	c.mu.Unlock()
	return raw, true
}

// Put records the reply for a processed request and returns the
// canonical bytes. The first write wins: once a reply exists for
// (operator, request id, kind) nothing can displace it, so a late or
// racing execution can never overwrite the answer duplicates converge
// on. Callers must send the returned bytes, not their own.
func (c *responseCache) Put(operator, requestID string, kind protocol.Kind, raw []byte) []byte {
	key := cacheKey(operator, requestID, kind)
	c.mu.Lock()
	if existing, ok := c.mem[key]; ok {
		c.mu.Unlock()
		return existing
	}
	c.mu.Unlock()

	if existing, err := c.store.Get([]byte(key)); err == nil {
		c.mu.Lock()
		c.remember(key, existing)
		c.mu.Unlock()
		return existing
	}

	c.mu.Lock()
	c.remember(key, raw)
	c.mu.Unlock()
	_ = c.store.Put([]byte(key), raw)
	return raw
}

// remember inserts into the memory mirror, evicting the oldest entry
// past the cap. Caller holds the lock.
func (c *responseCache) remember(key string, raw []byte) {
	if _, ok := c.mem[key]; !ok {
		c.order = append(c.order, key)
		if len(c.order) > responseCacheMemLimit {
			evict := c.order[0]
			c.order = c.order[1:]
			delete(c.mem, evict)
		}
	}
	c.mem[key] = raw
}
