package chain

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// readCache is a short-lived cache for view call results. A zero TTL
// disables caching entirely.
type readCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	out     []interface{}
	expires time.Time
}

func newReadCache(ttl time.Duration) *readCache {
	return &readCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *readCache) get(key string) ([]interface{}, bool) {
	if c.ttl == 0 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.out, true
}

func (c *readCache) put(key string, out []interface{}) {
	if c.ttl == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{out: out, expires: time.Now().Add(c.ttl)}
}

func (c *readCache) drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// cacheKeyFor builds a stable key from contract, method and arguments
func cacheKeyFor(contract common.Address, method string, args ...interface{}) string {
	var b strings.Builder
	b.WriteString(contract.Hex())
	b.WriteByte('/')
	b.WriteString(method)
	for _, a := range args {
		b.WriteByte('/')
		fmt.Fprintf(&b, "%v", a)
	}
	return b.String()
}
