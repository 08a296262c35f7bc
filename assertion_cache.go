package idmflow

import (
	"sync"
	"time"

	"github.com/idmflow/idmflow/token"
)

// assertionCache holds client assertions keyed by token endpoint plus
// storage key. Shared by every flow of an engine and safe for
// concurrent use; expired entries are dropped on read.
type assertionCache struct {
	mu      sync.Mutex
	entries map[string]token.Token
}

func newAssertionCache() *assertionCache {
	return &assertionCache{entries: make(map[string]token.Token)}
}

func (c *assertionCache) get(key string, now time.Time) (token.Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[key]
	if !ok {
		return token.Token{}, false
	}
	if t.Expired(now) {
		delete(c.entries, key)
		return token.Token{}, false
	}
	return t.Clone(), true
}

func (c *assertionCache) put(key string, t token.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = t.Clone()
}

func (c *assertionCache) clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
