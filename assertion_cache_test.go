package idmflow

import (
	"testing"
	"time"

	"github.com/idmflow/idmflow/token"
)

func TestAssertionCacheRoundTrip(t *testing.T) {
	c := newAssertionCache()
	now := time.Now()
	c.put("k", token.Token{Name: "client_assertion", Value: "jwt", Expiry: now.Add(time.Hour)})

	got, ok := c.get("k", now)
	if !ok || got.Value != "jwt" {
		t.Fatalf("get = %+v, %v", got, ok)
	}
	if _, ok := c.get("other", now); ok {
		t.Fatal("unknown key hit")
	}
}

func TestAssertionCacheDropsExpiredOnRead(t *testing.T) {
	c := newAssertionCache()
	now := time.Now()
	c.put("k", token.Token{Value: "jwt", Expiry: now.Add(-time.Minute)})

	if _, ok := c.get("k", now); ok {
		t.Fatal("expired assertion served")
	}
	// The entry is gone, not just filtered.
	c.mu.Lock()
	_, present := c.entries["k"]
	c.mu.Unlock()
	if present {
		t.Fatal("expired entry not evicted")
	}
}

func TestAssertionCacheReturnsClones(t *testing.T) {
	c := newAssertionCache()
	now := time.Now()
	c.put("k", token.Token{Value: "jwt", Scopes: []string{"a"}, Expiry: now.Add(time.Hour)})

	got, _ := c.get("k", now)
	got.Scopes[0] = "mutated"

	again, _ := c.get("k", now)
	if again.Scopes[0] != "a" {
		t.Fatal("caller mutation leaked into the cache")
	}
}

func TestAssertionCacheClear(t *testing.T) {
	c := newAssertionCache()
	now := time.Now()
	c.put("k", token.Token{Value: "jwt", Expiry: now.Add(time.Hour)})
	c.clear("k")
	if _, ok := c.get("k", now); ok {
		t.Fatal("cleared assertion served")
	}
	c.clear("k") // clearing an absent key is a no-op
}
