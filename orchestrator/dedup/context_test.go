package dedup

import (
	"context"
	"fmt"
	"testing"

	"github.com/driftline/crawlplane/orchestrator/store"
)

func TestContextEvictionDiscipline(t *testing.T) {
	// Cap 10: on overflow, evict FIFO to 8, draining URLs before titles
	// before hashes.
	c := NewContext("t1", 10)
	for i := 0; i < 4; i++ {
		c.Remember(fmt.Sprintf("url-%d", i), fmt.Sprintf("title-%d", i), fmt.Sprintf("hash-%d", i))
	}
	// 12 entries exceeded 10; after eviction the total is 8 and the
	// overflow came out of the URL set first.
	if got := c.Size(); got != 8 {
		t.Fatalf("size after eviction = %d, want 8", got)
	}
	if c.SeenURL("url-0") {
		t.Error("oldest url survived eviction")
	}
	if !c.SeenHash("hash-0") {
		t.Error("hash evicted while urls remained")
	}

	// Push far past cap: URLs drain entirely before titles go.
	for i := 4; i < 20; i++ {
		c.Remember(fmt.Sprintf("url-%d", i), "", fmt.Sprintf("hash-%d", i))
	}
	if c.Size() > 10 {
		t.Errorf("size %d exceeds cap 10", c.Size())
	}
	for i := 0; i < 20; i++ {
		if c.SeenHash(fmt.Sprintf("hash-%d", i)) {
			// At least the newest hashes must survive; the point here is
			// that hashes outlive urls of the same age.
			break
		}
		if i == 19 {
			t.Error("every hash evicted")
		}
	}
}

func TestContextRememberIsIdempotent(t *testing.T) {
	c := NewContext("t1", 100)
	c.Remember("u", "ti", "h")
	c.Remember("u", "ti", "h")
	if got := c.Size(); got != 3 {
		t.Errorf("size = %d after duplicate remember, want 3", got)
	}
}

func TestContextStorePersistAndRehydrate(t *testing.T) {
	cache := store.NewMemoryCache()
	keys := store.NewKeys("")
	ctx := context.Background()

	s := NewContextStore(cache, keys, 100, 0)
	c := s.Get(ctx, "t1")
	c.Remember("https://a.test/x", "Title", "abc123")
	c.CountVerdict(string(NoDuplicate))
	if err := s.Persist(ctx, "t1"); err != nil {
		t.Fatalf("persist: %v", err)
	}

	// A fresh store (new process) rehydrates from the cache snapshot.
	s2 := NewContextStore(cache, keys, 100, 0)
	c2 := s2.Get(ctx, "t1")
	if !c2.SeenURL("https://a.test/x") {
		t.Error("rehydrated context lost the url set")
	}
	if !c2.SeenHash("abc123") {
		t.Error("rehydrated context lost the hash set")
	}
}

func TestContextStoreRelease(t *testing.T) {
	cache := store.NewMemoryCache()
	keys := store.NewKeys("")
	ctx := context.Background()

	s := NewContextStore(cache, keys, 100, 0)
	c := s.Get(ctx, "t1")
	c.Remember("u", "", "")
	s.Release(ctx, "t1")

	if s.ActiveCount() != 0 {
		t.Errorf("active contexts = %d after release, want 0", s.ActiveCount())
	}
	// The final snapshot survives release.
	raw, err := cache.Get(ctx, keys.Context("t1"))
	if err != nil || raw == "" {
		t.Errorf("persisted snapshot missing after release: %q, %v", raw, err)
	}
}
