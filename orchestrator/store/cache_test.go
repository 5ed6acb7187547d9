package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheSetNXAndRelease(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	ok, err := c.SetNX(ctx, "task:weibo:https://w.test/u/1", "task-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = (%v, %v), want (true, nil)", ok, err)
	}
	ok, _ = c.SetNX(ctx, "task:weibo:https://w.test/u/1", "task-b", time.Minute)
	if ok {
		t.Errorf("second SetNX succeeded, want claim held")
	}

	released, err := c.ReleaseOwned(ctx, "task:weibo:https://w.test/u/1", "task-b")
	if err != nil {
		t.Fatalf("ReleaseOwned: %v", err)
	}
	if released {
		t.Errorf("released claim owned by another task")
	}

	released, _ = c.ReleaseOwned(ctx, "task:weibo:https://w.test/u/1", "task-a")
	if !released {
		t.Errorf("owner could not release its own claim")
	}
	if val, _ := c.Get(ctx, "task:weibo:https://w.test/u/1"); val != "" {
		t.Errorf("claim still present after release: %q", val)
	}
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	if err := c.Set(ctx, "hb", "alive", 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if val, _ := c.Get(ctx, "hb"); val != "alive" {
		t.Fatalf("Get before expiry = %q", val)
	}

	time.Sleep(20 * time.Millisecond)
	if val, _ := c.Get(ctx, "hb"); val != "" {
		t.Errorf("Get after expiry = %q, want empty", val)
	}
	ok, _ := c.SetNX(ctx, "hb", "again", time.Minute)
	if !ok {
		t.Errorf("SetNX after expiry failed, expired key should be claimable")
	}
}

func TestMemoryCacheZSetOrdering(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	c.ZAdd(ctx, "q", "c", 300)
	c.ZAdd(ctx, "q", "a", 100)
	c.ZAdd(ctx, "q", "b", 200)

	if n, _ := c.ZCard(ctx, "q"); n != 3 {
		t.Fatalf("ZCard = %d, want 3", n)
	}

	want := []string{"a", "b", "c"}
	for _, w := range want {
		m, ok, err := c.ZPopMin(ctx, "q")
		if err != nil || !ok {
			t.Fatalf("ZPopMin = (%v, %v)", ok, err)
		}
		if m.Member != w {
			t.Errorf("popped %q, want %q", m.Member, w)
		}
	}
	if _, ok, _ := c.ZPopMin(ctx, "q"); ok {
		t.Errorf("pop from empty set returned a member")
	}
}

func TestMemoryCacheZRangeNegativeIndexes(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	c.ZAdd(ctx, "q", "a", 1)
	c.ZAdd(ctx, "q", "b", 2)
	c.ZAdd(ctx, "q", "c", 3)

	tail, err := c.ZRangeWithScores(ctx, "q", -1, -1)
	if err != nil {
		t.Fatalf("ZRangeWithScores: %v", err)
	}
	if len(tail) != 1 || tail[0].Member != "c" {
		t.Errorf("tail = %+v, want [c]", tail)
	}

	all, _ := c.ZRangeWithScores(ctx, "q", 0, -1)
	if len(all) != 3 || all[0].Member != "a" || all[2].Member != "c" {
		t.Errorf("full range = %+v", all)
	}
}

func TestMemoryCacheKeysGlob(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	c.Set(ctx, "task:weibo:https://w.test/u/1", "t1", 0)
	c.Set(ctx, "task:douyin:https://d.test/u/2", "t2", 0)
	c.Set(ctx, "content_hash:abc", "1", 0)

	keys, err := c.Keys(ctx, "task:*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys(task:*) = %v, want 2 claims", keys)
	}
	for _, k := range keys {
		if k == "content_hash:abc" {
			t.Errorf("pattern matched unrelated key %q", k)
		}
	}
}

func TestMemoryCacheListTrim(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	for i := 0; i < 5; i++ {
		c.LPush(ctx, "dlq", string(rune('a'+i)))
	}
	c.LTrim(ctx, "dlq", 0, 2)
	if n, _ := c.LLen(ctx, "dlq"); n != 3 {
		t.Fatalf("LLen after trim = %d, want 3", n)
	}
	vals, _ := c.LRange(ctx, "dlq", 0, -1)
	if len(vals) != 3 || vals[0] != "e" {
		t.Errorf("LRange after trim = %v, want newest-first [e d c]", vals)
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisCacheFromClient(client)
}

func TestRedisCacheAtomicEnqueue(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)

	err := c.AtomicEnqueue(ctx, "crawl_queue:normal", "task-1", 2001700000000, "crawl_queue:task_status", "task-1", `{"id":"task-1"}`)
	if err != nil {
		t.Fatalf("AtomicEnqueue: %v", err)
	}

	if n, _ := c.ZCard(ctx, "crawl_queue:normal"); n != 1 {
		t.Fatalf("bucket depth = %d, want 1", n)
	}
	if val, _ := c.HGet(ctx, "crawl_queue:task_status", "task-1"); val == "" {
		t.Fatalf("task record missing after atomic enqueue")
	}

	m, ok, err := c.ZPopMin(ctx, "crawl_queue:normal")
	if err != nil || !ok {
		t.Fatalf("ZPopMin = (%v, %v)", ok, err)
	}
	if m.Member != "task-1" {
		t.Errorf("popped %q, want task-1", m.Member)
	}
	if _, ok, _ := c.ZPopMin(ctx, "crawl_queue:normal"); ok {
		t.Errorf("second pop returned a member, assignment must be at most once")
	}
}

func TestRedisCacheReleaseOwned(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)

	c.Set(ctx, "task:weibo:creator", "task-a", time.Minute)

	released, err := c.ReleaseOwned(ctx, "task:weibo:creator", "task-b")
	if err != nil {
		t.Fatalf("ReleaseOwned: %v", err)
	}
	if released {
		t.Errorf("non-owner released the claim")
	}
	if val, _ := c.Get(ctx, "task:weibo:creator"); val != "task-a" {
		t.Errorf("claim value changed to %q", val)
	}

	released, err = c.ReleaseOwned(ctx, "task:weibo:creator", "task-a")
	if err != nil {
		t.Fatalf("ReleaseOwned owner: %v", err)
	}
	if !released {
		t.Errorf("owner release failed")
	}
}

func TestRedisCacheBits(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)

	if err := c.SetBit(ctx, "bloom_filter:urls", 1234, 1); err != nil {
		t.Fatalf("SetBit: %v", err)
	}
	if bit, _ := c.GetBit(ctx, "bloom_filter:urls", 1234); bit != 1 {
		t.Errorf("GetBit(1234) = %d, want 1", bit)
	}
	if bit, _ := c.GetBit(ctx, "bloom_filter:urls", 1235); bit != 0 {
		t.Errorf("GetBit(1235) = %d, want 0", bit)
	}
}

func TestRedisCacheMissingKeysAreZero(t *testing.T) {
	ctx := context.Background()
	_, c := newTestRedis(t)

	if val, err := c.Get(ctx, "absent"); err != nil || val != "" {
		t.Errorf("Get(absent) = (%q, %v), want empty and nil", val, err)
	}
	if val, err := c.HGet(ctx, "absent", "f"); err != nil || val != "" {
		t.Errorf("HGet(absent) = (%q, %v), want empty and nil", val, err)
	}
}

func TestRedisCacheHeartbeatExpiry(t *testing.T) {
	ctx := context.Background()
	mr, c := newTestRedis(t)

	c.Set(ctx, "crawl_queue:worker:w1:heartbeat", time.Now().Format(time.RFC3339), 60*time.Second)
	if val, _ := c.Get(ctx, "crawl_queue:worker:w1:heartbeat"); val == "" {
		t.Fatalf("heartbeat missing right after refresh")
	}

	mr.FastForward(61 * time.Second)
	if val, _ := c.Get(ctx, "crawl_queue:worker:w1:heartbeat"); val != "" {
		t.Errorf("heartbeat survived TTL: %q", val)
	}
}
