package cache

import (
	"context"
	"testing"
	"time"
)

func TestCacheSetGet(t *testing.T) {
	c := New(10, time.Minute, nil)
	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v.(int) != 1 {
		t.Fatalf("expected hit with value 1, got v=%v ok=%v", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestCacheExpires(t *testing.T) {
	c := New(10, time.Millisecond, nil)
	c.Set("a", 1)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected key to have expired")
	}
	stats := c.Stats()
	if stats.Misses == 0 {
		t.Fatal("expected a recorded miss")
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c := New(2, time.Hour, nil)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // a is now most-recently-used
	c.Set("c", 3) // should evict b, the least-recently-used

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c to be present")
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", c.Stats().Evictions)
	}
}

func TestCacheSweeperRemovesExpired(t *testing.T) {
	c := New(10, time.Millisecond, nil)
	c.Set("a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunSweeper(ctx, 2*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	if c.Stats().Size != 0 {
		t.Fatalf("expected sweeper to purge expired entry, size=%d", c.Stats().Size)
	}
}
