package kv

import (
	"context"
	"testing"
	"time"
)

func TestLocalLockRoundTrip(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	ok, err := l.AcquireLock(ctx, "lock:a", "tok1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = l.AcquireLock(ctx, "lock:a", "tok2", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second acquire to fail while held, got ok=%v err=%v", ok, err)
	}

	ok, err = l.ReleaseLock(ctx, "lock:a", "tok2")
	if err != nil || ok {
		t.Fatalf("expected release with wrong token to fail")
	}

	ok, err = l.ReleaseLock(ctx, "lock:a", "tok1")
	if err != nil || !ok {
		t.Fatalf("expected release with correct token to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = l.AcquireLock(ctx, "lock:a", "tok3", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire after release to succeed")
	}
}

func TestLocalLockExpires(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	ok, _ := l.AcquireLock(ctx, "lock:b", "tok1", time.Millisecond)
	if !ok {
		t.Fatal("expected acquire to succeed")
	}
	time.Sleep(5 * time.Millisecond)
	ok, err := l.AcquireLock(ctx, "lock:b", "tok2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire after expiry to succeed, got ok=%v err=%v", ok, err)
	}
}

func TestLocalSlidingWindowAllow(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		count, allowed, err := l.SlidingWindowAllow(ctx, "rl:a", now, 30*time.Second, 3)
		if err != nil || !allowed {
			t.Fatalf("request %d: expected allowed, count=%d err=%v", i, count, err)
		}
	}
	count, allowed, err := l.SlidingWindowAllow(ctx, "rl:a", now, 30*time.Second, 3)
	if err != nil || allowed {
		t.Fatalf("4th request: expected denied, count=%d err=%v", count, err)
	}

	later := now.Add(31 * time.Second)
	_, allowed, err = l.SlidingWindowAllow(ctx, "rl:a", later, 30*time.Second, 3)
	if err != nil || !allowed {
		t.Fatalf("expected allowed once window rolled over, err=%v", err)
	}
}

func TestLocalTokenBucketAllow(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	now := time.Now()

	tokens, allowed, err := l.TokenBucketAllow(ctx, "tb:a", now, 5, 1, 1)
	if err != nil || !allowed || tokens != 4 {
		t.Fatalf("first take: tokens=%v allowed=%v err=%v", tokens, allowed, err)
	}
	for i := 0; i < 4; i++ {
		if _, allowed, _ := l.TokenBucketAllow(ctx, "tb:a", now, 5, 1, 1); !allowed {
			t.Fatalf("take %d should have succeeded", i)
		}
	}
	if _, allowed, _ := l.TokenBucketAllow(ctx, "tb:a", now, 5, 1, 1); allowed {
		t.Fatal("bucket should be empty")
	}
	later := now.Add(2 * time.Second)
	tokens, allowed, err = l.TokenBucketAllow(ctx, "tb:a", later, 5, 1, 1)
	if err != nil || !allowed {
		t.Fatalf("expected refill to allow a take, tokens=%v allowed=%v err=%v", tokens, allowed, err)
	}
}

func TestLocalFixedWindowAllow(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	for i := 0; i < 2; i++ {
		count, allowed, err := l.FixedWindowAllow(ctx, "fw:a", now, time.Minute, 2)
		if err != nil || !allowed || count != int64(i+1) {
			t.Fatalf("req %d: count=%d allowed=%v err=%v", i, count, allowed, err)
		}
	}
	if _, allowed, _ := l.FixedWindowAllow(ctx, "fw:a", now, time.Minute, 2); allowed {
		t.Fatal("expected 3rd request in same window to be denied")
	}
	later := now.Add(2 * time.Minute)
	if _, allowed, _ := l.FixedWindowAllow(ctx, "fw:a", later, time.Minute, 2); !allowed {
		t.Fatal("expected request in next window to be allowed")
	}
}

func TestLocalSortedSet(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	l.ZAdd(ctx, "q", "low", 1)
	l.ZAdd(ctx, "q", "high", 10)
	l.ZAdd(ctx, "q", "mid", 5)

	card, _ := l.ZCard(ctx, "q")
	if card != 3 {
		t.Fatalf("expected 3 members, got %d", card)
	}

	m, ok, err := l.ZPopMax(ctx, "q")
	if err != nil || !ok || m.ID != "high" {
		t.Fatalf("expected to pop 'high', got %+v ok=%v err=%v", m, ok, err)
	}

	members, err := l.ZRangeByScore(ctx, "q", 0, 100)
	if err != nil || len(members) != 2 || members[0].ID != "mid" {
		t.Fatalf("expected [mid low] ascending, got %+v err=%v", members, err)
	}
}

func TestLocalListTrim(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.LPush(ctx, "journal", string(rune('a'+i)))
	}
	l.LTrim(ctx, "journal", 3)
	vals, err := l.LRange(ctx, "journal", 0, -1)
	if err != nil || len(vals) != 3 {
		t.Fatalf("expected 3 entries after trim, got %v err=%v", vals, err)
	}
}
