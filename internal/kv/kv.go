// Package kv defines the shared-state primitive surface used by the rate
// limiter, the distributed dedupe lock, the priority queue, and the
// failover journal. Two realizations exist: a Redis-backed Store used when
// REDIS_URL is configured and reachable, and a local in-process Store used
// otherwise. Selection happens once at construction time; callers code only
// against the Store interface.
package kv

import (
	"context"
	"time"
)

// Member is one entry of a sorted-set style structure.
type Member struct {
	ID    string
	Score float64
}

// Store is the primitive surface every component built on shared state uses.
// It is intentionally small: enough atomic operations to implement a
// distributed lock, the three rate-limit algorithms, and a priority queue,
// without leaking whether the realization is Redis or in-process.
type Store interface {
	Ping(ctx context.Context) error

	// AcquireLock writes token to key with the given TTL iff key is absent.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ReleaseLock deletes key iff its current value equals token.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
	// ExtendLock re-arms key's TTL iff its current value equals token.
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error

	// SlidingWindowAllow drops entries older than now-window, counts the
	// remainder, and (if allowed) inserts now, all atomically.
	SlidingWindowAllow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (count int, allowed bool, err error)
	// TokenBucketAllow refills the bucket for elapsed time since the last
	// refill (clamped to capacity) then attempts to take weight tokens.
	TokenBucketAllow(ctx context.Context, key string, now time.Time, capacity, refillPerSec, weight float64) (tokens float64, allowed bool, err error)
	// FixedWindowAllow increments the counter for floor(now/window) and
	// reports whether the post-increment count is within limit.
	FixedWindowAllow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (count int64, allowed bool, err error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZPopMax atomically removes and returns the highest-score member.
	ZPopMax(ctx context.Context, key string) (Member, bool, error)
	ZRem(ctx context.Context, key, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]Member, error)
	ZCard(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HDel(ctx context.Context, key, field string) error

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	LPush(ctx context.Context, key, value string) error
	LTrim(ctx context.Context, key string, count int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}
