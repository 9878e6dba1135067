package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes key iff its value equals the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// extendScript re-arms key's TTL iff its value equals the caller's token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// slidingWindowScript trims expired entries from a sorted set keyed by
// timestamp, counts survivors, and (if under limit) adds the current entry.
// Returns {count, allowed}.
var slidingWindowScript = redis.NewScript(`
local key, now, window, limit = KEYS[1], tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
	return {count, 0}
end
redis.call("ZADD", key, now, now .. "-" .. ARGV[4])
redis.call("PEXPIRE", key, math.ceil(window * 1000))
return {count + 1, 1}
`)

// tokenBucketScript refills a bucket stored as a hash (tokens, last_refill)
// for elapsed time, then attempts to withdraw weight tokens.
var tokenBucketScript = redis.NewScript(`
local key, now, capacity, refill, weight = KEYS[1], tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4])
local data = redis.call("HMGET", key, "tokens", "last")
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then
	tokens = capacity
	last = now
end
local elapsed = now - last
if elapsed > 0 then
	tokens = math.min(capacity, tokens + elapsed * refill)
	last = now
end
local allowed = 0
if tokens >= weight then
	tokens = tokens - weight
	allowed = 1
end
redis.call("HSET", key, "tokens", tostring(tokens), "last", tostring(last))
redis.call("EXPIRE", key, 3600)
return {tostring(tokens), allowed}
`)

// fixedWindowScript increments the counter for the current window bucket.
var fixedWindowScript = redis.NewScript(`
local key, windowSeconds, limit = KEYS[1], tonumber(ARGV[1]), tonumber(ARGV[2])
local count = redis.call("INCR", key)
if count == 1 then
	redis.call("EXPIRE", key, windowSeconds)
end
local allowed = 0
if count <= limit then
	allowed = 1
end
return {count, allowed}
`)

// Redis is a Store backed by a github.com/redis/go-redis/v9 client. It is
// used whenever REDIS_URL is configured and the server answers PING.
type Redis struct {
	client redis.UniversalClient
	seq    uint64
}

// NewRedis parses addr as a redis:// URL and returns a Store bound to it.
func NewRedis(addr string) (*Redis, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// NewRedisFromClient wraps an already-constructed client (used by tests
// against a github.com/alicebob/miniredis/v2 instance).
func NewRedisFromClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire lock %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("redis release lock %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis extend lock %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SlidingWindowAllow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (int, bool, error) {
	r.seq++
	nowMs := float64(now.UnixMilli())
	windowMs := float64(window.Milliseconds())
	res, err := slidingWindowScript.Run(ctx, r.client, []string{key}, nowMs, windowMs, limit, r.seq).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis sliding window %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis sliding window %s: unexpected script result", key)
	}
	count, _ := res[0].(int64)
	allowed, _ := res[1].(int64)
	return int(count), allowed == 1, nil
}

func (r *Redis) TokenBucketAllow(ctx context.Context, key string, now time.Time, capacity, refillPerSec, weight float64) (float64, bool, error) {
	res, err := tokenBucketScript.Run(ctx, r.client, []string{key}, float64(now.UnixNano())/1e9, capacity, refillPerSec, weight).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis token bucket %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis token bucket %s: unexpected script result", key)
	}
	var tokens float64
	fmt.Sscanf(fmt.Sprint(res[0]), "%f", &tokens)
	allowed, _ := res[1].(int64)
	return tokens, allowed == 1, nil
}

func (r *Redis) FixedWindowAllow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (int64, bool, error) {
	res, err := fixedWindowScript.Run(ctx, r.client, []string{key}, int(window.Seconds()), limit).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis fixed window %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis fixed window %s: unexpected script result", key)
	}
	count, _ := res[0].(int64)
	allowed, _ := res[1].(int64)
	return count, allowed == 1, nil
}

func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) ZPopMax(ctx context.Context, key string) (Member, bool, error) {
	res, err := r.client.ZPopMax(ctx, key, 1).Result()
	if err != nil {
		return Member{}, false, fmt.Errorf("redis zpopmax %s: %w", key, err)
	}
	if len(res) == 0 {
		return Member{}, false, nil
	}
	return Member{ID: fmt.Sprint(res[0].Member), Score: res[0].Score}, true, nil
}

func (r *Redis) ZRem(ctx context.Context, key, member string) error {
	if err := r.client.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis zrem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]Member, error) {
	res, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore %s: %w", key, err)
	}
	out := make([]Member, 0, len(res))
	for _, z := range res {
		out = append(out, Member{ID: fmt.Sprint(z.Member), Score: z.Score})
	}
	return out, nil
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) HDel(ctx context.Context, key, field string) error {
	if err := r.client.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	if err := r.client.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key, member string) error {
	if err := r.client.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis srem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", key, err)
	}
	return res, nil
}

func (r *Redis) LPush(ctx context.Context, key, value string) error {
	if err := r.client.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", key, err)
	}
	return nil
}

func (r *Redis) LTrim(ctx context.Context, key string, count int64) error {
	if err := r.client.LTrim(ctx, key, 0, count-1).Err(); err != nil {
		return fmt.Errorf("redis ltrim %s: %w", key, err)
	}
	return nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	res, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	return res, nil
}
