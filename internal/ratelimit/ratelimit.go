// Package ratelimit implements the rate-limit engine (spec C1): sliding
// window, token bucket, and fixed window algorithms with punishment
// escalation and a whitelist override, grounded on
// original_source/app/rate_limit.py.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/supportbroker/internal/kv"
	"golang.org/x/time/rate"
)

// Algorithm selects which admission strategy a Rule uses.
type Algorithm string

const (
	SlidingWindow Algorithm = "sliding_window"
	TokenBucket   Algorithm = "token_bucket"
	FixedWindow   Algorithm = "fixed_window"
)

// Rule is one named limiting policy, mirroring RateLimitRule in the original.
// ActionTypes and UserGroups scope which calls the rule applies to; either
// left empty matches every action or group respectively, per
// get_applicable_rules in the original.
type Rule struct {
	Name               string
	Algorithm          Algorithm
	ActionTypes        []string // empty: applies to every action
	UserGroups         []string // empty: applies to every group
	Enabled            bool
	MaxRequests        int           // capacity for token bucket, limit for window algorithms
	WindowSeconds      int           // window length for sliding/fixed window algorithms
	BurstAllowance     int           // extra tokens/requests allowed above MaxRequests
	PunishmentDuration time.Duration // how long a violator is denied after exceeding the limit
}

// DefaultRules mirrors the original's built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "user_message_per_30s", Algorithm: SlidingWindow, Enabled: true,
			ActionTypes: []string{"user_message"},
			MaxRequests: 5, WindowSeconds: 30, BurstAllowance: 2, PunishmentDuration: 60 * time.Second,
		},
		{
			Name: "bot_requests_per_minute", Algorithm: TokenBucket, Enabled: true,
			ActionTypes: []string{"bot_request"},
			MaxRequests: 20, WindowSeconds: 60, BurstAllowance: 5, PunishmentDuration: 30 * time.Second,
		},
		{
			Name: "group_broadcast_per_hour", Algorithm: FixedWindow, Enabled: true,
			ActionTypes: []string{"group_broadcast"},
			MaxRequests: 100, WindowSeconds: 3600, BurstAllowance: 0, PunishmentDuration: 300 * time.Second,
		},
	}
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed    bool
	Rule       string
	Reason     string // "ok", "limited", "punished", "whitelisted"
	Count      int64
	RetryAfter time.Duration
}

// Limiter evaluates named rules against a shared kv.Store. When the store is
// the local in-process fallback, the token-bucket algorithm is additionally
// backed by golang.org/x/time/rate, which is the idiomatic in-process
// primitive for that admission strategy.
type Limiter struct {
	store kv.Store
	local bool
	rules map[string]Rule
	log   *slog.Logger

	mu            sync.Mutex
	localLimiters map[string]*rate.Limiter
}

// New constructs a Limiter over store, registering rules. local must be true
// iff store is the in-process fallback (github.com/ashureev/supportbroker/internal/kv.Local),
// so the token-bucket path can use golang.org/x/time/rate instead of a
// scripted KV round trip.
func New(store kv.Store, local bool, rules []Rule, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	m := make(map[string]Rule, len(rules))
	for _, r := range rules {
		m[r.Name] = r
	}
	return &Limiter{
		store:         store,
		local:         local,
		rules:         m,
		log:           log,
		localLimiters: make(map[string]*rate.Limiter),
	}
}

// Check evaluates every enabled rule applicable to (action, group) against
// identifier, honoring the whitelist and each rule's punishment state ahead
// of its algorithm. weight lets a single call consume more than one unit of
// budget (e.g. a bulk broadcast); weight <= 0 is treated as 1. Mirrors the
// original's get_applicable_rules followed by a per-rule admission loop: the
// first rule that denies wins, and only once every applicable rule admits is
// the request allowed.
func (l *Limiter) Check(ctx context.Context, action, group, identifier string, weight int) (Result, error) {
	if weight <= 0 {
		weight = 1
	}

	whitelisted, err := l.IsWhitelisted(ctx, identifier)
	if err != nil {
		return Result{}, err
	}
	if whitelisted {
		return Result{Allowed: true, Reason: "whitelisted"}, nil
	}

	rules := l.applicableRules(action, group)
	if len(rules) == 0 {
		return Result{Allowed: true, Reason: "ok"}, nil
	}

	var last Result
	for _, rule := range rules {
		res, err := l.checkRule(ctx, rule, identifier, weight)
		if err != nil {
			return Result{}, err
		}
		if !res.Allowed {
			return res, nil
		}
		last = res
	}
	return last, nil
}

// applicableRules returns the enabled rules matching action and group, per
// spec §4.1 step 1: `enabled ∧ action∈action-types ∧ group∈user-groups`.
// Sorted by name for deterministic ordering across a map-backed registry.
func (l *Limiter) applicableRules(action, group string) []Rule {
	var out []Rule
	for _, rule := range l.rules {
		if !rule.Enabled {
			continue
		}
		if len(rule.ActionTypes) > 0 && !slices.Contains(rule.ActionTypes, action) {
			continue
		}
		if len(rule.UserGroups) > 0 && !slices.Contains(rule.UserGroups, group) {
			continue
		}
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (l *Limiter) checkRule(ctx context.Context, rule Rule, identifier string, weight int) (Result, error) {
	punishKey := fmt.Sprintf("ratelimit:punish:%s:%s", rule.Name, identifier)
	if until, active, err := l.store.Get(ctx, punishKey); err != nil {
		return Result{}, fmt.Errorf("ratelimit: check punishment: %w", err)
	} else if active {
		endsAt, perr := time.Parse(time.RFC3339Nano, until)
		if perr == nil {
			return Result{
				Allowed:    false,
				Rule:       rule.Name,
				Reason:     "punished",
				RetryAfter: time.Until(endsAt),
			}, nil
		}
	}

	allowed, count, err := l.admit(ctx, rule, identifier, weight)
	if err != nil {
		return Result{}, err
	}

	if !allowed {
		l.punish(ctx, punishKey, rule)
		l.log.Info("rate limit exceeded", "rule", rule.Name, "identifier", identifier, "count", count)
		return Result{Allowed: false, Rule: rule.Name, Reason: "limited", Count: count, RetryAfter: rule.PunishmentDuration}, nil
	}
	return Result{Allowed: true, Rule: rule.Name, Reason: "ok", Count: count}, nil
}

func (l *Limiter) punish(ctx context.Context, key string, rule Rule) {
	endsAt := time.Now().Add(rule.PunishmentDuration).Format(time.RFC3339Nano)
	if err := l.store.Set(ctx, key, endsAt, rule.PunishmentDuration); err != nil {
		l.log.Warn("failed to record punishment", "key", key, "error", err)
	}
}

// admit applies rule's algorithm, threading weight through every algorithm,
// not just token bucket: the sliding- and fixed-window primitives always
// insert/increment by one event, so weight > 1 is honored by tightening the
// effective limit the store checks against (`count + weight <= limit` per
// spec §4.1 step 3, rearranged to `count <= limit - weight + 1`).
func (l *Limiter) admit(ctx context.Context, rule Rule, identifier string, weight int) (bool, int64, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", rule.Name, identifier)
	limit := rule.MaxRequests + rule.BurstAllowance

	switch rule.Algorithm {
	case SlidingWindow:
		effLimit := limit - weight + 1
		if effLimit < 1 {
			return false, 0, nil
		}
		count, allowed, err := l.store.SlidingWindowAllow(ctx, key, time.Now(), time.Duration(rule.WindowSeconds)*time.Second, effLimit)
		return allowed, int64(count), err

	case TokenBucket:
		if l.local {
			allowed := l.localTokenBucket(key, rule, weight)
			return allowed, 0, nil
		}
		refillPerSec := float64(rule.MaxRequests) / float64(rule.WindowSeconds)
		_, allowed, err := l.store.TokenBucketAllow(ctx, key, time.Now(), float64(limit), refillPerSec, float64(weight))
		return allowed, 0, err

	case FixedWindow:
		effLimit := limit - weight + 1
		if effLimit < 1 {
			return false, 0, nil
		}
		count, allowed, err := l.store.FixedWindowAllow(ctx, key, time.Now(), time.Duration(rule.WindowSeconds)*time.Second, effLimit)
		return allowed, count, err

	default:
		return false, 0, fmt.Errorf("ratelimit: unknown algorithm %q", rule.Algorithm)
	}
}

func (l *Limiter) localTokenBucket(key string, rule Rule, weight int) bool {
	l.mu.Lock()
	lim, ok := l.localLimiters[key]
	if !ok {
		refillPerSec := float64(rule.MaxRequests) / float64(rule.WindowSeconds)
		burst := rule.MaxRequests + rule.BurstAllowance
		lim = rate.NewLimiter(rate.Limit(refillPerSec), burst)
		l.localLimiters[key] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(time.Now(), weight)
}

// IsWhitelisted reports whether identifier is exempt from all rules.
func (l *Limiter) IsWhitelisted(ctx context.Context, identifier string) (bool, error) {
	members, err := l.store.SMembers(ctx, "ratelimit:whitelist")
	if err != nil {
		return false, fmt.Errorf("ratelimit: check whitelist: %w", err)
	}
	for _, m := range members {
		if m == identifier {
			return true, nil
		}
	}
	return false, nil
}

// Whitelist exempts identifier from all rules until removed.
func (l *Limiter) Whitelist(ctx context.Context, identifier string) error {
	return l.store.SAdd(ctx, "ratelimit:whitelist", identifier)
}

// RemoveWhitelist revokes a previously-granted exemption.
func (l *Limiter) RemoveWhitelist(ctx context.Context, identifier string) error {
	return l.store.SRem(ctx, "ratelimit:whitelist", identifier)
}
