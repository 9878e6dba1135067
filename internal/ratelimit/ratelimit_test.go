package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/supportbroker/internal/kv"
)

func testRule() Rule {
	return Rule{
		Name: "test_rule", Algorithm: SlidingWindow, Enabled: true,
		ActionTypes: []string{"test_action"},
		MaxRequests: 2, WindowSeconds: 30, PunishmentDuration: time.Minute,
	}
}

func TestCheckAllowsUpToLimit(t *testing.T) {
	l := New(kv.NewLocal(), true, []Rule{testRule()}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, "test_action", "user", "user-1", 1)
		if err != nil || !res.Allowed {
			t.Fatalf("request %d expected allowed, got %+v err=%v", i, res, err)
		}
	}
	res, err := l.Check(ctx, "test_action", "user", "user-1", 1)
	if err != nil || res.Allowed || res.Reason != "limited" {
		t.Fatalf("3rd request expected limited, got %+v err=%v", res, err)
	}
}

func TestCheckPunishmentPersists(t *testing.T) {
	rule := testRule()
	rule.MaxRequests = 1
	l := New(kv.NewLocal(), true, []Rule{rule}, nil)
	ctx := context.Background()

	l.Check(ctx, "test_action", "user", "user-1", 1)
	res, _ := l.Check(ctx, "test_action", "user", "user-1", 1) // trips punishment
	if res.Allowed || res.Reason != "limited" {
		t.Fatalf("expected limited, got %+v", res)
	}

	res, err := l.Check(ctx, "test_action", "user", "user-1", 1)
	if err != nil || res.Allowed || res.Reason != "punished" {
		t.Fatalf("expected punished on next check, got %+v err=%v", res, err)
	}
}

func TestWhitelistBypassesLimit(t *testing.T) {
	rule := testRule()
	rule.MaxRequests = 1
	l := New(kv.NewLocal(), true, []Rule{rule}, nil)
	ctx := context.Background()

	if err := l.Whitelist(ctx, "vip-1"); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, "test_action", "user", "vip-1", 1)
		if err != nil || !res.Allowed || res.Reason != "whitelisted" {
			t.Fatalf("iteration %d expected whitelisted allow, got %+v err=%v", i, res, err)
		}
	}
}

func TestTokenBucketLocalUsesXTimeRate(t *testing.T) {
	rule := Rule{Name: "tb", Algorithm: TokenBucket, Enabled: true, ActionTypes: []string{"bot_request"}, MaxRequests: 2, WindowSeconds: 1, PunishmentDuration: time.Second}
	l := New(kv.NewLocal(), true, []Rule{rule}, nil)
	ctx := context.Background()

	allowedCount := 0
	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "bot_request", "bot", "bot-1", 1)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if res.Allowed {
			allowedCount++
		}
	}
	if allowedCount == 0 || allowedCount == 3 {
		t.Fatalf("expected partial admission from a bursty bucket, got %d/3 allowed", allowedCount)
	}
}

func TestFixedWindowAllowsUpToLimit(t *testing.T) {
	rule := Rule{Name: "fw", Algorithm: FixedWindow, Enabled: true, ActionTypes: []string{"group_broadcast"}, MaxRequests: 2, WindowSeconds: 60, PunishmentDuration: time.Second}
	l := New(kv.NewLocal(), true, []Rule{rule}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, _ := l.Check(ctx, "group_broadcast", "group", "group-1", 1)
		if !res.Allowed {
			t.Fatalf("request %d expected allowed", i)
		}
	}
	res, _ := l.Check(ctx, "group_broadcast", "group", "group-1", 1)
	if res.Allowed {
		t.Fatal("3rd request expected denied")
	}
}

func TestCheckSkipsDisabledRules(t *testing.T) {
	rule := testRule()
	rule.Enabled = false
	l := New(kv.NewLocal(), true, []Rule{rule}, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := l.Check(ctx, "test_action", "user", "user-1", 1)
		if err != nil || !res.Allowed {
			t.Fatalf("expected disabled rule to never limit, got %+v err=%v", res, err)
		}
	}
}

func TestCheckIgnoresRulesForOtherActionsAndGroups(t *testing.T) {
	rule := testRule()
	rule.MaxRequests = 1
	rule.UserGroups = []string{"user"}
	l := New(kv.NewLocal(), true, []Rule{rule}, nil)
	ctx := context.Background()

	// Different action: rule never applies.
	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "other_action", "user", "user-1", 1)
		if err != nil || !res.Allowed {
			t.Fatalf("expected action mismatch to bypass rule, got %+v err=%v", res, err)
		}
	}

	// Matching action but non-matching group: rule never applies.
	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "test_action", "bot", "bot-1", 1)
		if err != nil || !res.Allowed {
			t.Fatalf("expected group mismatch to bypass rule, got %+v err=%v", res, err)
		}
	}

	// Matching action and group: rule applies and limits at 1.
	res, err := l.Check(ctx, "test_action", "user", "user-1", 1)
	if err != nil || !res.Allowed {
		t.Fatalf("first matching request expected allowed, got %+v err=%v", res, err)
	}
	res, err = l.Check(ctx, "test_action", "user", "user-1", 1)
	if err != nil || res.Allowed {
		t.Fatalf("second matching request expected limited, got %+v err=%v", res, err)
	}
}

func TestCheckWeightTightensEffectiveLimit(t *testing.T) {
	rule := Rule{Name: "broadcast", Algorithm: FixedWindow, Enabled: true, ActionTypes: []string{"group_broadcast"}, MaxRequests: 5, WindowSeconds: 60, PunishmentDuration: time.Second}
	l := New(kv.NewLocal(), true, []Rule{rule}, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		res, err := l.Check(ctx, "group_broadcast", "group", "group-2", 1)
		if err != nil || !res.Allowed {
			t.Fatalf("request %d within limit expected allowed, got %+v err=%v", i, res, err)
		}
	}

	// A heavy-weight 5th request must not slip through just because the
	// window's raw event count is still under the nominal limit.
	res, err := l.Check(ctx, "group_broadcast", "group", "group-2", 5)
	if err != nil || res.Allowed {
		t.Fatalf("expected weight-5 request to be denied once it tightens the effective limit below the current count, got %+v err=%v", res, err)
	}
}

func TestDefaultRulesApplyToDistinctActions(t *testing.T) {
	l := New(kv.NewLocal(), true, DefaultRules(), nil)
	ctx := context.Background()

	if res, err := l.Check(ctx, "user_message", "user", "u-1", 1); err != nil || !res.Allowed {
		t.Fatalf("user_message expected allowed, got %+v err=%v", res, err)
	}
	if res, err := l.Check(ctx, "bot_request", "bot", "bot-1", 1); err != nil || !res.Allowed {
		t.Fatalf("bot_request expected allowed, got %+v err=%v", res, err)
	}
	if res, err := l.Check(ctx, "group_broadcast", "group", "grp-1", 1); err != nil || !res.Allowed {
		t.Fatalf("group_broadcast expected allowed, got %+v err=%v", res, err)
	}
}
