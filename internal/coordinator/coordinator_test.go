package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/supportbroker/internal/circuitbreaker"
	"github.com/ashureev/supportbroker/internal/domain"
	"github.com/ashureev/supportbroker/internal/fleet"
	"github.com/ashureev/supportbroker/internal/kv"
	"github.com/ashureev/supportbroker/internal/queue"
)

func newTestCoordinator(t *testing.T, dispatch Dispatcher) (*Coordinator, *fleet.Manager) {
	t.Helper()
	store := kv.NewLocal()
	q := queue.New(store, nil)
	fl := fleet.New([]domain.BotConfig{
		{ID: "bot-1", Priority: 1, Enabled: true},
		{ID: "bot-2", Priority: 2, Enabled: true},
	}, nil, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), nil), nil)

	cfg := DefaultConfig()
	cfg.Workers = 0 // Run is never started; tests call process directly
	cfg.AdminUserIDs = map[string]struct{}{"admin-1": {}}
	cfg.SupportGroupChatID = "support-grp"

	return New(cfg, q, fl, nil, store, dispatch, nil, nil, nil), fl
}

func TestCoordinateDeduplicatesUpdates(t *testing.T) {
	c, _ := newTestCoordinator(t, DispatchFunc(func(context.Context, domain.Bot, domain.QueuedMessage) error { return nil }))
	ctx := context.Background()
	u := Update{UpdateID: "1001", ChatID: "chat-1", ChatType: "private", Payload: []byte(`{}`)}

	ok, err := c.Coordinate(ctx, u)
	if err != nil || !ok {
		t.Fatalf("first coordinate should succeed, ok=%v err=%v", ok, err)
	}

	ok, err = c.Coordinate(ctx, u)
	if err != nil || ok {
		t.Fatalf("duplicate update should be dropped without error, ok=%v err=%v", ok, err)
	}
}

func TestDeterminePriorityClassification(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	cases := []struct {
		name string
		u    Update
		want domain.Priority
	}{
		{"admin sender", Update{UserID: "admin-1", ChatType: "group"}, domain.PriorityHigh},
		{"support group", Update{ChatID: "support-grp", ChatType: "group"}, domain.PriorityHigh},
		{"private chat", Update{ChatType: "private"}, domain.PriorityNormal},
		{"ordinary group", Update{ChatType: "group"}, domain.PriorityLow},
	}
	for _, tc := range cases {
		if got := c.determinePriority(tc.u); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestProcessDispatchesAndMarksCompleted(t *testing.T) {
	var dispatched int32
	c, fl := newTestCoordinator(t, DispatchFunc(func(_ context.Context, bot domain.Bot, msg domain.QueuedMessage) error {
		atomic.AddInt32(&dispatched, 1)
		return nil
	}))
	ctx := context.Background()

	ok, err := c.Coordinate(ctx, Update{UpdateID: "1", ChatID: "chat-2", ChatType: "private", Payload: []byte(`{}`)})
	if err != nil || !ok {
		t.Fatalf("coordinate failed: ok=%v err=%v", ok, err)
	}

	msg, ok, err := c.queue.Dequeue(ctx, time.Minute)
	if err != nil || !ok {
		t.Fatalf("dequeue failed: ok=%v err=%v", ok, err)
	}
	c.process(ctx, msg)

	if atomic.LoadInt32(&dispatched) != 1 {
		t.Fatalf("expected dispatch called once, got %d", dispatched)
	}
	depth, _ := c.queue.ProcessingCount(ctx)
	if depth != 0 {
		t.Fatalf("expected message removed from processing set, got depth %d", depth)
	}

	b, _ := fl.Get("bot-1")
	if b.ConsecutiveFailures != 0 {
		t.Fatalf("expected successful bot to have zero failures, got %d", b.ConsecutiveFailures)
	}

	if c.affinityFor("chat-2") == "" {
		t.Fatal("expected affinity recorded after successful dispatch")
	}
}

func TestProcessRequeuesOnDispatchError(t *testing.T) {
	c, fl := newTestCoordinator(t, DispatchFunc(func(context.Context, domain.Bot, domain.QueuedMessage) error {
		return errors.New("platform unavailable")
	}))
	ctx := context.Background()

	c.Coordinate(ctx, Update{UpdateID: "2", ChatID: "chat-3", ChatType: "private", Payload: []byte(`{}`)})
	msg, _, _ := c.queue.Dequeue(ctx, time.Minute)
	c.process(ctx, msg)

	depth, _ := c.queue.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected message requeued to pending after failure, depth=%d", depth)
	}

	b1, _ := fl.Get("bot-1")
	b2, _ := fl.Get("bot-2")
	if b1.ConsecutiveFailures == 0 && b2.ConsecutiveFailures == 0 {
		t.Fatal("expected the dispatched-to bot to record a failure")
	}
}

func TestCoordinateRejectsIncompleteUpdate(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	_, err := c.Coordinate(context.Background(), Update{ChatID: "chat-1"})
	if err == nil {
		t.Fatal("expected error for update missing update id and chat type")
	}
}

func TestDispatchReplyRequiresAPIClient(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	err := c.DispatchReply(context.Background(), "entity-1", "", "hello")
	if err == nil {
		t.Fatal("expected error when no api client is configured")
	}
}
