package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/supportbroker/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &domain.Conversation{
		EntityID:   "user-1",
		EntityType: domain.EntityUser,
		Status:     domain.ConvOpen,
	}
	id, err := s.CreateConversation(ctx, conv)
	if err != nil || id == 0 {
		t.Fatalf("create conversation: id=%d err=%v", id, err)
	}

	got, err := s.GetConversationByEntity(ctx, "user-1")
	if err != nil || got == nil {
		t.Fatalf("get conversation: got=%+v err=%v", got, err)
	}
	if got.Status != domain.ConvOpen {
		t.Fatalf("expected status open, got %s", got.Status)
	}
}

func TestUpdateConversationOptimisticLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &domain.Conversation{EntityID: "user-2", EntityType: domain.EntityUser, Status: domain.ConvOpen}
	id, _ := s.CreateConversation(ctx, conv)
	conv.ID = id

	fetched, _ := s.GetConversationByEntity(ctx, "user-2")
	staleUpdatedAt := fetched.UpdatedAt

	fetched.Status = domain.ConvClosed
	if err := s.UpdateConversation(ctx, fetched, staleUpdatedAt); err != nil {
		t.Fatalf("first update should succeed: %v", err)
	}

	fetched.Status = domain.ConvOpen
	if err := s.UpdateConversation(ctx, fetched, staleUpdatedAt); err == nil {
		t.Fatal("expected optimistic lock failure on stale updated_at")
	}
}

func TestIncrementPreBindCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := &domain.Conversation{EntityID: "user-3", EntityType: domain.EntityUser, Status: domain.ConvPending}
	id, _ := s.CreateConversation(ctx, conv)

	for i := 1; i <= 3; i++ {
		count, err := s.IncrementPreBindCount(ctx, id)
		if err != nil || count != i {
			t.Fatalf("increment %d: count=%d err=%v", i, count, err)
		}
	}
}

func TestBindingIDSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := &domain.BindingID{CustomID: "cust-1", State: domain.BindingUnused}
	if err := s.CreateBindingID(ctx, b); err != nil {
		t.Fatalf("create binding id: %v", err)
	}

	if err := s.ConsumeBindingID(ctx, "cust-1", "user-1"); err != nil {
		t.Fatalf("first consume should succeed: %v", err)
	}
	if err := s.ConsumeBindingID(ctx, "cust-1", "user-2"); err == nil {
		t.Fatal("expected second consume to fail, binding id already used")
	}

	got, err := s.GetBindingID(ctx, "cust-1")
	if err != nil || got.State != domain.BindingUsed || got.UsedByEntity != "user-1" {
		t.Fatalf("expected used binding id owned by user-1, got %+v err=%v", got, err)
	}
}

func TestMessagesOrderedChronologically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := &domain.Conversation{EntityID: "user-4", EntityType: domain.EntityUser, Status: domain.ConvOpen}
	convID, _ := s.CreateConversation(ctx, conv)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		s.InsertMessage(ctx, &domain.Message{
			ConversationID: convID,
			Direction:      domain.DirectionIn,
			SenderID:       "user-4",
			Body:           string(rune('a' + i)),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
	}

	msgs, err := s.ListMessages(ctx, convID, 10)
	if err != nil || len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d err=%v", len(msgs), err)
	}
	if msgs[0].Body != "a" || msgs[2].Body != "c" {
		t.Fatalf("expected chronological order a,b,c, got %v", msgs)
	}
}

func TestBanLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ban := &domain.Ban{EntityID: "bad-actor"}
	if err := s.UpsertBan(ctx, ban); err != nil {
		t.Fatalf("upsert ban: %v", err)
	}
	got, err := s.GetBan(ctx, "bad-actor")
	if err != nil || got == nil {
		t.Fatalf("expected ban to exist, got %+v err=%v", got, err)
	}
	if !got.ExpiresAt.IsZero() {
		t.Fatalf("expected permanent ban, got expiry %v", got.ExpiresAt)
	}

	if err := s.DeleteBan(ctx, "bad-actor"); err != nil {
		t.Fatalf("delete ban: %v", err)
	}
	got, err = s.GetBan(ctx, "bad-actor")
	if err != nil || got != nil {
		t.Fatalf("expected ban lifted, got %+v err=%v", got, err)
	}
}
