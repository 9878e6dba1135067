package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/supportbroker/internal/circuitbreaker"
	"github.com/ashureev/supportbroker/internal/conversation"
	"github.com/ashureev/supportbroker/internal/coordinator"
	"github.com/ashureev/supportbroker/internal/domain"
	"github.com/ashureev/supportbroker/internal/fleet"
	"github.com/ashureev/supportbroker/internal/kv"
	"github.com/ashureev/supportbroker/internal/notify"
	"github.com/ashureev/supportbroker/internal/queue"
	"github.com/ashureev/supportbroker/internal/ratelimit"
	"github.com/ashureev/supportbroker/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, *conversation.Manager) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "webhook_test.db")
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	conv := conversation.New(repo, conversation.DefaultConfig(), nil)
	localKV := kv.NewLocal()
	limiter := ratelimit.New(localKV, true, ratelimit.DefaultRules(), nil)
	notifier := notify.New(localKV, time.Minute)

	q := queue.New(localKV, nil)
	fl := fleet.New([]domain.BotConfig{{ID: "bot-1", Priority: 1, Enabled: true}}, nil, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), nil), nil)
	noop := coordinator.DispatchFunc(func(_ context.Context, _ domain.Bot, _ domain.QueuedMessage) error { return nil })
	coord := coordinator.New(coordinator.DefaultConfig(), q, fl, nil, localKV, noop, limiter, nil, nil)

	return New(conv, coord, limiter, notifier, "999", nil), conv
}

func TestServeUpdateAcknowledgesValidMessage(t *testing.T) {
	h, _ := newTestHandler(t)
	r := chi.NewRouter()
	h.Routes(r)

	body := []byte(`{"update_id":1,"message":{"message_id":1,"chat":{"id":100,"type":"private"},"from":{"id":100,"first_name":"Alice"},"text":"hello"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/bot-1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServeUpdateRejectsMalformedBody(t *testing.T) {
	h, _ := newTestHandler(t)
	r := chi.NewRouter()
	h.Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/webhook/bot-1", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServeUpdateIgnoresNonMessageUpdate(t *testing.T) {
	h, _ := newTestHandler(t)
	r := chi.NewRouter()
	h.Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/webhook/bot-1", bytes.NewReader([]byte(`{"update_id":2}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for non-message update, got %d", rec.Code)
	}
}

func TestServeUpdateBindCommandAcknowledgedWhenBindingMissing(t *testing.T) {
	h, _ := newTestHandler(t)
	r := chi.NewRouter()
	h.Routes(r)

	body := []byte(`{"update_id":3,"message":{"message_id":2,"chat":{"id":101,"type":"private"},"from":{"id":101,"first_name":"Bob"},"text":"/bind missing-binding"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/bot-1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even when bind target is missing, got %d", rec.Code)
	}
}

func TestServeUpdateOperatorCloseClosesConversation(t *testing.T) {
	h, conv := newTestHandler(t)
	ctx := context.Background()

	c, err := conv.GetOrCreate(ctx, "entity-close", domain.EntityUser, "Zoe", "en")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if err := conv.BindTopic(ctx, c, 555); err != nil {
		t.Fatalf("bind topic: %v", err)
	}

	r := chi.NewRouter()
	h.Routes(r)
	body := []byte(`{"update_id":10,"message":{"message_id":10,"message_thread_id":555,"chat":{"id":999,"type":"supergroup"},"from":{"id":1,"first_name":"Admin"},"text":"/close"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/bot-1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := conv.ByTopic(ctx, 555)
	if err != nil || got == nil {
		t.Fatalf("expected to resolve conversation by topic, got %+v err=%v", got, err)
	}
	if got.Status != domain.ConvClosed {
		t.Fatalf("expected conversation closed by /close command, got %+v", got)
	}
}

func TestServeUpdateOperatorBanAndUnban(t *testing.T) {
	h, conv := newTestHandler(t)
	ctx := context.Background()

	c, err := conv.GetOrCreate(ctx, "entity-ban", domain.EntityUser, "Uma", "en")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if err := conv.BindTopic(ctx, c, 556); err != nil {
		t.Fatalf("bind topic: %v", err)
	}

	r := chi.NewRouter()
	h.Routes(r)

	banBody := []byte(`{"update_id":11,"message":{"message_id":11,"message_thread_id":556,"chat":{"id":999,"type":"supergroup"},"from":{"id":1,"first_name":"Admin"},"text":"/ban"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/bot-1", bytes.NewReader(banBody))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for /ban, got %d", rec.Code)
	}
	if banned, err := conv.IsBanned(ctx, "entity-ban"); err != nil || !banned {
		t.Fatalf("expected entity banned, banned=%v err=%v", banned, err)
	}

	unbanBody := []byte(`{"update_id":12,"message":{"message_id":12,"message_thread_id":556,"chat":{"id":999,"type":"supergroup"},"from":{"id":1,"first_name":"Admin"},"text":"/unban"}}`)
	req = httptest.NewRequest(http.MethodPost, "/webhook/bot-1", bytes.NewReader(unbanBody))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for /unban, got %d", rec.Code)
	}
	if banned, err := conv.IsBanned(ctx, "entity-ban"); err != nil || banned {
		t.Fatalf("expected entity unbanned, banned=%v err=%v", banned, err)
	}
}

func TestServeUpdateOperatorTextIgnoredWithoutTopic(t *testing.T) {
	h, _ := newTestHandler(t)
	r := chi.NewRouter()
	h.Routes(r)

	body := []byte(`{"update_id":13,"message":{"message_id":13,"chat":{"id":999,"type":"supergroup"},"from":{"id":1,"first_name":"Admin"},"text":"no thread here"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/bot-1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
