package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/supportbroker/internal/domain"
)

var errBoom = errors.New("boom")

func TestBreakerTripsAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	reg := NewRegistry(cfg, nil)
	b := reg.Get("bot-1")

	for i := 0; i < 3; i++ {
		err := b.Call(context.Background(), func(ctx context.Context) error { return errBoom })
		if !errors.Is(err, errBoom) {
			t.Fatalf("expected errBoom, got %v", err)
		}
	}
	if b.State() != domain.CircuitOpen {
		t.Fatalf("expected OPEN after %d consecutive failures, got %s", cfg.FailureThreshold, b.State())
	}

	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while breaker open, got %v", err)
	}
}

func TestBreakerRecoversViaHalfOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = time.Millisecond
	cfg.SuccessThreshold = 2
	reg := NewRegistry(cfg, nil)
	b := reg.Get("bot-1")

	b.Call(context.Background(), func(ctx context.Context) error { return errBoom })
	if b.State() != domain.CircuitOpen {
		t.Fatal("expected OPEN after first failure")
	}

	time.Sleep(5 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected Allow() to transition to HALF_OPEN after recovery timeout")
	}
	if b.State() != domain.CircuitHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.State())
	}

	b.Call(context.Background(), func(ctx context.Context) error { return nil })
	if b.State() != domain.CircuitHalfOpen {
		t.Fatalf("expected still HALF_OPEN after 1 of 2 successes, got %s", b.State())
	}
	b.Call(context.Background(), func(ctx context.Context) error { return nil })
	if b.State() != domain.CircuitClosed {
		t.Fatalf("expected CLOSED after success threshold met, got %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = time.Millisecond
	reg := NewRegistry(cfg, nil)
	b := reg.Get("bot-1")

	b.Call(context.Background(), func(ctx context.Context) error { return errBoom })
	time.Sleep(5 * time.Millisecond)
	b.Allow() // transitions to HALF_OPEN

	b.Call(context.Background(), func(ctx context.Context) error { return errBoom })
	if b.State() != domain.CircuitOpen {
		t.Fatalf("expected re-open on HALF_OPEN failure, got %s", b.State())
	}
}

func TestRegistryIsolatesBreakersByName(t *testing.T) {
	reg := NewRegistry(DefaultConfig(), nil)
	a := reg.Get("bot-a")
	b := reg.Get("bot-b")
	if a == b {
		t.Fatal("expected distinct breakers per name")
	}
	if reg.Get("bot-a") != a {
		t.Fatal("expected Get to return the same breaker on repeat calls")
	}
	if len(reg.All()) != 2 {
		t.Fatalf("expected 2 breakers registered, got %d", len(reg.All()))
	}
}
