// Package circuitbreaker implements the per-bot circuit breaker state
// machine (spec C2), grounded on original_source/app/circuit_breaker.py.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/supportbroker/internal/domain"
)

// ErrOpen is returned by Call when the breaker is open and rejecting calls.
var ErrOpen = errors.New("circuitbreaker: open, rejecting call")

// Config mirrors the original's CircuitBreakerConfig knobs.
type Config struct {
	FailureThreshold  int           // consecutive failures that trip CLOSED -> OPEN
	RecoveryTimeout   time.Duration // how long OPEN waits before probing in HALF_OPEN
	SuccessThreshold  int           // consecutive HALF_OPEN successes needed to close
	TimeWindow        time.Duration // window over which failures are counted
	MaxFailuresInWindow int         // alternate trip condition: N failures within TimeWindow
}

// DefaultConfig matches the original implementation's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		RecoveryTimeout:     60 * time.Second,
		SuccessThreshold:    3,
		TimeWindow:          300 * time.Second,
		MaxFailuresInWindow: 10,
	}
}

// Breaker is a single named circuit breaker.
type Breaker struct {
	name   string
	cfg    Config
	log    *slog.Logger

	mu              sync.Mutex
	state           domain.CircuitState
	consecutiveFail int
	consecutiveOK   int
	failureTimes    []time.Time
	lastFailure     time.Time
	lastSuccess     time.Time
	stateChangedAt  time.Time

	totalRequests  int64
	successTotal   int64
	failureTotal   int64
	rejectedTotal  int64
}

func newBreaker(name string, cfg Config, log *slog.Logger) *Breaker {
	return &Breaker{
		name:           name,
		cfg:            cfg,
		log:            log,
		state:          domain.CircuitClosed,
		stateChangedAt: time.Now(),
	}
}

// Allow reports whether a call may proceed right now, transitioning
// OPEN -> HALF_OPEN if the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case domain.CircuitClosed:
		return true
	case domain.CircuitHalfOpen:
		return true
	case domain.CircuitOpen:
		if time.Since(b.stateChangedAt) >= b.cfg.RecoveryTimeout {
			b.setStateLocked(domain.CircuitHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// Call runs fn if the breaker permits it, recording the outcome.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if !b.allowLocked() {
		b.rejectedTotal++
		b.mu.Unlock()
		return ErrOpen
	}
	b.totalRequests++
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailureLocked()
		return err
	}
	b.recordSuccessLocked()
	return nil
}

func (b *Breaker) recordFailureLocked() {
	now := time.Now()
	b.lastFailure = now
	b.consecutiveFail++
	b.consecutiveOK = 0
	b.failureTotal++
	b.failureTimes = append(b.failureTimes, now)
	b.pruneFailuresLocked(now)

	switch b.state {
	case domain.CircuitHalfOpen:
		b.setStateLocked(domain.CircuitOpen)
	case domain.CircuitClosed:
		if b.consecutiveFail >= b.cfg.FailureThreshold || len(b.failureTimes) >= b.cfg.MaxFailuresInWindow {
			b.setStateLocked(domain.CircuitOpen)
		}
	}
}

func (b *Breaker) recordSuccessLocked() {
	now := time.Now()
	b.lastSuccess = now
	b.consecutiveFail = 0
	b.consecutiveOK++
	b.successTotal++

	if b.state == domain.CircuitHalfOpen && b.consecutiveOK >= b.cfg.SuccessThreshold {
		b.setStateLocked(domain.CircuitClosed)
	}
}

func (b *Breaker) pruneFailuresLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.TimeWindow)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failureTimes = kept
}

func (b *Breaker) setStateLocked(s domain.CircuitState) {
	if b.state == s {
		return
	}
	old := b.state
	b.state = s
	b.stateChangedAt = time.Now()
	b.consecutiveOK = 0
	if s != domain.CircuitOpen {
		b.consecutiveFail = 0
	}
	if b.log != nil {
		b.log.Info("circuit breaker state change", "name", b.name, "from", old, "to", s)
	}
}

// Stats returns the breaker's current externally-observable state.
func (b *Breaker) Stats() domain.CircuitBreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.CircuitBreakerStats{
		Name:               b.name,
		State:              b.state,
		FailureCount:       b.consecutiveFail,
		SuccessCount:       b.consecutiveOK,
		LastFailureTime:    b.lastFailure,
		LastSuccessTime:    b.lastSuccess,
		TotalRequests:      b.totalRequests,
		SuccessfulRequests: b.successTotal,
		FailedRequests:     b.failureTotal,
		RejectedRequests:   b.rejectedTotal,
		StateChangeTime:    b.stateChangedAt,
	}
}

// State returns the breaker's current state without mutating it.
func (b *Breaker) State() domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureTimes = nil
	b.consecutiveFail = 0
	b.consecutiveOK = 0
	b.setStateLocked(domain.CircuitClosed)
}

// Registry holds one Breaker per name, created lazily on first use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	log      *slog.Logger
}

// NewRegistry constructs an empty registry using cfg for every new breaker.
func NewRegistry(cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfg, log: log}
}

// Get returns the breaker for name, creating it if absent.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, r.cfg, r.log)
	r.breakers[name] = b
	return b
}

// All returns a stats snapshot for every breaker currently registered.
func (r *Registry) All() []domain.CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.CircuitBreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}
