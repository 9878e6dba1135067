// Package fleet implements the Bot Fleet Manager (spec C4): the registry of
// configured bots, their health state, and the probes that keep that state
// current. Grounded on the teacher's internal/container/manager.go (retry +
// structured-logging Manager shape) and internal/terminal/manager.go
// (RWMutex-guarded nested-map registry), repurposed from containers/
// terminal sessions to bots; behavior grounded on
// original_source/app/bot_manager.py.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/supportbroker/internal/botapi"
	"github.com/ashureev/supportbroker/internal/circuitbreaker"
	"github.com/ashureev/supportbroker/internal/domain"
	"github.com/ashureev/supportbroker/internal/loadbalancer"
)

// Manager owns the fleet's runtime bot registry and the probes that keep it
// current: heartbeats, health checks, and rate-limit-window resets.
type Manager struct {
	mu   sync.RWMutex
	bots map[string]*domain.Bot

	client   *botapi.Client
	breakers *circuitbreaker.Registry
	weights  loadbalancer.Weights
	log      *slog.Logger
}

// New constructs a Manager seeded with the given static bot configurations.
func New(specs []domain.BotConfig, client *botapi.Client, breakers *circuitbreaker.Registry, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		bots:     make(map[string]*domain.Bot, len(specs)),
		client:   client,
		breakers: breakers,
		weights:  loadbalancer.DefaultWeights(),
		log:      log,
	}
	for _, s := range specs {
		status := domain.BotHealthy
		if !s.Enabled {
			status = domain.BotDisabled
		}
		m.bots[s.ID] = &domain.Bot{Config: s, Status: status}
	}
	return m
}

// Snapshot returns a copy of every registered bot's current state.
func (m *Manager) Snapshot() []domain.Bot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Bot, 0, len(m.bots))
	for _, b := range m.bots {
		out = append(out, *b)
	}
	return out
}

// Get returns a copy of one bot's state, or ok=false if unknown.
func (m *Manager) Get(botID string) (domain.Bot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[botID]
	if !ok {
		return domain.Bot{}, false
	}
	return *b, true
}

// GetBestBot selects the bot to use for a new message, per loadbalancer's
// availability and affinity-pin semantics (spec §3/§4.4/§4.7). candidatesForSelection
// only trims bots whose circuit breaker has tripped — every other
// eligibility rule (enabled, status, rate-limit reset, request cap) is
// loadbalancer.SelectBest's job, so a healthy-but-breaker-tripped bot is the
// only case excluded here rather than there.
func (m *Manager) GetBestBot(ctx context.Context, affinityBotID string) (domain.Bot, error) {
	candidates := m.candidatesForSelection()
	best, ok := loadbalancer.SelectBest(candidates, time.Now(), affinityBotID, m.weights)
	if !ok {
		return domain.Bot{}, fmt.Errorf("fleet: no available bot out of %d registered", len(candidates))
	}
	return best, nil
}

func (m *Manager) candidatesForSelection() []domain.Bot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Bot, 0, len(m.bots))
	for _, b := range m.bots {
		if m.breakers != nil && !m.breakers.Get(b.Config.ID).Allow() {
			continue
		}
		out = append(out, *b)
	}
	return out
}

// RecordRequest increments a bot's in-window request counter, resetting the
// window if a minute has elapsed since it started.
func (m *Manager) RecordRequest(botID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok {
		return
	}
	now := time.Now()
	if now.Sub(b.RequestWindowStarted) >= time.Minute {
		b.RequestWindowStarted = now
		b.RequestCount = 0
	}
	b.RequestCount++
	b.LastRequestTime = now
}

// MarkSuccess clears a bot's failure streak and marks it healthy.
func (m *Manager) MarkSuccess(botID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok {
		return
	}
	b.ConsecutiveFailures = 0
	b.LastError = ""
	if b.Status != domain.BotDisabled {
		b.Status = domain.BotHealthy
	}
}

// MarkRateLimited marks a bot as rate-limited by the platform until resetAt.
func (m *Manager) MarkRateLimited(botID string, resetAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok {
		return
	}
	b.Status = domain.BotRateLimited
	b.RateLimitResetTime = resetAt
	m.log.Warn("bot rate limited by platform", "bot_id", botID, "reset_at", resetAt)
}

// MarkError records a failed call against a bot, incrementing its
// consecutive-failure streak and transitioning it to BotError.
func (m *Manager) MarkError(botID string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok {
		return
	}
	b.ConsecutiveFailures++
	b.LastError = cause.Error()
	b.Status = domain.BotError
	m.log.Error("bot call failed", "bot_id", botID, "consecutive_failures", b.ConsecutiveFailures, "error", cause)
}

// Disable administratively disables a bot, removing it from selection.
func (m *Manager) Disable(botID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bots[botID]; ok {
		b.Status = domain.BotDisabled
		b.Config.Enabled = false
	}
}

// Enable re-admits a previously disabled bot.
func (m *Manager) Enable(botID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bots[botID]; ok {
		b.Config.Enabled = true
		b.Status = domain.BotHealthy
		b.ConsecutiveFailures = 0
	}
}

// RunHealthChecks periodically probes the platform via getMe for every
// registered bot and updates its heartbeat/status, until ctx is cancelled.
// Mirrors the teacher's ttl.go ticker-loop shape.
func (m *Manager) RunHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Manager) probeAll(ctx context.Context) {
	for _, bot := range m.Snapshot() {
		if err := m.probeOne(ctx, bot); err != nil {
			m.log.Warn("bot health probe failed", "bot_id", bot.Config.ID, "error", err)
		}
	}
}

// probeOne calls getMe against bot and updates its registry state. A
// successful call clears the failure streak via MarkSuccess; a 429 response
// transitions the bot to BotRateLimited via MarkRateLimited (so that status
// is actually reachable, rather than the dead field it was before this path
// existed); an invalid-token response is a permanent ERROR distinct from a
// transient failure, since retrying won't recover it; anything else is a
// transient failure recorded via MarkError.
func (m *Manager) probeOne(ctx context.Context, bot domain.Bot) error {
	if m.client == nil {
		return nil
	}
	var out struct {
		OK bool `json:"ok"`
	}
	err := m.client.Call(ctx, bot.Config.Token, "getMe", nil, &out)
	m.recordHeartbeat(bot.Config.ID, err == nil)

	if err == nil {
		m.MarkSuccess(bot.Config.ID)
		return nil
	}

	var rlErr *botapi.RateLimitError
	switch {
	case errors.As(err, &rlErr):
		m.MarkRateLimited(bot.Config.ID, time.Now().Add(rlErr.RetryAfter))
	case errors.Is(err, botapi.ErrUnauthorized):
		m.markCredentialError(bot.Config.ID)
	default:
		m.MarkError(bot.Config.ID, err)
	}
	return err
}

func (m *Manager) recordHeartbeat(botID string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok {
		return
	}
	b.HealthCheckCount++
	if healthy {
		b.LastHeartbeat = time.Now()
	} else {
		b.LastHeartbeat = time.Time{}
	}
}

// markCredentialError marks a bot ERROR for an invalid-token response. It is
// distinct from MarkError's consecutive-failure accounting because a bad
// credential won't self-heal on retry the way a transient failure might.
func (m *Manager) markCredentialError(botID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok {
		return
	}
	b.Status = domain.BotError
	b.LastError = "invalid credentials"
}
