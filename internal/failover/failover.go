// Package failover implements the Failover Manager (spec C5): deciding when
// to move traffic off a failing bot, suppressing repeat failover storms, and
// keeping a journal used for MTTR/MTBF analytics (availability is not
// computed). Grounded on
// original_source/app/failover_manager.py and app/failover_events.py.
package failover

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/supportbroker/internal/fleet"
	"github.com/google/uuid"
)

// Config controls suppression, failure accumulation, and recovery-probe
// cadence.
type Config struct {
	SuppressionWindow time.Duration // minimum gap between failover events for the same bot
	RecoveryInterval  time.Duration // how often the recovery loop probes failed bots
	FailureThreshold  int           // consecutive failures required before a failover fires (spec §4.5 step 2, default 3)
}

// DefaultConfig mirrors the original's defaults.
func DefaultConfig() Config {
	return Config{SuppressionWindow: 60 * time.Second, RecoveryInterval: 300 * time.Second, FailureThreshold: 3}
}

// Event is a recorded failover decision. It aliases this package's own
// eventRecord type, not domain.FailoverEvent, so callers only need to import
// this package for failover concerns.
type Event = eventRecord

type eventRecord struct {
	EventID      string
	FailedBotID  string
	Reason       string
	Timestamp    time.Time
	TargetBotID  string
	RecoveryTime *time.Time
}

// Resolved reports whether the failed bot has since recovered.
func (e eventRecord) Resolved() bool { return e.RecoveryTime != nil }

// Manager decides failover targets and journals the outcome.
type Manager struct {
	fleet *fleet.Manager
	cfg   Config
	log   *slog.Logger

	mu            sync.Mutex
	journal       []eventRecord
	suppressedUntil map[string]time.Time
}

// New constructs a Manager bound to a fleet.Manager.
func New(fleetManager *fleet.Manager, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		fleet:           fleetManager,
		cfg:             cfg,
		log:             log,
		suppressedUntil: make(map[string]time.Time),
	}
}

// HandleFailure is called after the fleet has already recorded a failure for
// failedBotID (fleet.Manager.MarkError, which increments ConsecutiveFailures
// before this runs). It implements spec §4.5's three steps in order: (1) if
// a failover already fired for this bot within SuppressionWindow, no-op; (2)
// if the bot's consecutive-failure count hasn't yet reached
// FailureThreshold, no-op without opening an event — a single failure, or
// even two, should not trigger a failover on its own; (3) only once the
// threshold is crossed does it select a replacement, open a FailoverEvent,
// and journal it.
func (m *Manager) HandleFailure(ctx context.Context, failedBotID, reason string) (*eventRecord, error) {
	m.mu.Lock()
	if until, ok := m.suppressedUntil[failedBotID]; ok && time.Now().Before(until) {
		m.mu.Unlock()
		m.log.Debug("failover suppressed, already handled recently", "bot_id", failedBotID)
		return nil, nil
	}
	m.mu.Unlock()

	bot, ok := m.fleet.Get(failedBotID)
	if !ok {
		return nil, fmt.Errorf("failover: unknown bot %s", failedBotID)
	}
	threshold := m.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if bot.ConsecutiveFailures < threshold {
		m.log.Debug("failure below threshold, no failover yet",
			"bot_id", failedBotID, "consecutive_failures", bot.ConsecutiveFailures, "threshold", threshold)
		return nil, nil
	}

	m.mu.Lock()
	m.suppressedUntil[failedBotID] = time.Now().Add(m.cfg.SuppressionWindow)
	m.mu.Unlock()

	target, err := m.fleet.GetBestBot(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failover: no replacement bot available for %s: %w", failedBotID, err)
	}

	ev := eventRecord{
		EventID:     uuid.NewString(),
		FailedBotID: failedBotID,
		Reason:      reason,
		Timestamp:   time.Now(),
		TargetBotID: target.Config.ID,
	}

	m.mu.Lock()
	m.journal = append(m.journal, ev)
	m.mu.Unlock()

	m.log.Warn("failover triggered", "failed_bot", failedBotID, "reason", reason, "target_bot", target.Config.ID, "event_id", ev.EventID)
	return &ev, nil
}

// RunRecoveryLoop periodically checks whether previously-failed bots have
// become healthy again, marking their journal entries resolved.
func (m *Manager) RunRecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkRecoveries()
		}
	}
}

func (m *Manager) checkRecoveries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for i := range m.journal {
		ev := &m.journal[i]
		if ev.Resolved() {
			continue
		}
		bot, ok := m.fleet.Get(ev.FailedBotID)
		if !ok {
			continue
		}
		if bot.ConsecutiveFailures == 0 {
			t := now
			ev.RecoveryTime = &t
			m.log.Info("bot recovered", "bot_id", ev.FailedBotID, "event_id", ev.EventID, "mttr", t.Sub(ev.Timestamp))
		}
	}
}

// Journal returns a copy of every recorded failover event, most recent last.
func (m *Manager) Journal() []eventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]eventRecord, len(m.journal))
	copy(out, m.journal)
	return out
}

// Analytics summarizes the journal for the admin snapshot.
type Analytics struct {
	TotalEvents     int
	ResolvedEvents  int
	MeanTimeToRecover time.Duration
	MeanTimeBetweenFailures time.Duration
}

// Stats computes MTTR/MTBF over the current journal.
func (m *Manager) Stats() Analytics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var a Analytics
	a.TotalEvents = len(m.journal)
	if a.TotalEvents == 0 {
		return a
	}

	var totalRecovery time.Duration
	for _, ev := range m.journal {
		if ev.Resolved() {
			a.ResolvedEvents++
			totalRecovery += ev.RecoveryTime.Sub(ev.Timestamp)
		}
	}
	if a.ResolvedEvents > 0 {
		a.MeanTimeToRecover = totalRecovery / time.Duration(a.ResolvedEvents)
	}

	if len(m.journal) > 1 {
		span := m.journal[len(m.journal)-1].Timestamp.Sub(m.journal[0].Timestamp)
		a.MeanTimeBetweenFailures = span / time.Duration(len(m.journal)-1)
	}
	return a
}
