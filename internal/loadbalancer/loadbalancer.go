// Package loadbalancer scores candidate bots for a single outbound message
// (spec C7), grounded on original_source/app/bot_manager.py's load-score
// computation. It is a pure function over domain.Bot snapshots; it holds no
// state of its own and performs no I/O.
package loadbalancer

import (
	"sort"
	"time"

	"github.com/ashureev/supportbroker/internal/domain"
)

// Weights tunes how heavily each signal contributes to a bot's score.
// Higher final scores are preferred.
type Weights struct {
	Priority       float64 // reward for administrator-assigned priority (lower priority number is better)
	LoadPenalty    float64 // penalty per unit of current request-window utilization
	FailurePenalty float64 // penalty per consecutive failure
	AffinityBonus  float64 // last-resort scoring nudge; SelectBest pins affinity ahead of scoring entirely
}

// DefaultWeights matches the relative weighting implied by the original's
// load-score formula.
func DefaultWeights() Weights {
	return Weights{
		Priority:       10,
		LoadPenalty:    5,
		FailurePenalty: 8,
		AffinityBonus:  15,
	}
}

// IsAvailable reports whether bot may receive a new message right now:
// administratively enabled, not mid an active platform rate-limit window,
// under its per-minute request cap, and in a status the load balancer ever
// considers — only HEALTHY and UNKNOWN are selectable; RATE_LIMITED, ERROR,
// and DISABLED bots are excluded outright, never merely score-penalized.
func IsAvailable(bot domain.Bot, now time.Time) bool {
	if !bot.Config.Enabled {
		return false
	}
	if bot.Status != domain.BotHealthy && bot.Status != domain.BotUnknown {
		return false
	}
	if !bot.RateLimitResetTime.IsZero() && now.Before(bot.RateLimitResetTime) {
		return false
	}
	if bot.Config.MaxRequestsPerMin > 0 && bot.RequestCount >= bot.Config.MaxRequestsPerMin {
		return false
	}
	return true
}

// Score computes bot's suitability for a message right now. Callers should
// only pass bots that already pass IsAvailable; Score itself carries no
// eligibility logic, only relative ranking.
func Score(bot domain.Bot, now time.Time, affinityBotID string, w Weights) float64 {
	score := w.Priority * float64(100-clamp(bot.Config.Priority, 1, 100))

	utilization := 0.0
	if bot.Config.MaxRequestsPerMin > 0 {
		utilization = float64(bot.RequestCount) / float64(bot.Config.MaxRequestsPerMin)
	}
	score -= w.LoadPenalty * utilization * 100

	score -= w.FailurePenalty * float64(bot.ConsecutiveFailures)

	// UNKNOWN bots are only ever a last resort among available bots.
	if bot.Status == domain.BotUnknown {
		score -= 50
	}

	if affinityBotID != "" && affinityBotID == bot.Config.ID {
		score += w.AffinityBonus
	}

	return score
}

// SelectBest returns the bot to use for a message, or ok=false if none is
// available. A previous assignment that still points to an available bot is
// honored unconditionally — an affinity bot wins outright rather than merely
// collecting a scoring bonus that a healthier rival could outweigh. Absent a
// usable affinity bot, HEALTHY candidates are preferred as a group; only
// when none are HEALTHY does the lowest-load UNKNOWN bot get picked, so
// get_best_bot() always falls back to "lowest-load available" instead of
// returning none while an UNKNOWN bot still exists.
func SelectBest(candidates []domain.Bot, now time.Time, affinityBotID string, w Weights) (domain.Bot, bool) {
	available := make([]domain.Bot, 0, len(candidates))
	for _, b := range candidates {
		if IsAvailable(b, now) {
			available = append(available, b)
		}
	}
	if len(available) == 0 {
		return domain.Bot{}, false
	}

	if affinityBotID != "" {
		for _, b := range available {
			if b.Config.ID == affinityBotID {
				return b, true
			}
		}
	}

	if best, ok := bestOf(filterStatus(available, domain.BotHealthy), affinityBotID, w); ok {
		return best, true
	}
	return bestOf(available, affinityBotID, w)
}

func filterStatus(bots []domain.Bot, status domain.BotStatus) []domain.Bot {
	out := make([]domain.Bot, 0, len(bots))
	for _, b := range bots {
		if b.Status == status {
			out = append(out, b)
		}
	}
	return out
}

func bestOf(candidates []domain.Bot, affinityBotID string, w Weights) (domain.Bot, bool) {
	type scored struct {
		bot   domain.Bot
		score float64
	}
	if len(candidates) == 0 {
		return domain.Bot{}, false
	}
	ranked := make([]scored, 0, len(candidates))
	for _, b := range candidates {
		ranked = append(ranked, scored{bot: b, score: Score(b, time.Now(), affinityBotID, w)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked[0].bot, true
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
