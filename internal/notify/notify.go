// Package notify throttles the user-facing "you're sending too fast"
// notification so a punished sender gets one warning per cooldown window
// rather than one per denied message. Grounded on
// original_source/app/rate_limit_notifications.py.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/supportbroker/internal/domain"
	"github.com/ashureev/supportbroker/internal/kv"
)

// DefaultCooldown matches the original's notification throttle window.
const DefaultCooldown = 60 * time.Second

// Throttle decides whether a rate-limit denial notification should be sent.
type Throttle struct {
	store    kv.Store
	cooldown time.Duration
}

// New constructs a Throttle over store with the given cooldown.
func New(store kv.Store, cooldown time.Duration) *Throttle {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Throttle{store: store, cooldown: cooldown}
}

// ShouldNotify reports whether a denial notification should be sent for
// entityID now, and if so, arms the cooldown so the next call within the
// window returns false. The cooldown key is scoped to (entity, chat) in
// private chats and to the entity alone in groups, so a single disruptive
// group member isn't re-warned once per chat thread they touch.
func (t *Throttle) ShouldNotify(ctx context.Context, entityID, chatID string, entityType domain.EntityType) (bool, error) {
	key := t.cooldownKey(entityID, chatID, entityType)

	token := "1"
	acquired, err := t.store.AcquireLock(ctx, key, token, t.cooldown)
	if err != nil {
		return false, fmt.Errorf("notify: check cooldown for %s: %w", entityID, err)
	}
	return acquired, nil
}

func (t *Throttle) cooldownKey(entityID, chatID string, entityType domain.EntityType) string {
	if entityType == domain.EntityGroup {
		return fmt.Sprintf("notify:cooldown:%s", entityID)
	}
	return fmt.Sprintf("notify:cooldown:%s:%s", entityID, chatID)
}
