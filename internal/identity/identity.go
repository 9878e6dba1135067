// Package identity derives and carries the chat-platform entity behind an
// inbound update (a private user or an external group) and gates access for
// banned entities before they reach business logic. Adapted from the
// teacher's cookie-based anonymous-identity middleware: the same
// context-carry and short-circuit shape, keyed on a platform entity id
// rather than a browser cookie.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/supportbroker/internal/domain"
)

// ErrBanned is returned by Gate when the inbound entity is currently banned.
var ErrBanned = errors.New("identity: entity is banned")

// Entity identifies the chat-platform actor behind an inbound update.
type Entity struct {
	ID   string
	Type domain.EntityType
	Name string
}

// Normalize trims a raw platform id and name into an Entity. Platform ids
// are opaque strings here (the webhook layer stringifies numeric chat ids),
// so normalization is limited to whitespace trimming; no validation is done.
func Normalize(entityType domain.EntityType, rawID, name string) Entity {
	return Entity{ID: strings.TrimSpace(rawID), Type: entityType, Name: strings.TrimSpace(name)}
}

type contextKey int

const entityContextKey contextKey = iota

// WithEntity stores e in ctx for downstream handlers.
func WithEntity(ctx context.Context, e Entity) context.Context {
	return context.WithValue(ctx, entityContextKey, e)
}

// FromContext retrieves the Entity stored by WithEntity.
func FromContext(ctx context.Context) (Entity, bool) {
	e, ok := ctx.Value(entityContextKey).(Entity)
	return e, ok
}

// BanChecker reports whether an entity is currently banned. Satisfied by
// *internal/conversation.Manager.
type BanChecker interface {
	IsBanned(ctx context.Context, entityID string) (bool, error)
}

// UpdateHandler processes one inbound update on behalf of an identified entity.
type UpdateHandler func(ctx context.Context, e Entity) error

// Gate wraps next so a banned entity's update never reaches business logic.
// Mirrors the teacher's Middleware(repo, isDev) shape: compute identity
// up front, short-circuit before the wrapped handler runs.
func Gate(checker BanChecker, next UpdateHandler) UpdateHandler {
	return func(ctx context.Context, e Entity) error {
		banned, err := checker.IsBanned(ctx, e.ID)
		if err != nil {
			return fmt.Errorf("identity: check ban for %s: %w", e.ID, err)
		}
		if banned {
			return ErrBanned
		}
		return next(ctx, e)
	}
}
