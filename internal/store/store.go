// Package store provides data persistence interfaces and implementations
// for conversations, binding ids, messages, and bans.
package store

import (
	"context"
	"time"

	"github.com/ashureev/supportbroker/internal/domain"
)

// Repository defines the interface for persisting broker state.
type Repository interface {
	// GetConversationByEntity retrieves the conversation for an entity,
	// whatever its status, or nil if none exists.
	GetConversationByEntity(ctx context.Context, entityID string) (*domain.Conversation, error)

	// GetConversationByTopic retrieves the conversation bound to a topic id.
	GetConversationByTopic(ctx context.Context, topicID int64) (*domain.Conversation, error)

	// CreateConversation inserts a new conversation and returns its assigned ID.
	CreateConversation(ctx context.Context, conv *domain.Conversation) (int64, error)

	// UpdateConversation persists a conversation's mutable fields. If
	// expectedUpdatedAt is non-zero, the update only applies if the row's
	// current updated_at still matches it (optimistic locking).
	UpdateConversation(ctx context.Context, conv *domain.Conversation, expectedUpdatedAt time.Time) error

	// IncrementPreBindCount atomically increments pre_bind_count and returns
	// the new value.
	IncrementPreBindCount(ctx context.Context, conversationID int64) (int, error)

	// GetBindingID looks up a binding id by its custom id.
	GetBindingID(ctx context.Context, customID string) (*domain.BindingID, error)

	// CreateBindingID inserts a new, unused binding id.
	CreateBindingID(ctx context.Context, b *domain.BindingID) error

	// ConsumeBindingID marks a binding id used by entityID, failing if it is
	// already used (optimistic, single-use guarantee).
	ConsumeBindingID(ctx context.Context, customID, entityID string) error

	// InsertMessage records one inbound or outbound message.
	InsertMessage(ctx context.Context, msg *domain.Message) (int64, error)

	// ListMessages retrieves recent messages for a conversation, newest last.
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]domain.Message, error)

	// GetBan retrieves a ban record for entityID, or nil if none exists.
	GetBan(ctx context.Context, entityID string) (*domain.Ban, error)

	// UpsertBan creates or replaces a ban record.
	UpsertBan(ctx context.Context, ban *domain.Ban) error

	// DeleteBan lifts a ban.
	DeleteBan(ctx context.Context, entityID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
