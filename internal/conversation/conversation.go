// Package conversation implements the Conversation State Machine (spec C9):
// entity-to-topic binding, the pre-bind message grace window, ban
// enforcement, and topic-deleted recovery. Grounded on
// original_source/app/services/conversation_service.py,
// app/topic_recovery.py, and app/validation.py. Per-entity serialization
// uses the teacher's sync.Map-of-locks idiom from internal/api/container.go
// (provisionLocks/destroyLocks), generalized from per-user container
// provisioning to per-entity conversation mutation. An optional
// internal/cache.Cache (spec C10) can be attached via WithCache to avoid a
// repository round trip on every inbound update for already-open
// conversations.
package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/ashureev/supportbroker/internal/cache"
	"github.com/ashureev/supportbroker/internal/domain"
	"github.com/ashureev/supportbroker/internal/store"
)

// ErrBanned is returned when an entity with an active ban attempts any action.
var ErrBanned = errors.New("conversation: entity is banned")

// ErrPreBindCapExceeded is returned when an unverified entity exceeds the
// pre-bind message grace window.
var ErrPreBindCapExceeded = errors.New("conversation: pre-bind message cap exceeded, binding required")

// ErrInvalidBindFormat is returned by ValidateBindCommand for malformed input.
var ErrInvalidBindFormat = errors.New("conversation: invalid bind command format")

// ErrBindingNotFound is returned when a referenced binding id does not exist.
var ErrBindingNotFound = errors.New("conversation: binding id not found")

// ErrBindingPasswordMismatch is returned when a binding id requires a
// password and the supplied one does not match.
var ErrBindingPasswordMismatch = errors.New("conversation: binding id password mismatch")

// ErrBindingAlreadyUsed is returned when a binding id has already been
// consumed by a different entity.
var ErrBindingAlreadyUsed = errors.New("conversation: binding id already used")

// DefaultPreBindCap mirrors the original's grace window before binding is
// mandatory.
const DefaultPreBindCap = 10

var customIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

// Config tunes the state machine.
type Config struct {
	PreBindCap int
}

// DefaultConfig returns the original's defaults.
func DefaultConfig() Config {
	return Config{PreBindCap: DefaultPreBindCap}
}

// Manager owns conversation lifecycle transitions.
type Manager struct {
	repo  store.Repository
	cfg   Config
	log   *slog.Logger
	cache *cache.Cache // optional: entityID/topic -> *domain.Conversation

	locks sync.Map // entityID -> *sync.Mutex
}

// New constructs a Manager over repo.
func New(repo store.Repository, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PreBindCap <= 0 {
		cfg.PreBindCap = DefaultPreBindCap
	}
	return &Manager{repo: repo, cfg: cfg, log: log}
}

// WithCache attaches a hot-lookup cache (spec C10) for conversation-by-entity
// and conversation-by-topic reads, avoiding a SQLite round trip on every
// inbound update for conversations that are already open. Returns m so it
// can be chained onto New.
func (m *Manager) WithCache(c *cache.Cache) *Manager {
	m.cache = c
	return m
}

func topicCacheKey(topicID int64) string {
	return fmt.Sprintf("topic:%d", topicID)
}

func (m *Manager) cacheConversation(conv *domain.Conversation) {
	if m.cache == nil || conv == nil {
		return
	}
	m.cache.Set(conv.EntityID, conv)
	if conv.TopicID != nil {
		m.cache.Set(topicCacheKey(*conv.TopicID), conv)
	}
}

// invalidate drops any cached entries for conv so the next lookup re-reads
// from the repository. The mutation paths in this file refresh the cache
// through cacheConversation instead and do not call it.
func (m *Manager) invalidate(conv *domain.Conversation) {
	if m.cache == nil || conv == nil {
		return
	}
	m.cache.Delete(conv.EntityID)
	if conv.TopicID != nil {
		m.cache.Delete(topicCacheKey(*conv.TopicID))
	}
}

// lockFor returns the per-entity mutex, creating it on first use and never
// removing it — conversations are long-lived, unlike the teacher's
// per-provision-request locks, so there is no matching destroyLocks step.
func (m *Manager) lockFor(entityID string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(entityID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// GetOrCreate returns the entity's existing conversation, or creates a new
// pending one. It fails with ErrBanned if the entity is currently banned.
func (m *Manager) GetOrCreate(ctx context.Context, entityID string, entityType domain.EntityType, entityName, language string) (*domain.Conversation, error) {
	lock := m.lockFor(entityID)
	lock.Lock()
	defer lock.Unlock()

	if banned, err := m.IsBanned(ctx, entityID); err != nil {
		return nil, err
	} else if banned {
		return nil, ErrBanned
	}

	if m.cache != nil {
		if v, ok := m.cache.Get(entityID); ok {
			conv := v.(*domain.Conversation)
			if err := m.reopenIfNeeded(ctx, conv); err != nil {
				return nil, err
			}
			return conv, nil
		}
	}

	existing, err := m.repo.GetConversationByEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("conversation: lookup %s: %w", entityID, err)
	}
	if existing != nil {
		if err := m.reopenIfNeeded(ctx, existing); err != nil {
			return nil, err
		}
		m.cacheConversation(existing)
		return existing, nil
	}

	conv := &domain.Conversation{
		EntityID:     entityID,
		EntityType:   entityType,
		EntityName:   entityName,
		Language:     language,
		Status:       domain.ConvPending,
		Verification: domain.VerificationPending,
	}
	id, err := m.repo.CreateConversation(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("conversation: create for %s: %w", entityID, err)
	}
	conv.ID = id
	m.cacheConversation(conv)
	m.log.Info("conversation created", "entity_id", entityID, "entity_type", entityType)
	return conv, nil
}

// IsBanned reports whether entityID currently has an active (non-expired) ban.
func (m *Manager) IsBanned(ctx context.Context, entityID string) (bool, error) {
	ban, err := m.repo.GetBan(ctx, entityID)
	if err != nil {
		return false, fmt.Errorf("conversation: check ban %s: %w", entityID, err)
	}
	if ban == nil {
		return false, nil
	}
	if ban.Expired(time.Now()) {
		return false, nil
	}
	return true, nil
}

// Ban blocks entityID. duration of zero means permanent.
func (m *Manager) Ban(ctx context.Context, entityID string, duration time.Duration) error {
	ban := &domain.Ban{EntityID: entityID}
	if duration > 0 {
		ban.ExpiresAt = time.Now().Add(duration)
	}
	if err := m.repo.UpsertBan(ctx, ban); err != nil {
		return fmt.Errorf("conversation: ban %s: %w", entityID, err)
	}
	m.log.Info("entity banned", "entity_id", entityID, "duration", duration)
	return nil
}

// Unban lifts a ban.
func (m *Manager) Unban(ctx context.Context, entityID string) error {
	return m.repo.DeleteBan(ctx, entityID)
}

// RecordPreBindMessage increments a pending conversation's pre-bind message
// counter and reports whether the message may proceed. Verified
// conversations are never capped. Crossing the cap closes the conversation
// in the same operation (spec §4.9 rule 2): an unverified entity that keeps
// messaging past the grace window stops accumulating state forever and must
// bind before its next message is accepted.
func (m *Manager) RecordPreBindMessage(ctx context.Context, conv *domain.Conversation) error {
	if conv.Verification == domain.VerificationVerified {
		return nil
	}
	count, err := m.repo.IncrementPreBindCount(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("conversation: record pre-bind message for %d: %w", conv.ID, err)
	}
	conv.PreBindCount = count
	if count > m.cfg.PreBindCap {
		if err := m.Close(ctx, conv); err != nil {
			return fmt.Errorf("conversation: close after pre-bind cap for %d: %w", conv.ID, err)
		}
		return ErrPreBindCapExceeded
	}
	return nil
}

// ValidateBindCommand checks a /bind command's syntax ahead of any lookup,
// per original_source/app/validation.py.
func ValidateBindCommand(customID, password string) error {
	if !customIDPattern.MatchString(customID) {
		return fmt.Errorf("%w: custom id must be 3-32 alphanumeric/underscore/dash characters", ErrInvalidBindFormat)
	}
	if len(password) > 128 {
		return fmt.Errorf("%w: password too long", ErrInvalidBindFormat)
	}
	return nil
}

// Bind consumes a binding id on behalf of conv's entity, verifying the
// conversation and recording its chosen custom id.
func (m *Manager) Bind(ctx context.Context, conv *domain.Conversation, customID, password string) error {
	if err := ValidateBindCommand(customID, password); err != nil {
		return err
	}

	binding, err := m.repo.GetBindingID(ctx, customID)
	if err != nil {
		return fmt.Errorf("conversation: lookup binding id %s: %w", customID, err)
	}
	if binding == nil {
		return ErrBindingNotFound
	}
	if binding.State == domain.BindingUsed {
		if binding.UsedByEntity == conv.EntityID {
			return nil
		}
		return ErrBindingAlreadyUsed
	}
	if binding.PasswordHash != "" && binding.PasswordHash != hashPassword(password) {
		return ErrBindingPasswordMismatch
	}

	if err := m.repo.ConsumeBindingID(ctx, customID, conv.EntityID); err != nil {
		return fmt.Errorf("conversation: consume binding id %s: %w", customID, err)
	}

	conv.CustomID = customID
	conv.Verification = domain.VerificationVerified
	conv.Status = domain.ConvOpen
	if err := m.repo.UpdateConversation(ctx, conv, time.Time{}); err != nil {
		return fmt.Errorf("conversation: persist bind for %d: %w", conv.ID, err)
	}
	m.cacheConversation(conv)
	m.log.Info("conversation bound", "entity_id", conv.EntityID, "custom_id", customID)
	return nil
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Close marks a conversation closed and resets its pre-bind grace window, so
// a reopened conversation gets a fresh cap (Open Question decision: reset on
// close, matching the original).
func (m *Manager) Close(ctx context.Context, conv *domain.Conversation) error {
	conv.Status = domain.ConvClosed
	conv.PreBindCount = 0
	if err := m.repo.UpdateConversation(ctx, conv, time.Time{}); err != nil {
		return fmt.Errorf("conversation: close %d: %w", conv.ID, err)
	}
	m.cacheConversation(conv)
	return nil
}

// Reopen marks a closed conversation open again.
func (m *Manager) Reopen(ctx context.Context, conv *domain.Conversation) error {
	conv.Status = domain.ConvOpen
	if err := m.repo.UpdateConversation(ctx, conv, time.Time{}); err != nil {
		return fmt.Errorf("conversation: reopen %d: %w", conv.ID, err)
	}
	m.cacheConversation(conv)
	m.log.Info("conversation reopened", "entity_id", conv.EntityID)
	return nil
}

// reopenIfNeeded implements spec §4.9 rule 4: a subsequent inbound message
// from the entity reopens a closed conversation. This only applies to a
// verified conversation that was explicitly /close'd — an unverified
// conversation closed for crossing the pre-bind cap (literal scenario 2)
// must not silently reopen on the next message; it stays closed until
// /bind succeeds, which itself sets Status back to ConvOpen via Bind.
func (m *Manager) reopenIfNeeded(ctx context.Context, conv *domain.Conversation) error {
	if conv.Status != domain.ConvClosed || conv.Verification != domain.VerificationVerified {
		return nil
	}
	return m.Reopen(ctx, conv)
}

// BindTopic records the support-group topic id backing conv.
func (m *Manager) BindTopic(ctx context.Context, conv *domain.Conversation, topicID int64) error {
	conv.TopicID = &topicID
	if err := m.repo.UpdateConversation(ctx, conv, time.Time{}); err != nil {
		return fmt.Errorf("conversation: bind topic for %d: %w", conv.ID, err)
	}
	m.cacheConversation(conv)
	return nil
}

// RecoverDeletedTopic clears a stale topic reference and marks the
// conversation pending. It does not create a replacement topic; a new one is
// recorded only when BindTopic is called. Topic loss is detected lazily, from an
// outbound call error, never from a proactive probe (Open Question
// decision, matching the original).
func (m *Manager) RecoverDeletedTopic(ctx context.Context, conv *domain.Conversation) error {
	if m.cache != nil && conv.TopicID != nil {
		m.cache.Delete(topicCacheKey(*conv.TopicID))
	}
	conv.TopicID = nil
	conv.Status = domain.ConvPending
	if err := m.repo.UpdateConversation(ctx, conv, time.Time{}); err != nil {
		return fmt.Errorf("conversation: recover deleted topic for %d: %w", conv.ID, err)
	}
	m.cacheConversation(conv)
	m.log.Warn("topic lost, conversation marked pending for recreation", "conversation_id", conv.ID, "entity_id", conv.EntityID)
	return nil
}

// ByTopic resolves the conversation bound to a support-group topic, used by
// the inbound path when an agent replies inside a topic thread.
func (m *Manager) ByTopic(ctx context.Context, topicID int64) (*domain.Conversation, error) {
	if m.cache != nil {
		if v, ok := m.cache.Get(topicCacheKey(topicID)); ok {
			return v.(*domain.Conversation), nil
		}
	}
	conv, err := m.repo.GetConversationByTopic(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("conversation: lookup by topic %d: %w", topicID, err)
	}
	m.cacheConversation(conv)
	return conv, nil
}

// BuildTopicName is a pure function deriving the support-group topic title
// for a conversation: verified entities show their chosen custom id,
// unverified ones show their entity name (or the entity id when the name is
// empty), and groups get a "[group] " prefix. The title carries no
// conversation status or verification marker.
func BuildTopicName(conv domain.Conversation) string {
	label := conv.EntityName
	if conv.Verification == domain.VerificationVerified && conv.CustomID != "" {
		label = conv.CustomID
	}
	if label == "" {
		label = conv.EntityID
	}
	if conv.EntityType == domain.EntityGroup {
		return fmt.Sprintf("[group] %s", label)
	}
	return label
}
