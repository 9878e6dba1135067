package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/supportbroker/internal/domain"
	"github.com/ashureev/supportbroker/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		topic_id INTEGER,
		status TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		entity_name TEXT NOT NULL DEFAULT '',
		custom_id TEXT NOT NULL DEFAULT '',
		verification TEXT NOT NULL DEFAULT 'pending',
		pre_bind_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_entity ON conversations(entity_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_topic ON conversations(topic_id) WHERE topic_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS binding_ids (
		custom_id TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		used_by_entity TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		platform_msg_id TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS bans (
		entity_id TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func scanConversation(row interface{ Scan(...any) error }) (*domain.Conversation, error) {
	var c domain.Conversation
	var topicID sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&c.ID, &c.EntityID, &c.EntityType, &topicID, &c.Status,
		&c.Language, &c.EntityName, &c.CustomID, &c.Verification, &c.PreBindCount,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	if topicID.Valid {
		c.TopicID = &topicID.Int64
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

const conversationColumns = `id, entity_id, entity_type, topic_id, status,
	language, entity_name, custom_id, verification, pre_bind_count,
	created_at, updated_at`

// GetConversationByEntity retrieves the conversation bound to an entity.
func (s *SQLiteStore) GetConversationByEntity(ctx context.Context, entityID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE entity_id = ?`, entityID)
	return scanConversation(row)
}

// GetConversationByTopic retrieves the conversation bound to a topic id.
func (s *SQLiteStore) GetConversationByTopic(ctx context.Context, topicID int64) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE topic_id = ?`, topicID)
	return scanConversation(row)
}

// CreateConversation inserts a new conversation and returns its assigned ID.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) (int64, error) {
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	var topicID interface{}
	if conv.TopicID != nil {
		topicID = *conv.TopicID
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(entity_id, entity_type, topic_id, status, language, entity_name, custom_id, verification, pre_bind_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.EntityID, conv.EntityType, topicID, conv.Status, conv.Language,
		conv.EntityName, conv.CustomID, conv.Verification, conv.PreBindCount,
		conv.CreatedAt.Unix(), conv.UpdatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create conversation: last insert id: %w", err)
	}
	return id, nil
}

// UpdateConversation persists a conversation's mutable fields, optionally
// guarded by optimistic locking on updated_at.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *domain.Conversation, expectedUpdatedAt time.Time) error {
	now := time.Now()
	// updated_at has one-second resolution; a guarded write always moves it
	// forward so the value it was guarded by no longer matches.
	if !expectedUpdatedAt.IsZero() && now.Unix() <= expectedUpdatedAt.Unix() {
		now = time.Unix(expectedUpdatedAt.Unix()+1, 0)
	}
	var topicID interface{}
	if conv.TopicID != nil {
		topicID = *conv.TopicID
	}

	query := `UPDATE conversations SET
		topic_id = ?, status = ?, language = ?, entity_name = ?, custom_id = ?,
		verification = ?, pre_bind_count = ?, updated_at = ?
		WHERE id = ?`
	args := []interface{}{
		topicID, conv.Status, conv.Language, conv.EntityName, conv.CustomID,
		conv.Verification, conv.PreBindCount, now.Unix(), conv.ID,
	}
	if !expectedUpdatedAt.IsZero() {
		query += ` AND updated_at = ?`
		args = append(args, expectedUpdatedAt.Unix())
	}

	result, err := retryOnBusy(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, query, args...)
	})
	if err != nil {
		return fmt.Errorf("update conversation %d: %w", conv.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conversation %d: rows affected: %w", conv.ID, err)
	}
	if rows == 0 {
		if !expectedUpdatedAt.IsZero() {
			return fmt.Errorf("update conversation %d: optimistic lock failed", conv.ID)
		}
		return fmt.Errorf("update conversation %d: not found", conv.ID)
	}
	conv.UpdatedAt = now
	return nil
}

// IncrementPreBindCount atomically increments pre_bind_count.
func (s *SQLiteStore) IncrementPreBindCount(ctx context.Context, conversationID int64) (int, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET pre_bind_count = pre_bind_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), conversationID)
	if err != nil {
		return 0, fmt.Errorf("increment pre_bind_count for %d: %w", conversationID, err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT pre_bind_count FROM conversations WHERE id = ?`, conversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read pre_bind_count for %d: %w", conversationID, err)
	}
	return count, nil
}

// GetBindingID looks up a binding id by its custom id.
func (s *SQLiteStore) GetBindingID(ctx context.Context, customID string) (*domain.BindingID, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT custom_id, password_hash, state, used_by_entity, created_at FROM binding_ids WHERE custom_id = ?`, customID)

	var b domain.BindingID
	var createdAt int64
	err := row.Scan(&b.CustomID, &b.PasswordHash, &b.State, &b.UsedByEntity, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan binding id %s: %w", customID, err)
	}
	b.CreatedAt = time.Unix(createdAt, 0)
	return &b, nil
}

// CreateBindingID inserts a new, unused binding id.
func (s *SQLiteStore) CreateBindingID(ctx context.Context, b *domain.BindingID) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO binding_ids (custom_id, password_hash, state, used_by_entity, created_at) VALUES (?, ?, ?, ?, ?)`,
		b.CustomID, b.PasswordHash, b.State, b.UsedByEntity, b.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create binding id %s: %w", b.CustomID, err)
	}
	return nil
}

// ConsumeBindingID marks a binding id used by entityID, failing if it is
// already used. This is the single-use guarantee's enforcement point.
func (s *SQLiteStore) ConsumeBindingID(ctx context.Context, customID, entityID string) error {
	result, err := retryOnBusy(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx,
			`UPDATE binding_ids SET state = ?, used_by_entity = ? WHERE custom_id = ? AND state = ?`,
			domain.BindingUsed, entityID, customID, domain.BindingUnused)
	})
	if err != nil {
		return fmt.Errorf("consume binding id %s: %w", customID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume binding id %s: rows affected: %w", customID, err)
	}
	if rows == 0 {
		return fmt.Errorf("consume binding id %s: already used or not found", customID)
	}
	return nil
}

// InsertMessage records one inbound or outbound message.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *domain.Message) (int64, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, direction, sender_id, platform_msg_id, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Direction, msg.SenderID, msg.PlatformMsgID, msg.Body, msg.CreatedAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert message for conversation %d: %w", msg.ConversationID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert message: last insert id: %w", err)
	}
	return id, nil
}

// ListMessages retrieves recent messages for a conversation, newest last.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID int64, limit int) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, direction, sender_id, platform_msg_id, body, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages for conversation %d: %w", conversationID, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close messages rows", "error", closeErr)
		}
	}()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.SenderID, &m.PlatformMsgID, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	// reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetBan retrieves a ban record for entityID, or nil if none exists.
func (s *SQLiteStore) GetBan(ctx context.Context, entityID string) (*domain.Ban, error) {
	row := s.db.QueryRowContext(ctx, `SELECT entity_id, expires_at, created_at FROM bans WHERE entity_id = ?`, entityID)
	var b domain.Ban
	var expiresAt, createdAt int64
	err := row.Scan(&b.EntityID, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan ban %s: %w", entityID, err)
	}
	if expiresAt > 0 {
		b.ExpiresAt = time.Unix(expiresAt, 0)
	}
	b.CreatedAt = time.Unix(createdAt, 0)
	return &b, nil
}

// UpsertBan creates or replaces a ban record.
func (s *SQLiteStore) UpsertBan(ctx context.Context, ban *domain.Ban) error {
	if ban.CreatedAt.IsZero() {
		ban.CreatedAt = time.Now()
	}
	var expiresAt int64
	if !ban.ExpiresAt.IsZero() {
		expiresAt = ban.ExpiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bans (entity_id, expires_at, created_at) VALUES (?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET expires_at = excluded.expires_at`,
		ban.EntityID, expiresAt, ban.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert ban %s: %w", ban.EntityID, err)
	}
	return nil
}

// DeleteBan lifts a ban.
func (s *SQLiteStore) DeleteBan(ctx context.Context, entityID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("delete ban %s: %w", entityID, err)
	}
	return nil
}

// retryOnBusy retries fn with exponential backoff on SQLITE_BUSY/locked
// errors, matching the teacher's DeleteAgentSession idiom generalized to
// any write.
func retryOnBusy(ctx context.Context, fn func() (sql.Result, error)) (sql.Result, error) {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !shared.IsSQLiteConflictError(err) {
			return nil, err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("sqlite write busy, retrying", "attempt", i+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, lastErr
}
