// Package coordinator implements the Message Coordinator (spec C8):
// end-to-end dedupe, classification, queueing, bot assignment, and
// dispatch for inbound chat-platform updates. Grounded on
// original_source/app/message_coordinator.py's MessageCoordinator /
// LoadBalancer / DistributedLock trio, rebuilt atop the package's own
// internal/queue, internal/fleet, and internal/kv rather than talking to
// Redis directly.
package coordinator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/supportbroker/internal/botapi"
	"github.com/ashureev/supportbroker/internal/domain"
	"github.com/ashureev/supportbroker/internal/failover"
	"github.com/ashureev/supportbroker/internal/fleet"
	"github.com/ashureev/supportbroker/internal/kv"
	"github.com/ashureev/supportbroker/internal/queue"
	"github.com/ashureev/supportbroker/internal/ratelimit"
)

// dedupeTTL bounds how long an update id is remembered; comfortably longer
// than any plausible webhook retry window.
const dedupeTTL = 10 * time.Minute

// Dispatcher performs the actual outbound call handing a queued message to
// its assigned bot. Swappable so tests can substitute a fake; HTTPDispatcher
// is the production implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, bot domain.Bot, msg domain.QueuedMessage) error
}

// DispatchFunc adapts a plain function to Dispatcher.
type DispatchFunc func(ctx context.Context, bot domain.Bot, msg domain.QueuedMessage) error

// Dispatch calls f.
func (f DispatchFunc) Dispatch(ctx context.Context, bot domain.Bot, msg domain.QueuedMessage) error {
	return f(ctx, bot, msg)
}

// HTTPDispatcher dispatches a queued message to its assigned bot over the
// chat platform's HTTP API, forwarding the original webhook payload as the
// call's params — mirrors the original's forward-style
// _execute_message_processing stage.
type HTTPDispatcher struct {
	client *botapi.Client
	method string
}

// NewHTTPDispatcher constructs an HTTPDispatcher. method defaults to
// "forwardMessage".
func NewHTTPDispatcher(client *botapi.Client, method string) *HTTPDispatcher {
	if method == "" {
		method = "forwardMessage"
	}
	return &HTTPDispatcher{client: client, method: method}
}

// Dispatch implements Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, bot domain.Bot, msg domain.QueuedMessage) error {
	var out json.RawMessage
	return d.client.Call(ctx, bot.Config.Token, d.method, json.RawMessage(msg.Payload), &out)
}

// Config tunes the coordinator's worker pool and classification rules.
type Config struct {
	Workers             int
	ProcessingDeadline  time.Duration
	StaleSweepInterval  time.Duration
	AdminUserIDs        map[string]struct{}
	SupportGroupChatID  string
	AutoFailoverEnabled bool // if false, a dispatch error only marks the bot, never triggers a failover event
}

// DefaultConfig returns sensible worker-pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers:             4,
		ProcessingDeadline:  60 * time.Second,
		StaleSweepInterval:  30 * time.Second,
		AutoFailoverEnabled: true,
	}
}

// Update is the minimal inbound shape the coordinator classifies and
// routes; webhook ingress adapts the platform's raw payload into this
// before calling Coordinate.
type Update struct {
	UpdateID string
	ChatID   string
	UserID   string
	ChatType string // "private", "group", "supergroup"
	Payload  []byte
}

// Coordinator is the Message Coordinator: it dedupes inbound updates,
// classifies and enqueues them, and runs the worker pool that assigns each
// to a bot and dispatches it.
type Coordinator struct {
	cfg       Config
	queue     *queue.Queue
	fleet     *fleet.Manager
	failover  *failover.Manager
	dedupe    kv.Store
	dispatch  Dispatcher
	limiter   *ratelimit.Limiter
	apiClient *botapi.Client
	log       *slog.Logger

	affinityMu sync.RWMutex
	affinity   map[string]string // chat id -> last successfully assigned bot id
}

// New constructs a Coordinator. limiter and apiClient may be nil: a nil
// limiter skips the per-bot throttle in process, and a nil apiClient makes
// DispatchReply fail loudly instead of panicking.
func New(cfg Config, q *queue.Queue, fl *fleet.Manager, fo *failover.Manager, dedupe kv.Store, dispatch Dispatcher, limiter *ratelimit.Limiter, apiClient *botapi.Client, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.ProcessingDeadline <= 0 {
		cfg.ProcessingDeadline = DefaultConfig().ProcessingDeadline
	}
	return &Coordinator{
		cfg:       cfg,
		queue:     q,
		fleet:     fl,
		failover:  fo,
		dedupe:    dedupe,
		dispatch:  dispatch,
		limiter:   limiter,
		apiClient: apiClient,
		log:       log,
		affinity:  make(map[string]string),
	}
}

// MessageID deterministically derives a dedupe-stable id from an update and
// its chat, mirroring generate_message_id's content hash but dropping the
// wall-clock component so a redelivered update collides on purpose instead
// of slipping past the dedupe lock.
func MessageID(updateID, chatID string) string {
	sum := md5.Sum([]byte(updateID + ":" + chatID))
	return hex.EncodeToString(sum[:])[:16]
}

// Coordinate dedupes, classifies, and enqueues a single inbound update. It
// returns (false, nil) for a duplicate, never an error, so callers can
// treat duplicates as a normal outcome rather than a failure.
func (c *Coordinator) Coordinate(ctx context.Context, u Update) (bool, error) {
	if u.UpdateID == "" || u.ChatID == "" || u.ChatType == "" {
		return false, errors.New("coordinator: incomplete update, missing update id, chat id, or chat type")
	}

	messageID := MessageID(u.UpdateID, u.ChatID)
	lockKey := fmt.Sprintf("coordinator:dedupe:%s", messageID)
	acquired, err := c.dedupe.AcquireLock(ctx, lockKey, "1", dedupeTTL)
	if err != nil {
		return false, fmt.Errorf("coordinator: dedupe check for %s: %w", messageID, err)
	}
	if !acquired {
		c.log.Debug("duplicate update dropped", "message_id", messageID, "update_id", u.UpdateID)
		return false, nil
	}

	msg := domain.QueuedMessage{
		MessageID:     messageID,
		UpdateID:      u.UpdateID,
		ChatID:        u.ChatID,
		UserID:        u.UserID,
		ChatType:      u.ChatType,
		Priority:      c.determinePriority(u),
		Payload:       u.Payload,
		CreatedAt:     time.Now(),
		AssignedBotID: c.affinityFor(u.ChatID),
	}

	if err := c.queue.Enqueue(ctx, msg); err != nil {
		return false, fmt.Errorf("coordinator: enqueue %s: %w", messageID, err)
	}
	c.log.Info("message coordinated", "message_id", messageID, "priority", msg.Priority, "chat_type", u.ChatType)
	return true, nil
}

// determinePriority mirrors _determine_priority: admin senders and the
// dedicated support group both get HIGH, private chats NORMAL, and
// everything else (ordinary groups) LOW.
func (c *Coordinator) determinePriority(u Update) domain.Priority {
	if u.UserID != "" {
		if _, ok := c.cfg.AdminUserIDs[u.UserID]; ok {
			return domain.PriorityHigh
		}
	}
	if c.cfg.SupportGroupChatID != "" && u.ChatID == c.cfg.SupportGroupChatID {
		return domain.PriorityHigh
	}
	if u.ChatType == "private" {
		return domain.PriorityNormal
	}
	return domain.PriorityLow
}

func (c *Coordinator) affinityFor(chatID string) string {
	c.affinityMu.RLock()
	defer c.affinityMu.RUnlock()
	return c.affinity[chatID]
}

func (c *Coordinator) setAffinity(chatID, botID string) {
	c.affinityMu.Lock()
	defer c.affinityMu.Unlock()
	c.affinity[chatID] = botID
}

// Run starts the worker pool and the stale-message sweeper, blocking until
// ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(c.cfg.Workers)
	for i := 0; i < c.cfg.Workers; i++ {
		go func(workerID int) {
			defer wg.Done()
			c.workerLoop(ctx, workerID)
		}(i)
	}

	if c.cfg.StaleSweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.queue.RunStaleSweep(ctx, c.cfg.StaleSweepInterval)
		}()
	}

	wg.Wait()
}

func (c *Coordinator) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, ok, err := c.queue.Dequeue(ctx, c.cfg.ProcessingDeadline)
			if err != nil {
				c.log.Error("dequeue failed", "worker", workerID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			c.process(ctx, msg)
		}
	}
}

// process assigns a bot (honoring sticky affinity when the prior bot is
// still healthy) and dispatches the message, routing the outcome to the
// queue's retry/dead-letter machinery and, on genuine bot failure, into the
// Failover Manager.
func (c *Coordinator) process(ctx context.Context, msg domain.QueuedMessage) {
	bot, err := c.fleet.GetBestBot(ctx, msg.AssignedBotID)
	if err != nil {
		c.log.Error("no bot available for message", "message_id", msg.MessageID, "error", err)
		if markErr := c.queue.MarkFailed(ctx, msg); markErr != nil {
			c.log.Error("mark failed after bot selection failure", "message_id", msg.MessageID, "error", markErr)
		}
		return
	}

	if c.limiter != nil {
		res, err := c.limiter.Check(ctx, "bot_request", "bot", bot.Config.ID, 1)
		if err != nil {
			c.log.Error("bot rate limit check failed", "bot_id", bot.Config.ID, "error", err)
		} else if !res.Allowed {
			c.log.Debug("bot request throttled locally, deferring message",
				"bot_id", bot.Config.ID, "message_id", msg.MessageID, "retry_after", res.RetryAfter)
			if markErr := c.queue.MarkFailed(ctx, msg); markErr != nil {
				c.log.Error("requeue after local bot throttle failed", "message_id", msg.MessageID, "error", markErr)
			}
			return
		}
	}

	c.fleet.RecordRequest(bot.Config.ID)
	err = c.dispatch.Dispatch(ctx, bot, msg)

	switch {
	case err == nil:
		c.fleet.MarkSuccess(bot.Config.ID)
		c.setAffinity(msg.ChatID, bot.Config.ID)
		if markErr := c.queue.MarkCompleted(ctx, msg.MessageID); markErr != nil {
			c.log.Error("mark completed failed", "message_id", msg.MessageID, "error", markErr)
		}

	case errors.Is(err, botapi.ErrTopicNotFound):
		// Topic loss is a conversation-side condition, not a bot failure:
		// the bot stays healthy and the message is requeued via MarkFailed.
		// This path does not call conversation.RecoverDeletedTopic or
		// recreate the topic; the retry dispatches to the same topic.
		c.log.Warn("target topic missing, message will retry after recreation", "message_id", msg.MessageID, "bot_id", bot.Config.ID)
		if markErr := c.queue.MarkFailed(ctx, msg); markErr != nil {
			c.log.Error("requeue after topic loss failed", "message_id", msg.MessageID, "error", markErr)
		}

	default:
		c.fleet.MarkError(bot.Config.ID, err)
		if c.failover != nil && c.cfg.AutoFailoverEnabled {
			if _, foErr := c.failover.HandleFailure(ctx, bot.Config.ID, err.Error()); foErr != nil {
				c.log.Error("failover handling failed", "bot_id", bot.Config.ID, "error", foErr)
			}
		}
		if markErr := c.queue.MarkFailed(ctx, msg); markErr != nil {
			c.log.Error("mark failed failed", "message_id", msg.MessageID, "error", markErr)
		}
	}
}

// DispatchReply sends an operator's reply text directly to entityChatID via
// the best available bot's sendMessage call, bypassing the priority queue:
// operator replies are interactive and should not wait behind the inbound
// backlog. affinityBotID, if known, is honored the same way message
// dispatch honors conversation affinity.
func (c *Coordinator) DispatchReply(ctx context.Context, entityChatID, affinityBotID, text string) error {
	if c.apiClient == nil {
		return errors.New("coordinator: no api client configured for operator replies")
	}
	bot, err := c.fleet.GetBestBot(ctx, affinityBotID)
	if err != nil {
		return fmt.Errorf("coordinator: no bot available for reply to %s: %w", entityChatID, err)
	}

	var out json.RawMessage
	params := map[string]any{"chat_id": entityChatID, "text": text}
	if err := c.apiClient.Call(ctx, bot.Config.Token, "sendMessage", params, &out); err != nil {
		c.fleet.MarkError(bot.Config.ID, err)
		return fmt.Errorf("coordinator: dispatch reply to %s via %s: %w", entityChatID, bot.Config.ID, err)
	}
	c.fleet.RecordRequest(bot.Config.ID)
	c.fleet.MarkSuccess(bot.Config.ID)
	c.setAffinity(entityChatID, bot.Config.ID)
	return nil
}
