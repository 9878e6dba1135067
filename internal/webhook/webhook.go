// Package webhook is the HTTP ingress for both directions of the data flow.
// Entity-originated updates are parsed, gated on ban state, rate-limited, and
// pushed through the conversation state machine into the message
// coordinator. Updates posted inside the support supergroup are routed by
// topic id to the operator-reply path: command parsing (/close, /ban,
// /unban) or a plain-text reply dispatched straight back to the bound
// entity. Grounded on the teacher's chi handler shape
// (internal/api/handler.go), original_source/app/tg_utils.py's webhook
// parsing, and original_source/app/handlers/commands.py's topic-scoped
// command dispatch.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/supportbroker/internal/conversation"
	"github.com/ashureev/supportbroker/internal/coordinator"
	"github.com/ashureev/supportbroker/internal/domain"
	"github.com/ashureev/supportbroker/internal/identity"
	"github.com/ashureev/supportbroker/internal/notify"
	"github.com/ashureev/supportbroker/internal/ratelimit"
)

const maxBodyBytes = 1 << 20 // 1 MiB, comfortably above any text-message update

// Handler is the webhook HTTP surface.
type Handler struct {
	conv               *conversation.Manager
	coord              *coordinator.Coordinator
	limiter            *ratelimit.Limiter
	notify             *notify.Throttle
	supportGroupChatID string
	log                *slog.Logger
}

// New constructs a Handler. supportGroupChatID identifies the dedicated
// support supergroup (spec §3's "support supergroup"); updates arriving from
// that chat are operator replies/commands routed by topic id rather than
// entity updates routed through the rate limiter and conversation grace
// window.
func New(conv *conversation.Manager, coord *coordinator.Coordinator, limiter *ratelimit.Limiter, notifyThrottle *notify.Throttle, supportGroupChatID string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{conv: conv, coord: coord, limiter: limiter, notify: notifyThrottle, supportGroupChatID: supportGroupChatID, log: log}
}

// Routes registers the webhook endpoint on r. The {botID} path segment names
// the fleet bot a given URL was registered for; ServeUpdate does not read it,
// so every bot's deliveries are handled the same way.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhook/{botID}", h.ServeUpdate)
}

type inboundChat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

type inboundFrom struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
}

type inboundMessage struct {
	MessageID       int64       `json:"message_id"`
	MessageThreadID *int64      `json:"message_thread_id"`
	Chat            inboundChat `json:"chat"`
	From            inboundFrom `json:"from"`
	Text            string      `json:"text"`
}

type inboundUpdate struct {
	UpdateID int64           `json:"update_id"`
	Message  *inboundMessage `json:"message"`
}

// ServeUpdate handles one platform webhook delivery. It always replies 200
// once the body parses, even on internal processing errors, so the platform
// does not retry-storm a delivery whose failure has already been logged and
// whose message is already durably queued or dead-lettered.
func (h *Handler) ServeUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}

	var upd inboundUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		http.Error(w, `{"error":"malformed update"}`, http.StatusBadRequest)
		return
	}
	if upd.Message == nil {
		// Non-message updates (edits, reactions, etc.) are outside this
		// module's scope; acknowledge without further processing.
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.supportGroupChatID != "" && strconv.FormatInt(upd.Message.Chat.ID, 10) == h.supportGroupChatID {
		if err := h.processOperatorReply(r.Context(), upd.Message); err != nil {
			h.log.Error("operator reply processing failed", "thread_id", threadIDOf(upd.Message), "error", err)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	entityType := domain.EntityUser
	name := upd.Message.From.FirstName
	if upd.Message.Chat.Type != "private" {
		entityType = domain.EntityGroup
		name = upd.Message.Chat.Title
	}
	entity := identity.Normalize(entityType, strconv.FormatInt(upd.Message.Chat.ID, 10), name)
	ctx := identity.WithEntity(r.Context(), entity)

	gated := identity.Gate(h.conv, func(ctx context.Context, e identity.Entity) error {
		return h.process(ctx, e, upd, body)
	})

	if err := gated(ctx, entity); err != nil {
		if errors.Is(err, identity.ErrBanned) {
			h.log.Debug("dropped update from banned entity", "entity_id", entity.ID)
		} else {
			h.log.Error("webhook processing failed", "entity_id", entity.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) process(ctx context.Context, e identity.Entity, upd inboundUpdate, rawBody []byte) error {
	action := "user_message"
	if e.Type == domain.EntityGroup {
		action = "group_broadcast"
	}
	result, err := h.limiter.Check(ctx, action, string(e.Type), e.ID, 1)
	if err != nil {
		return fmt.Errorf("webhook: rate limit check for %s: %w", e.ID, err)
	}
	if !result.Allowed {
		chatID := strconv.FormatInt(upd.Message.Chat.ID, 10)
		if shouldWarn, nerr := h.notify.ShouldNotify(ctx, e.ID, chatID, e.Type); nerr == nil && shouldWarn {
			h.log.Info("entity rate limited", "entity_id", e.ID, "reason", result.Reason, "retry_after", result.RetryAfter)
		}
		return nil
	}

	conv, err := h.conv.GetOrCreate(ctx, e.ID, e.Type, e.Name, "")
	if err != nil {
		return fmt.Errorf("webhook: get or create conversation for %s: %w", e.ID, err)
	}

	if customID, password, ok := parseBindCommand(upd.Message.Text); ok {
		if err := h.conv.Bind(ctx, conv, customID, password); err != nil {
			h.log.Warn("bind command rejected", "entity_id", e.ID, "error", err)
		}
		return nil
	}

	if err := h.conv.RecordPreBindMessage(ctx, conv); err != nil {
		if errors.Is(err, conversation.ErrPreBindCapExceeded) {
			h.log.Info("pre-bind cap exceeded, binding required", "entity_id", e.ID)
			return nil
		}
		return fmt.Errorf("webhook: record pre-bind message for %s: %w", e.ID, err)
	}

	_, err = h.coord.Coordinate(ctx, coordinator.Update{
		UpdateID: strconv.FormatInt(upd.UpdateID, 10),
		ChatID:   strconv.FormatInt(upd.Message.Chat.ID, 10),
		UserID:   strconv.FormatInt(upd.Message.From.ID, 10),
		ChatType: upd.Message.Chat.Type,
		Payload:  rawBody,
	})
	if err != nil {
		return fmt.Errorf("webhook: coordinate update %d: %w", upd.UpdateID, err)
	}
	return nil
}

// parseBindCommand recognizes "/bind <custom_id> [password]".
func parseBindCommand(text string) (customID, password string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) < 2 || fields[0] != "/bind" {
		return "", "", false
	}
	customID = fields[1]
	if len(fields) >= 3 {
		password = fields[2]
	}
	return customID, password, true
}

func threadIDOf(msg *inboundMessage) int64 {
	if msg == nil || msg.MessageThreadID == nil {
		return 0
	}
	return *msg.MessageThreadID
}

// processOperatorReply handles an update posted inside the support
// supergroup: either an operator command (/close, /ban, /unban) targeting
// the topic's bound entity, or plain text forwarded back to that entity.
// Grounded on original_source/app/handlers/commands.py's handle_commands,
// which resolves every command against the conversation bound to the
// message's topic thread.
func (h *Handler) processOperatorReply(ctx context.Context, msg *inboundMessage) error {
	threadID := threadIDOf(msg)
	if threadID == 0 {
		// Messages posted to the group's general thread are not tied to any
		// entity conversation; nothing to route.
		return nil
	}

	conv, err := h.conv.ByTopic(ctx, threadID)
	if err != nil {
		return fmt.Errorf("webhook: resolve topic %d: %w", threadID, err)
	}
	if conv == nil {
		h.log.Warn("operator message in unbound topic", "thread_id", threadID)
		return nil
	}

	if cmd, args, ok := parseOperatorCommand(msg.Text); ok {
		return h.handleOperatorCommand(ctx, conv, cmd, args)
	}

	if err := h.coord.DispatchReply(ctx, conv.EntityID, "", msg.Text); err != nil {
		return fmt.Errorf("webhook: dispatch operator reply for topic %d: %w", threadID, err)
	}
	return nil
}

// parseOperatorCommand recognizes "/close", "/ban [duration]", and "/unban",
// case-insensitively, matching the original's cmd, *args = text.split().
func parseOperatorCommand(text string) (cmd string, args []string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd = strings.ToLower(fields[0])
	switch cmd {
	case "/close", "/ban", "/unban":
		return cmd, fields[1:], true
	default:
		return "", nil, false
	}
}

func (h *Handler) handleOperatorCommand(ctx context.Context, conv *domain.Conversation, cmd string, args []string) error {
	switch cmd {
	case "/close":
		if err := h.conv.Close(ctx, conv); err != nil {
			return fmt.Errorf("webhook: close conversation %d: %w", conv.ID, err)
		}
		h.log.Info("conversation closed by operator", "entity_id", conv.EntityID)
		return nil

	case "/ban":
		duration, err := parseBanDuration(args)
		if err != nil {
			h.log.Warn("invalid /ban duration", "entity_id", conv.EntityID, "error", err)
			return nil
		}
		if err := h.conv.Ban(ctx, conv.EntityID, duration); err != nil {
			return fmt.Errorf("webhook: ban %s: %w", conv.EntityID, err)
		}
		h.log.Info("entity banned by operator", "entity_id", conv.EntityID, "duration", duration)
		return nil

	case "/unban":
		if err := h.conv.Unban(ctx, conv.EntityID); err != nil {
			return fmt.Errorf("webhook: unban %s: %w", conv.EntityID, err)
		}
		h.log.Info("entity unbanned by operator", "entity_id", conv.EntityID)
		return nil
	}
	return nil
}

// parseBanDuration accepts an optional single duration argument (e.g. "24h");
// no argument means a permanent ban (duration zero), matching
// conversation.Manager.Ban's contract.
func parseBanDuration(args []string) (time.Duration, error) {
	if len(args) == 0 {
		return 0, nil
	}
	d, err := time.ParseDuration(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid ban duration %q: %w", args[0], err)
	}
	return d, nil
}
