// Package queue implements the Priority Message Queue (spec C6): a
// sorted-set-backed priority queue with a processing set for in-flight
// tracking, stale-message recovery, and dead-lettering after repeated
// failures. Grounded on original_source/app/message_coordinator.py's queue
// usage, built atop the shared internal/kv.Store abstraction (spec C3) the
// same way the original layers its queue semantics over redis.asyncio.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/supportbroker/internal/domain"
	"github.com/ashureev/supportbroker/internal/jsonutil"
	"github.com/ashureev/supportbroker/internal/kv"
)

const (
	pendingKey    = "queue:pending"
	processingKey = "queue:processing"
	deadLetterKey = "queue:dead_letter"
	payloadHash   = "queue:payloads"

	maxRetries = 3
)

// Queue is the priority message queue.
type Queue struct {
	store kv.Store
	log   *slog.Logger
}

// New constructs a Queue over store.
func New(store kv.Store, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{store: store, log: log}
}

// score combines priority and arrival order so that, within a priority
// band, earlier messages are served first: higher priority values sort
// higher, and within a priority, earlier timestamps sort higher (so ZPopMax
// serves the queue FIFO-within-priority).
func score(priority domain.Priority, enqueuedAt time.Time) float64 {
	return float64(priority)*1e12 - float64(enqueuedAt.UnixMilli())
}

// Enqueue adds msg to the pending queue, storing its payload for retrieval
// on dequeue.
func (q *Queue) Enqueue(ctx context.Context, msg domain.QueuedMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	blob, err := jsonutil.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message %s: %w", msg.MessageID, err)
	}
	if err := q.store.HSet(ctx, payloadHash, msg.MessageID, string(blob)); err != nil {
		return fmt.Errorf("queue: store payload for %s: %w", msg.MessageID, err)
	}
	if err := q.store.ZAdd(ctx, pendingKey, msg.MessageID, score(msg.Priority, msg.CreatedAt)); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", msg.MessageID, err)
	}
	return nil
}

// Dequeue pops the highest-priority pending message and moves it to the
// processing set with a deadline, or ok=false if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context, processingDeadline time.Duration) (domain.QueuedMessage, bool, error) {
	member, ok, err := q.store.ZPopMax(ctx, pendingKey)
	if err != nil {
		return domain.QueuedMessage{}, false, fmt.Errorf("queue: dequeue: %w", err)
	}
	if !ok {
		return domain.QueuedMessage{}, false, nil
	}

	msg, err := q.loadPayload(ctx, member.ID)
	if err != nil {
		return domain.QueuedMessage{}, false, err
	}
	msg.ProcessingDeadline = time.Now().Add(processingDeadline)

	blob, err := jsonutil.Marshal(msg)
	if err != nil {
		return domain.QueuedMessage{}, false, fmt.Errorf("queue: marshal for processing %s: %w", msg.MessageID, err)
	}
	if err := q.store.HSet(ctx, payloadHash, msg.MessageID, string(blob)); err != nil {
		return domain.QueuedMessage{}, false, fmt.Errorf("queue: update payload %s: %w", msg.MessageID, err)
	}
	if err := q.store.ZAdd(ctx, processingKey, msg.MessageID, float64(msg.ProcessingDeadline.UnixMilli())); err != nil {
		return domain.QueuedMessage{}, false, fmt.Errorf("queue: mark processing %s: %w", msg.MessageID, err)
	}
	return msg, true, nil
}

func (q *Queue) loadPayload(ctx context.Context, messageID string) (domain.QueuedMessage, error) {
	raw, ok, err := q.store.HGet(ctx, payloadHash, messageID)
	if err != nil {
		return domain.QueuedMessage{}, fmt.Errorf("queue: load payload %s: %w", messageID, err)
	}
	if !ok {
		return domain.QueuedMessage{}, fmt.Errorf("queue: payload missing for %s", messageID)
	}
	var msg domain.QueuedMessage
	if err := jsonutil.Unmarshal([]byte(raw), &msg); err != nil {
		return domain.QueuedMessage{}, fmt.Errorf("queue: decode payload %s: %w", messageID, err)
	}
	return msg, nil
}

// MarkCompleted removes a message from the processing set and discards its
// payload on success.
func (q *Queue) MarkCompleted(ctx context.Context, messageID string) error {
	if err := q.store.ZRem(ctx, processingKey, messageID); err != nil {
		return fmt.Errorf("queue: complete %s: %w", messageID, err)
	}
	return q.store.HDel(ctx, payloadHash, messageID)
}

// MarkFailed removes msg from processing and either re-enqueues it with an
// incremented retry count, or moves it to the dead-letter list once the
// incremented retry count reaches maxRetries.
func (q *Queue) MarkFailed(ctx context.Context, msg domain.QueuedMessage) error {
	if err := q.store.ZRem(ctx, processingKey, msg.MessageID); err != nil {
		return fmt.Errorf("queue: unmark processing %s: %w", msg.MessageID, err)
	}

	msg.RetryCount++
	if msg.RetryCount >= maxRetries {
		q.log.Warn("message exceeded max retries, dead-lettering", "message_id", msg.MessageID, "retries", msg.RetryCount)
		return q.deadLetter(ctx, msg)
	}

	blob, err := jsonutil.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal retry %s: %w", msg.MessageID, err)
	}
	if err := q.store.HSet(ctx, payloadHash, msg.MessageID, string(blob)); err != nil {
		return fmt.Errorf("queue: store retry payload %s: %w", msg.MessageID, err)
	}
	return q.store.ZAdd(ctx, pendingKey, msg.MessageID, score(msg.Priority, time.Now()))
}

func (q *Queue) deadLetter(ctx context.Context, msg domain.QueuedMessage) error {
	blob, err := jsonutil.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal dead letter %s: %w", msg.MessageID, err)
	}
	if err := q.store.LPush(ctx, deadLetterKey, string(blob)); err != nil {
		return fmt.Errorf("queue: push dead letter %s: %w", msg.MessageID, err)
	}
	return q.store.HDel(ctx, payloadHash, msg.MessageID)
}

// DeadLetters returns up to limit dead-lettered messages, most recent first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]domain.QueuedMessage, error) {
	raws, err := q.store.LRange(ctx, deadLetterKey, 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}
	out := make([]domain.QueuedMessage, 0, len(raws))
	for _, raw := range raws {
		var msg domain.QueuedMessage
		if err := jsonutil.Unmarshal([]byte(raw), &msg); err != nil {
			q.log.Warn("skipping malformed dead letter entry", "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// RequeueDeadLetters moves every dead-lettered message back onto the
// pending queue with its retry count reset, for operator-triggered
// recovery after the underlying cause has been fixed.
func (q *Queue) RequeueDeadLetters(ctx context.Context) (int, error) {
	raws, err := q.store.LRange(ctx, deadLetterKey, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("queue: list dead letters for requeue: %w", err)
	}
	if err := q.store.LTrim(ctx, deadLetterKey, 0); err != nil {
		return 0, fmt.Errorf("queue: drain dead letters: %w", err)
	}

	count := 0
	for _, raw := range raws {
		var msg domain.QueuedMessage
		if err := jsonutil.Unmarshal([]byte(raw), &msg); err != nil {
			q.log.Warn("skipping malformed dead letter entry on requeue", "error", err)
			continue
		}
		msg.RetryCount = 0
		if err := q.Enqueue(ctx, msg); err != nil {
			q.log.Error("failed to requeue dead letter", "message_id", msg.MessageID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// CleanupStale requeues processing messages whose deadline has passed,
// treating the timeout itself as a failure for retry-counting purposes.
func (q *Queue) CleanupStale(ctx context.Context) (int, error) {
	now := time.Now()
	stale, err := q.store.ZRangeByScore(ctx, processingKey, 0, float64(now.UnixMilli()))
	if err != nil {
		return 0, fmt.Errorf("queue: scan stale processing: %w", err)
	}
	count := 0
	for _, m := range stale {
		msg, err := q.loadPayload(ctx, m.ID)
		if err != nil {
			q.log.Warn("stale message payload missing, dropping from processing", "message_id", m.ID, "error", err)
			q.store.ZRem(ctx, processingKey, m.ID)
			continue
		}
		if err := q.MarkFailed(ctx, msg); err != nil {
			q.log.Error("failed to requeue stale message", "message_id", m.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// RunStaleSweep periodically calls CleanupStale until ctx is cancelled.
func (q *Queue) RunStaleSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.CleanupStale(ctx); err != nil {
				q.log.Error("stale sweep failed", "error", err)
			} else if n > 0 {
				q.log.Info("stale sweep requeued messages", "count", n)
			}
		}
	}
}

// Depth returns the number of pending messages awaiting assignment.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.store.ZCard(ctx, pendingKey)
}

// ProcessingCount returns the number of messages currently in flight.
func (q *Queue) ProcessingCount(ctx context.Context) (int64, error) {
	return q.store.ZCard(ctx, processingKey)
}
