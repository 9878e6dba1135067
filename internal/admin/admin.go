// Package admin is the operator control-plane surface: fleet/queue/breaker
// inspection, force-failover, and dead-letter requeue. It replaces the
// teacher's gRPC agent client (internal/agent/grpc_client.go) — that client
// is generated from an internal/proto/agent package absent from the
// retrieved pack, so this surface is a chi JSON API instead, in the
// teacher's own internal/api/handler.go idiom (chi router, JSON in/out,
// structured logging per request).
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/supportbroker/internal/circuitbreaker"
	"github.com/ashureev/supportbroker/internal/domain"
	"github.com/ashureev/supportbroker/internal/failover"
	"github.com/ashureev/supportbroker/internal/fleet"
	"github.com/ashureev/supportbroker/internal/queue"
)

const deadLetterPageSize = 50

var errNoFailoverManager = errors.New("admin: failover manager not configured")

// Service serves fleet/queue/breaker state and accepts operator actions.
type Service struct {
	fleet    *fleet.Manager
	queue    *queue.Queue
	breakers *circuitbreaker.Registry
	failover *failover.Manager
	log      *slog.Logger
}

// NewService constructs a Service.
func NewService(fl *fleet.Manager, q *queue.Queue, breakers *circuitbreaker.Registry, fo *failover.Manager, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{fleet: fl, queue: q, breakers: breakers, failover: fo, log: log}
}

// Snapshot is the aggregate operator view of fleet health and queue state.
type Snapshot struct {
	Bots       []domain.Bot                 `json:"bots"`
	QueueDepth int64                        `json:"queue_depth"`
	Processing int64                        `json:"processing"`
	Breakers   []domain.CircuitBreakerStats `json:"breakers"`
	Failover   failover.Analytics           `json:"failover"`
}

// Snapshot assembles the current operator view.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	processing, err := s.queue.ProcessingCount(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	var breakers []domain.CircuitBreakerStats
	if s.breakers != nil {
		breakers = s.breakers.All()
	}
	var analytics failover.Analytics
	if s.failover != nil {
		analytics = s.failover.Stats()
	}
	return Snapshot{
		Bots:       s.fleet.Snapshot(),
		QueueDepth: depth,
		Processing: processing,
		Breakers:   breakers,
		Failover:   analytics,
	}, nil
}

// Routes registers the admin endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/admin/snapshot", s.handleSnapshot)
	r.Post("/admin/bots/{botID}/disable", s.handleDisable)
	r.Post("/admin/bots/{botID}/enable", s.handleEnable)
	r.Post("/admin/bots/{botID}/failover", s.handleForceFailover)
	r.Get("/admin/queue/dead-letters", s.handleDeadLetters)
	r.Post("/admin/queue/dead-letters/requeue", s.handleRequeueDeadLetters)
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleDisable(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	s.fleet.Disable(botID)
	s.log.Info("admin disabled bot", "bot_id", botID)
	s.writeJSON(w, http.StatusOK, map[string]string{"bot_id": botID, "status": "disabled"})
}

func (s *Service) handleEnable(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	s.fleet.Enable(botID)
	s.log.Info("admin enabled bot", "bot_id", botID)
	s.writeJSON(w, http.StatusOK, map[string]string{"bot_id": botID, "status": "enabled"})
}

func (s *Service) handleForceFailover(w http.ResponseWriter, r *http.Request) {
	if s.failover == nil {
		s.writeError(w, http.StatusServiceUnavailable, errNoFailoverManager)
		return
	}
	botID := chi.URLParam(r, "botID")

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "manual operator failover"
	}

	event, err := s.failover.HandleFailure(r.Context(), botID, body.Reason)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if event == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "not_triggered", "reason": "within suppression window or below failure threshold"})
		return
	}
	s.writeJSON(w, http.StatusOK, event)
}

func (s *Service) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.queue.DeadLetters(r.Context(), deadLetterPageSize)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Service) handleRequeueDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.RequeueDeadLetters(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("admin requeued dead letters", "count", n)
	s.writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("admin: failed to write response", "error", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
