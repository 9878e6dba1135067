package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// DashboardHub pushes periodic Snapshot updates to connected operator
// dashboards over WebSocket. Adapted from the teacher's
// internal/terminal.SessionManager registry (RWMutex-guarded map of live
// connections, register/unregister on connect/disconnect) and
// WebSocketHandler's accept/origin-check shape, repurposed from per-user
// terminal multiplexing to a single fan-out broadcast feed.
type DashboardHub struct {
	mu            sync.RWMutex
	conns         map[string]*websocket.Conn
	allowedOrigin string
	isDev         bool
	log           *slog.Logger
}

// NewDashboardHub constructs a DashboardHub.
func NewDashboardHub(allowedOrigin string, isDev bool, log *slog.Logger) *DashboardHub {
	if log == nil {
		log = slog.Default()
	}
	return &DashboardHub{
		conns:         make(map[string]*websocket.Conn),
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		log:           log,
	}
}

func (h *DashboardHub) register(id string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[id] = conn
}

func (h *DashboardHub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

func (h *DashboardHub) checkOrigin(r *http.Request) bool {
	if h.isDev || h.allowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || origin == h.allowedOrigin {
		return true
	}
	h.log.Warn("dashboard websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// ServeHTTP upgrades the connection and keeps it registered for broadcast
// until the client disconnects. The dashboard is read-only: any inbound
// frame is discarded, only used to detect connection close.
func (h *DashboardHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.log.Error("dashboard websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "dashboard session ended")

	id := uuid.NewString()
	h.register(id, conn)
	defer h.unregister(id)

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Broadcast marshals v and writes it to every connected dashboard, dropping
// (and unregistering) any connection whose write fails.
func (h *DashboardHub) Broadcast(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("dashboard broadcast marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	targets := make(map[string]*websocket.Conn, len(h.conns))
	for id, conn := range h.conns {
		targets[id] = conn
	}
	h.mu.RUnlock()

	for id, conn := range targets {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			h.log.Debug("dashboard broadcast write failed, dropping connection", "error", err)
			h.unregister(id)
		}
	}
}

// RunPush periodically calls snapshot and broadcasts its result until ctx
// is cancelled. Mirrors the teacher's ticker-loop background task shape.
func (h *DashboardHub) RunPush(ctx context.Context, interval time.Duration, snapshot func(context.Context) (any, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := snapshot(ctx)
			if err != nil {
				h.log.Error("dashboard snapshot failed", "error", err)
				continue
			}
			h.Broadcast(ctx, v)
		}
	}
}
