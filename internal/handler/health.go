package handler

import (
	"net/http"

	natsclient "github.com/capitalize-ai/board-presence/internal/nats"
	"github.com/capitalize-ai/board-presence/internal/service"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	sessions *service.SessionService
	browsers *service.BrowserSessionService
	events   *service.EventStore
	nats     *natsclient.Client
}

// NewHealthHandler creates a new health handler. Deps.NATS is nil when
// change publishing is disabled.
func NewHealthHandler(d Deps) *HealthHandler {
	return &HealthHandler{
		sessions: d.Sessions,
		browsers: d.Browsers,
		events:   d.Events,
		nats:     d.NATS,
	}
}

// ReadyResponse reports store sizes alongside readiness.
type ReadyResponse struct {
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	Sessions        int    `json:"sessions"`
	BrowserSessions int    `json:"browserSessions"`
	Events          int    `json:"events"`
	NATS            string `json:"nats"`
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil || h.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status: "not ready",
			Reason: "presence stores not initialized",
		})
		return
	}

	resp := ReadyResponse{Status: "ready", Sessions: h.sessions.Count(), NATS: "disabled"}
	_, resp.Events = h.events.Count()
	if h.browsers != nil {
		resp.BrowserSessions = h.browsers.Count()
	}

	status := http.StatusOK
	switch {
	case h.nats == nil:
	case h.nats.IsConnected():
		resp.NATS = "connected"
	default:
		resp.NATS = "disconnected"
		resp.Status = "not ready"
		resp.Reason = "NATS not connected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
