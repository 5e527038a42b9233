// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/board-presence/internal/apperr"
	"github.com/capitalize-ai/board-presence/internal/clock"
	"github.com/capitalize-ai/board-presence/internal/middleware"
	"github.com/capitalize-ai/board-presence/internal/model"
	natsclient "github.com/capitalize-ai/board-presence/internal/nats"
	"github.com/capitalize-ai/board-presence/internal/service"
	"github.com/capitalize-ai/board-presence/pkg/logger"
)

// SessionHandler handles session lifecycle endpoints.
type SessionHandler struct {
	sessions  *service.SessionService
	events    *service.EventStore
	browsers  *service.BrowserSessionService
	hooks     *service.HookRegistry
	simulator *service.Simulator
	changes   *natsclient.StreamManager
	notifier  service.Notifier
	clock     clock.Clock
	logger    *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(d Deps) *SessionHandler {
	return &SessionHandler{
		sessions:  d.Sessions,
		events:    d.Events,
		browsers:  d.Browsers,
		hooks:     d.Hooks,
		simulator: d.Simulator,
		changes:   d.Changes,
		notifier:  d.Notifier,
		clock:     d.Clock,
		logger:    d.Logger,
	}
}

// Open handles POST /api/sessions
func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req model.OpenSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if req.BrowserSessionID == "" {
		req.BrowserSessionID = middleware.GetBrowserSessionID(r.Context())
	}
	if err := middleware.ValidateID("userId", req.UserID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	sess, err := h.sessions.Open(r.Context(), &req)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if req.BrowserSessionID != "" && h.browsers != nil {
		h.browsers.LinkSession(req.BrowserSessionID, sess.ID)
	}

	writeJSON(w, http.StatusCreated, sess)
}

// List handles GET /api/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Grouped())
}

// Get handles GET /api/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := h.sessions.Get(id)
	if !ok {
		writeAppError(w, r, h.logger, apperr.NotFound("session", id))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Update handles PATCH /api/sessions/{id}
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	sess, err := h.sessions.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if bsID := middleware.GetBrowserSessionID(r.Context()); bsID != "" && h.browsers != nil {
		h.browsers.Touch(bsID)
	}

	writeJSON(w, http.StatusOK, sess)
}

// End handles DELETE /api/sessions/{id}
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = service.ReasonClientEnded
	}

	sess, err := h.sessions.End(r.Context(), chi.URLParam(r, "id"), reason)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Cleanup handles DELETE /api/sessions/cleanup?userId=
// Without userId every non-ended session is ended.
func (h *SessionHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	n := h.sessions.EndForUser(r.Context(), userID, service.ReasonBulkCleanup)
	writeJSON(w, http.StatusOK, &model.CleanupResponse{EndedCount: n})
}

// Transition handles PATCH /api/sessions/transition
func (h *SessionHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req model.TransitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if err := middleware.ValidateID("userId", req.UserID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if err := middleware.ValidateStatus("newStatus", req.NewStatus); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "transition"
	}
	n, err := h.sessions.TransitionUser(r.Context(), req.UserID, req.NewStatus, reason)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, &model.TransitionResponse{UpdatedCount: n})
}

// Reset handles DELETE /api/sessions/reset
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if h.simulator != nil {
		h.simulator.Stop()
	}

	resp := &model.ResetResponse{
		Sessions: h.sessions.Reset(),
		Events:   h.events.Reset(),
	}
	if h.browsers != nil {
		resp.BrowserSessions = h.browsers.Reset()
	}
	if h.hooks != nil {
		resp.Hooks = h.hooks.Reset()
	}

	h.logger.Warn("presence state reset",
		zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		zap.String("subject", middleware.GetUserID(r.Context())),
		zap.Int("sessions", resp.Sessions),
		zap.Int("events", resp.Events),
		zap.Int("browser_sessions", resp.BrowserSessions),
		zap.Int("hooks", resp.Hooks),
	)
	if h.notifier != nil {
		h.notifier.Notify(model.Change{Kind: model.ChangeReset, At: h.clock.Now()})
	}

	writeJSON(w, http.StatusOK, resp)
}

// SpawnSimulatedRequest is the body of POST /api/sessions/simulated.
type SpawnSimulatedRequest struct {
	Count int `json:"count"`
}

// SpawnSimulated handles POST /api/sessions/simulated
func (h *SessionHandler) SpawnSimulated(w http.ResponseWriter, r *http.Request) {
	req := SpawnSimulatedRequest{Count: 1}
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	sessions, err := h.simulator.Spawn(r.Context(), req.Count)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"sessions": sessions,
		"total":    h.simulator.Count(),
	})
}

// ListSimulated handles GET /api/sessions/simulated
func (h *SessionHandler) ListSimulated(w http.ResponseWriter, r *http.Request) {
	sessions := h.simulator.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// Changes handles GET /api/sessions/changes?sessionId=&limit=
// It replays the latest published changes from JetStream.
func (h *SessionHandler) Changes(w http.ResponseWriter, r *http.Request) {
	if h.changes == nil {
		writeError(w, http.StatusServiceUnavailable, "change log not configured")
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	filter := ""
	if id := strings.TrimSpace(r.URL.Query().Get("sessionId")); id != "" {
		filter = natsclient.SessionFilter(id)
	}

	changes, err := h.changes.RecentChanges(r.Context(), filter, limit)
	if err != nil {
		h.logger.Error("failed to read change log", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to read change log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changes": changes,
		"total":   len(changes),
	})
}
