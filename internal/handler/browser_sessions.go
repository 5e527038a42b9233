package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/board-presence/internal/apperr"
	"github.com/capitalize-ai/board-presence/internal/middleware"
	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/internal/service"
	"github.com/capitalize-ai/board-presence/pkg/logger"
)

// BrowserSessionHandler handles browser tab endpoints.
type BrowserSessionHandler struct {
	browsers *service.BrowserSessionService
	logger   *logger.Logger
}

// NewBrowserSessionHandler creates a new browser session handler.
func NewBrowserSessionHandler(d Deps) *BrowserSessionHandler {
	return &BrowserSessionHandler{
		browsers: d.Browsers,
		logger:   d.Logger,
	}
}

// browserSessionID resolves the tab ID from the query string, then the
// request header.
func browserSessionID(r *http.Request) string {
	if id := r.URL.Query().Get("id"); id != "" {
		return id
	}
	return middleware.GetBrowserSessionID(r.Context())
}

// Get handles GET /api/browser-sessions?id=
func (h *BrowserSessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := browserSessionID(r)
	if err := middleware.ValidateID("id", id); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	tab, err := h.browsers.Get(id)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tab)
}

// Upsert handles POST /api/browser-sessions
// A body with method "DELETE" is a beacon teardown and behaves like End.
func (h *BrowserSessionHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req model.BrowserSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	id := req.ID
	if id == "" {
		id = browserSessionID(r)
	}
	if err := middleware.ValidateID("id", id); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	if strings.EqualFold(req.Method, http.MethodDelete) {
		h.end(w, r, id)
		return
	}

	tab, created, err := h.browsers.Create(r.Context(), id, &req)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, tab)
}

// End handles DELETE /api/browser-sessions?id=
func (h *BrowserSessionHandler) End(w http.ResponseWriter, r *http.Request) {
	id := browserSessionID(r)
	if err := middleware.ValidateID("id", id); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	h.end(w, r, id)
}

// end reports success even when the tab was already torn down, so that
// duplicate unload signals are harmless.
func (h *BrowserSessionHandler) end(w http.ResponseWriter, r *http.Request, id string) {
	err := h.browsers.End(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, &model.EndBrowserSessionResponse{Success: true})
	case apperr.IsNotFound(err):
		h.logger.Debug("browser session already ended", logger.BrowserSessionID(id))
		writeJSON(w, http.StatusOK, &model.EndBrowserSessionResponse{Success: true, AlreadyEnded: true})
	default:
		writeAppError(w, r, h.logger, err)
	}
}

// SetActiveUser handles POST /api/browser-sessions/{id}/active-user
func (h *BrowserSessionHandler) SetActiveUser(w http.ResponseWriter, r *http.Request) {
	var req model.SetActiveUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	tab, err := h.browsers.SetActiveUser(r.Context(), chi.URLParam(r, "id"), req.UserID, req.UserType)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tab)
}
