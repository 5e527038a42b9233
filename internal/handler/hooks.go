package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/board-presence/internal/middleware"
	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/internal/service"
	"github.com/capitalize-ai/board-presence/pkg/logger"
)

// HookHandler exposes the hook registry to clients that coordinate polling
// themselves.
type HookHandler struct {
	hooks  *service.HookRegistry
	logger *logger.Logger
}

// NewHookHandler creates a new hook handler.
func NewHookHandler(d Deps) *HookHandler {
	return &HookHandler{
		hooks:  d.Hooks,
		logger: d.Logger,
	}
}

// Register handles POST /api/hooks
// A held endpoint is not an error: the response carries a null hookId.
func (h *HookHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterHookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if err := middleware.ValidateEndpoint(req.Endpoint); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if err := middleware.ValidateOwnerLabel(req.OwnerLabel); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	hookID, ok := h.hooks.Register(req.Endpoint, req.OwnerLabel, req.Context)
	if !ok {
		writeJSON(w, http.StatusOK, &model.RegisterHookResponse{Rejected: true})
		return
	}
	writeJSON(w, http.StatusOK, &model.RegisterHookResponse{HookID: &hookID})
}

// Unregister handles DELETE /api/hooks/{hookId}
func (h *HookHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	removed := h.hooks.Unregister(chi.URLParam(r, "hookId"))
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// Activity handles POST /api/hooks/{hookId}/activity
func (h *HookHandler) Activity(w http.ResponseWriter, r *http.Request) {
	var req model.HookActivityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if req.Type == "" {
		req.Type = "request"
	}

	h.hooks.TrackActivity(chi.URLParam(r, "hookId"), req.Type, req.Detail)
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /api/hooks/stats
func (h *HookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hooks.Stats())
}
