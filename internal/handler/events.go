package handler

import (
	"net/http"
	"strconv"

	"github.com/capitalize-ai/board-presence/internal/apperr"
	"github.com/capitalize-ai/board-presence/internal/middleware"
	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/internal/service"
	"github.com/capitalize-ai/board-presence/pkg/logger"
)

// EventHandler handles session event endpoints.
type EventHandler struct {
	events    *service.EventStore
	browsers  *service.BrowserSessionService
	simulator *service.Simulator
	sweeper   *service.Sweeper
	logger    *logger.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(d Deps) *EventHandler {
	return &EventHandler{
		events:    d.Events,
		browsers:  d.Browsers,
		simulator: d.Simulator,
		sweeper:   d.Sweeper,
		logger:    d.Logger,
	}
}

// Append handles POST /api/sessions/events
func (h *EventHandler) Append(w http.ResponseWriter, r *http.Request) {
	var req model.AppendEventsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if err := middleware.ValidateID("sessionId", req.SessionID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if req.Events == nil {
		writeAppError(w, r, h.logger, apperr.Invalid("events", "required"))
		return
	}

	resp, err := h.events.Append(r.Context(), req.SessionID, req.Events)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if bsID := middleware.GetBrowserSessionID(r.Context()); bsID != "" && h.browsers != nil {
		h.browsers.Touch(bsID)
	}

	writeJSON(w, http.StatusOK, resp)
}

// Query handles GET /api/sessions/events?sessionId=&category=&limit=
func (h *EventHandler) Query(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	q := r.URL.Query()
	writeJSON(w, http.StatusOK, h.events.Query(model.EventQuery{
		SessionID: q.Get("sessionId"),
		Category:  q.Get("category"),
		Limit:     limit,
	}))
}

// Cleanup handles DELETE /api/sessions/events/cleanup
// With sessionId it purges one session, with simulated=true every simulated
// session, and otherwise every session no longer known to the stores.
func (h *EventHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if id := q.Get("sessionId"); id != "" {
		n := h.events.Purge(id)
		resp := &model.PurgeResponse{CleanedEvents: n}
		if n > 0 {
			resp.CleanedSessions = 1
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if simulated, _ := strconv.ParseBool(q.Get("simulated")); simulated {
		if h.simulator == nil {
			writeJSON(w, http.StatusOK, &model.PurgeResponse{})
			return
		}
		writeJSON(w, http.StatusOK, h.simulator.PurgeAll())
		return
	}

	writeJSON(w, http.StatusOK, h.sweeper.PurgeOrphans(r.Context()))
}
