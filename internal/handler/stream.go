package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/board-presence/internal/apperr"
	"github.com/capitalize-ai/board-presence/internal/middleware"
	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/internal/service"
	"github.com/capitalize-ai/board-presence/internal/stream"
	"github.com/capitalize-ai/board-presence/pkg/logger"
	"github.com/capitalize-ai/board-presence/pkg/metrics"
)

// DefaultStreamEndpoint is the endpoint guarded when a stream request does
// not name one. A X-Browser-Session-ID header suffixes the key with "#<tab>".
const DefaultStreamEndpoint = "/api/sessions"

const (
	defaultHeartbeat = 30 * time.Second
	wsWriteWait      = 10 * time.Second
)

// StreamHandler pushes presence changes over SSE and WebSocket. Each stream
// holds the hook registration for its endpoint for as long as it is open.
type StreamHandler struct {
	sessions  *service.SessionService
	hooks     *service.HookRegistry
	hub       *stream.Hub
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(d Deps) *StreamHandler {
	heartbeat := d.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &StreamHandler{
		sessions:  d.Sessions,
		hooks:     d.Hooks,
		hub:       d.Hub,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(d.AllowedOrigins),
		},
		logger: d.Logger,
	}
}

// SnapshotEvent is the first message on every stream.
type SnapshotEvent struct {
	HookID   string                      `json:"hookId"`
	Endpoint string                      `json:"endpoint"`
	Sessions *model.ListSessionsResponse `json:"sessions"`
}

// HeartbeatEvent keeps idle streams open through proxies.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// acquire claims the stream endpoint named by the request, writing a 409 when
// another consumer holds it.
func (h *StreamHandler) acquire(w http.ResponseWriter, r *http.Request, transport string) (string, string, func(), bool) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		endpoint = DefaultStreamEndpoint
	}
	if err := middleware.ValidateEndpoint(endpoint); err != nil {
		writeAppError(w, r, h.logger, err)
		return "", "", nil, false
	}

	// Streams are exclusive per tab; requests without a tab share one key.
	bsID := middleware.GetBrowserSessionID(r.Context())
	if bsID != "" {
		endpoint += "#" + bsID
	}

	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = transport
		if bsID != "" {
			owner = transport + ":" + bsID
		}
	}

	hookID, release, err := h.hooks.Acquire(endpoint, owner, map[string]any{
		"transport":     transport,
		"correlationId": middleware.GetCorrelationID(r.Context()),
	})
	if err != nil {
		if apperr.IsConflict(err) {
			writeError(w, http.StatusConflict, "another consumer is already streaming "+endpoint)
			return "", "", nil, false
		}
		writeAppError(w, r, h.logger, err)
		return "", "", nil, false
	}
	return hookID, endpoint, release, true
}

// SSE handles GET /api/sessions/stream
func (h *StreamHandler) SSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	hookID, endpoint, release, ok := h.acquire(w, r, "sse")
	if !ok {
		return
	}
	defer release()

	sub := h.hub.Subscribe("sse")
	defer h.hub.Unsubscribe(sub)

	metrics.IncrementStreamSubscribers("sse")
	defer metrics.DecrementStreamSubscribers("sse")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := sendSSEEvent(w, flusher, "snapshot", &SnapshotEvent{
		HookID:   hookID,
		Endpoint: endpoint,
		Sessions: h.sessions.Grouped(),
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("SSE client disconnected", logger.Endpoint(endpoint))
			return

		case change, open := <-sub.C:
			if !open {
				return
			}
			if err := sendSSEEvent(w, flusher, string(change.Kind), change); err != nil {
				h.hooks.TrackActivity(hookID, "error", err.Error())
				return
			}
			h.hooks.TrackActivity(hookID, "delivery", "")

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", &HeartbeatEvent{Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

// WebSocket handles GET /api/sessions/ws
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	hookID, endpoint, release, ok := h.acquire(w, r, "ws")
	if !ok {
		return
	}
	defer release()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe("ws")
	defer h.hub.Unsubscribe(sub)

	metrics.IncrementStreamSubscribers("ws")
	defer metrics.DecrementStreamSubscribers("ws")

	// The read loop only detects the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeWS(conn, "snapshot", &SnapshotEvent{
		HookID:   hookID,
		Endpoint: endpoint,
		Sessions: h.sessions.Grouped(),
	}); err != nil {
		return
	}

	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			h.logger.Debug("websocket client disconnected", logger.Endpoint(endpoint))
			return

		case change, open := <-sub.C:
			if !open {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := writeWS(conn, string(change.Kind), change); err != nil {
				h.hooks.TrackActivity(hookID, "error", err.Error())
				return
			}
			h.hooks.TrackActivity(hookID, "delivery", "")

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// wsMessage is the WebSocket envelope.
type wsMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

func writeWS(conn *websocket.Conn, msgType string, payload interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(wsMessage{Type: msgType, Payload: payload})
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
