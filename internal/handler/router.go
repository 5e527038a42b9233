package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/board-presence/internal/clock"
	"github.com/capitalize-ai/board-presence/internal/middleware"
	natsclient "github.com/capitalize-ai/board-presence/internal/nats"
	"github.com/capitalize-ai/board-presence/internal/service"
	"github.com/capitalize-ai/board-presence/internal/stream"
	"github.com/capitalize-ai/board-presence/pkg/logger"
)

// Deps holds everything the HTTP layer needs. NATS and Changes are nil when
// publishing is disabled.
type Deps struct {
	Sessions  *service.SessionService
	Events    *service.EventStore
	Browsers  *service.BrowserSessionService
	Hooks     *service.HookRegistry
	Simulator *service.Simulator
	Sweeper   *service.Sweeper
	Hub       *stream.Hub
	Notifier  service.Notifier
	NATS      *natsclient.Client
	Changes   *natsclient.StreamManager
	Clock     clock.Clock
	Logger    *logger.Logger

	AdminJWTSecret    string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Heartbeat         time.Duration
}

// NewRouter builds the API router.
func NewRouter(d Deps) http.Handler {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}

	healthHandler := NewHealthHandler(d)
	sessionHandler := NewSessionHandler(d)
	eventHandler := NewEventHandler(d)
	browserHandler := NewBrowserSessionHandler(d)
	hookHandler := NewHookHandler(d)
	streamHandler := NewStreamHandler(d)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(d.AllowedOrigins))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if d.RateLimitRequests > 0 && d.RateLimitWindow > 0 {
			r.Use(middleware.RateLimit(d.RateLimitRequests, d.RateLimitWindow))
		}

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.Open)
			r.Get("/", sessionHandler.List)

			r.Delete("/cleanup", sessionHandler.Cleanup)
			r.Patch("/transition", sessionHandler.Transition)
			r.With(middleware.AdminOnly(d.AdminJWTSecret)).Delete("/reset", sessionHandler.Reset)

			r.Post("/events", eventHandler.Append)
			r.Get("/events", eventHandler.Query)
			r.Delete("/events/cleanup", eventHandler.Cleanup)

			r.Post("/simulated", sessionHandler.SpawnSimulated)
			r.Get("/simulated", sessionHandler.ListSimulated)
			r.Get("/changes", sessionHandler.Changes)

			r.Get("/stream", streamHandler.SSE)
			r.Get("/ws", streamHandler.WebSocket)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Patch("/", sessionHandler.Update)
				r.Delete("/", sessionHandler.End)
			})
		})

		r.Route("/browser-sessions", func(r chi.Router) {
			r.Get("/", browserHandler.Get)
			r.Post("/", browserHandler.Upsert)
			r.Delete("/", browserHandler.End)
			r.Post("/{id}/active-user", browserHandler.SetActiveUser)
		})

		r.Route("/hooks", func(r chi.Router) {
			r.Post("/", hookHandler.Register)
			r.Get("/stats", hookHandler.Stats)
			r.Delete("/{hookId}", hookHandler.Unregister)
			r.Post("/{hookId}/activity", hookHandler.Activity)
		})
	})

	return r
}
