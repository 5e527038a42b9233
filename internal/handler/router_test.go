package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/board-presence/internal/clock"
	"github.com/capitalize-ai/board-presence/internal/middleware"
	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/internal/service"
	"github.com/capitalize-ai/board-presence/internal/stream"
	"github.com/capitalize-ai/board-presence/pkg/logger"
)

type testServer struct {
	handler  http.Handler
	sessions *service.SessionService
	events   *service.EventStore
	browsers *service.BrowserSessionService
	hooks    *service.HookRegistry
}

func newTestServer(t *testing.T, adminSecret string) *testServer {
	t.Helper()

	log := logger.NewNop()
	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	hub := stream.NewHub(stream.DefaultBuffer, log)
	t.Cleanup(hub.Close)

	sessions := service.NewSessionService(service.SessionConfig{
		InactivityTimeout:  30 * time.Minute,
		IdleEndTimeout:     24 * time.Hour,
		RetentionWindow:    24 * time.Hour,
		RecentActionsLimit: 10,
	}, clk, hub, log)
	events := service.NewEventStore(service.EventConfig{}, clk, sessions, hub, log)
	browsers := service.NewBrowserSessionService(clk, sessions, service.NewGuestProvisioner(), hub, log)
	hooks := service.NewHookRegistry(clk, log)
	simulator := service.NewSimulator(service.SimulatorConfig{}, clk, sessions, events, log)
	t.Cleanup(simulator.Stop)
	sweeper := service.NewSweeper(service.SweeperConfig{}, clk, sessions, events, browsers, hooks, simulator, log)

	return &testServer{
		handler: NewRouter(Deps{
			Sessions:       sessions,
			Events:         events,
			Browsers:       browsers,
			Hooks:          hooks,
			Simulator:      simulator,
			Sweeper:        sweeper,
			Hub:            hub,
			Notifier:       hub,
			Clock:          clk,
			Logger:         log,
			AdminJWTSecret: adminSecret,
			Heartbeat:      time.Hour,
		}),
		sessions: sessions,
		events:   events,
		browsers: browsers,
		hooks:    hooks,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code)

	rec := s.do(t, http.MethodPost, "/api/sessions", model.OpenSessionRequest{UserID: "alice", UserType: model.UserRegistered})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[ReadyResponse](t, rec)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, 1, ready.Sessions)
	assert.Equal(t, "disabled", ready.NATS)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/sessions", model.OpenSessionRequest{UserID: "alice", UserType: model.UserRegistered})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decode[model.Session](t, rec)
	assert.Equal(t, model.StatusActive, sess.Status)
	assert.NotEmpty(t, rec.Header().Get(middleware.CorrelationHeader))

	rec = s.do(t, http.MethodPost, "/api/sessions", model.OpenSessionRequest{UserID: "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/sessions/missing", nil).Code)

	idle := model.StatusIdle
	rec = s.do(t, http.MethodPatch, "/api/sessions/"+sess.ID, model.UpdateSessionRequest{Status: &idle})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StatusIdle, decode[model.Session](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[model.ListSessionsResponse](t, rec)
	assert.Equal(t, 1, list.Total)
	assert.Contains(t, list.Grouped, "alice")

	rec = s.do(t, http.MethodDelete, "/api/sessions/"+sess.ID+"?reason=tab_closed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ended := decode[model.Session](t, rec)
	assert.Equal(t, model.StatusEnded, ended.Status)
	assert.Equal(t, "tab_closed", ended.StatusChangeReason)
}

func TestTransitionRejectsUnknownStatus(t *testing.T) {
	s := newTestServer(t, "")
	a, err := s.sessions.Open(context.Background(), &model.OpenSessionRequest{UserID: "u1", UserType: model.UserRegistered})
	require.NoError(t, err)
	b, err := s.sessions.Open(context.Background(), &model.OpenSessionRequest{UserID: "u1", UserType: model.UserRegistered})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPatch, "/api/sessions/transition", model.TransitionRequest{UserID: "u1", NewStatus: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, id := range []string{a.ID, b.ID} {
		sess, _ := s.sessions.Get(id)
		assert.Equal(t, model.StatusActive, sess.Status)
	}

	rec = s.do(t, http.MethodPatch, "/api/sessions/transition", model.TransitionRequest{UserID: "u1", NewStatus: model.StatusIdle})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[model.TransitionResponse](t, rec).UpdatedCount)

	rec = s.do(t, http.MethodPatch, "/api/sessions/transition", model.TransitionRequest{UserID: "nobody", NewStatus: model.StatusIdle})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/sessions/cleanup?userId=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[model.CleanupResponse](t, rec).EndedCount)
}

func TestEventRoutes(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/sessions/events", model.AppendEventsRequest{
		SessionID: "s1",
		Events:    []model.Event{{Type: "card_moved", Category: "board"}, {Type: "route_changed", Category: "navigation"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[model.AppendEventsResponse](t, rec).TotalEvents)

	rec = s.do(t, http.MethodPost, "/api/sessions/events", model.AppendEventsRequest{SessionID: "s1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "events are required")

	rec = s.do(t, http.MethodPost, "/api/sessions/events", map[string]string{"sessionId": "s1", "events": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/sessions/events?sessionId=s1&category=board", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[model.ListEventsResponse](t, rec).Total)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/sessions/events?limit=abc", nil).Code)

	rec = s.do(t, http.MethodPost, "/api/sessions/events", model.AppendEventsRequest{SessionID: "s2", Events: []model.Event{}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, decode[model.AppendEventsResponse](t, rec).TotalEvents)

	// s1 is unknown to the session store, so it is an orphan. s2 never stored anything.
	rec = s.do(t, http.MethodDelete, "/api/sessions/events/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	purge := decode[model.PurgeResponse](t, rec)
	assert.Equal(t, 1, purge.CleanedSessions)
	assert.Equal(t, 2, purge.CleanedEvents)
}

func TestBrowserSessionRoutes(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodGet, "/api/browser-sessions", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "id is required")
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/browser-sessions?id=unknown", nil).Code)

	rec = s.do(t, http.MethodPost, "/api/browser-sessions", model.BrowserSessionRequest{ID: "tab-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tab := decode[model.BrowserSession](t, rec)
	require.True(t, tab.ProvisionedGuest.IsGuest)

	rec = s.do(t, http.MethodPost, "/api/browser-sessions", model.BrowserSessionRequest{}, middleware.BrowserSessionHeader, "tab-1")
	assert.Equal(t, http.StatusOK, rec.Code, "known tab is updated")

	rec = s.do(t, http.MethodGet, "/api/browser-sessions", nil, middleware.BrowserSessionHeader, "tab-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tab.ProvisionedGuest.ID, decode[model.BrowserSession](t, rec).ProvisionedGuest.ID)

	// The guest opens a session from the tab; the header links it.
	rec = s.do(t, http.MethodPost, "/api/sessions",
		model.OpenSessionRequest{UserID: tab.ProvisionedGuest.ID, UserType: model.UserGuest},
		middleware.BrowserSessionHeader, "tab-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	guestSess := decode[model.Session](t, rec)
	assert.Equal(t, "tab-1", guestSess.BrowserSessionID)

	rec = s.do(t, http.MethodPost, "/api/browser-sessions/tab-1/active-user", model.SetActiveUserRequest{UserID: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.UserRegistered, decode[model.BrowserSession](t, rec).ActiveUserType)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/browser-sessions/nope/active-user", model.SetActiveUserRequest{UserID: "alice"}).Code)

	// Unload beacons arrive as POST with method DELETE, sometimes twice.
	rec = s.do(t, http.MethodPost, "/api/browser-sessions", model.BrowserSessionRequest{ID: "tab-1", Method: "DELETE"})
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[model.EndBrowserSessionResponse](t, rec)
	assert.True(t, first.Success)
	assert.False(t, first.AlreadyEnded)

	rec = s.do(t, http.MethodPost, "/api/browser-sessions", model.BrowserSessionRequest{ID: "tab-1", Method: "DELETE"})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[model.EndBrowserSessionResponse](t, rec)
	assert.True(t, second.Success)
	assert.True(t, second.AlreadyEnded)

	sess, _ := s.sessions.Get(guestSess.ID)
	assert.Equal(t, model.StatusEnded, sess.Status)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodDelete, "/api/browser-sessions", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/api/browser-sessions?id=tab-1", nil).Code)
}

func TestHookRoutes(t *testing.T) {
	s := newTestServer(t, "")
	body := model.RegisterHookRequest{Endpoint: "/api/sessions", OwnerLabel: "tab-1"}

	rec := s.do(t, http.MethodPost, "/api/hooks", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[model.RegisterHookResponse](t, rec)
	require.NotNil(t, first.HookID)

	rec = s.do(t, http.MethodPost, "/api/hooks", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hookId":null,"rejected":true}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/hooks", model.RegisterHookRequest{Endpoint: "nope", OwnerLabel: "x"}).Code)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/api/hooks/"+*first.HookID+"/activity", nil).Code)
	rec = s.do(t, http.MethodGet, "/api/hooks/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[model.HookStats](t, rec)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Rejections)
	require.Len(t, stats.Registrations, 1)
	assert.Equal(t, 1, stats.Registrations[0].RequestCount)

	// A stream cannot start while the endpoint is held.
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodGet, "/api/sessions/stream", nil).Code)

	rec = s.do(t, http.MethodDelete, "/api/hooks/"+*first.HookID, nil)
	assert.JSONEq(t, `{"removed":true}`, rec.Body.String())
	rec = s.do(t, http.MethodDelete, "/api/hooks/"+*first.HookID, nil)
	assert.JSONEq(t, `{"removed":false}`, rec.Body.String())
}

func TestSimulatedRoutes(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/sessions/simulated", map[string]int{"count": 3})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/sessions/simulated", map[string]int{"count": 500}).Code)

	rec = s.do(t, http.MethodGet, "/api/sessions/simulated", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Total int `json:"total"`
	}](t, rec)
	assert.Equal(t, 3, listed.Total)

	rec = s.do(t, http.MethodDelete, "/api/sessions/events/cleanup?simulated=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[model.PurgeResponse](t, rec).CleanedSessions)
	assert.Zero(t, s.sessions.Count())
}

func TestChangesWithoutNATS(t *testing.T) {
	s := newTestServer(t, "")
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/api/sessions/changes", nil).Code)
}

func TestReset(t *testing.T) {
	t.Run("requires admin token when configured", func(t *testing.T) {
		s := newTestServer(t, "secret")
		assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodDelete, "/api/sessions/reset", nil).Code)
	})

	t.Run("clears every store", func(t *testing.T) {
		s := newTestServer(t, "")
		_, err := s.sessions.Open(context.Background(), &model.OpenSessionRequest{UserID: "u1", UserType: model.UserGuest})
		require.NoError(t, err)
		_, _, err = s.browsers.Create(context.Background(), "tab-1", nil)
		require.NoError(t, err)
		s.hooks.Register("/api/sessions", "tab-1", nil)

		rec := s.do(t, http.MethodDelete, "/api/sessions/reset", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[model.ResetResponse](t, rec)
		assert.Equal(t, 1, resp.Sessions)
		assert.Equal(t, 1, resp.BrowserSessions)
		assert.Equal(t, 1, resp.Hooks)
		assert.Zero(t, s.sessions.Count())
	})
}

func TestSSEStream(t *testing.T) {
	s := newTestServer(t, "")
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/sessions/stream?owner=test")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: snapshot\n", line)

	// The stream holds the endpoint until it disconnects.
	second, err := http.Get(srv.URL + "/api/sessions/stream")
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusConflict, second.StatusCode)

	_, err = s.sessions.Open(context.Background(), &model.OpenSessionRequest{UserID: "u1", UserType: model.UserGuest})
	require.NoError(t, err)

	found := false
	for i := 0; i < 10 && !found; i++ {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		found = strings.HasPrefix(line, "event: "+string(model.ChangeSessionOpened))
	}
	assert.True(t, found, "session_opened change streamed")

	resp.Body.Close()
	assert.Eventually(t, func() bool { return s.hooks.Stats().Active == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSEStream_ExclusivePerTab(t *testing.T) {
	s := newTestServer(t, "")
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	open := func(tab string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions/stream", nil)
		require.NoError(t, err)
		req.Header.Set(middleware.BrowserSessionHeader, tab)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	alice := open("tab-alice")
	defer alice.Body.Close()
	require.Equal(t, http.StatusOK, alice.StatusCode)

	bob := open("tab-bob")
	defer bob.Body.Close()
	assert.Equal(t, http.StatusOK, bob.StatusCode, "other tabs stream concurrently")

	dup := open("tab-alice")
	dup.Body.Close()
	assert.Equal(t, http.StatusConflict, dup.StatusCode, "a second stream in the same tab is rejected")

	stats := s.hooks.Stats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Rejections)
}
