package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/board-presence/internal/clock"
	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/pkg/logger"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	changes []model.Change
}

func (r *recorder) Notify(c model.Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) kinds() []model.ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ChangeKind, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.Kind)
	}
	return out
}

type fixture struct {
	clock    *clock.Manual
	rec      *recorder
	sessions *SessionService
	events   *EventStore
	browsers *BrowserSessionService
	hooks    *HookRegistry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewManual(t0)
	rec := &recorder{}
	log := logger.NewNop()

	sessions := NewSessionService(SessionConfig{
		InactivityTimeout:  30 * time.Minute,
		IdleEndTimeout:     24 * time.Hour,
		RetentionWindow:    24 * time.Hour,
		RecentActionsLimit: 10,
	}, clk, rec, log)
	events := NewEventStore(EventConfig{MaxEventsPerSession: 1000, DefaultQueryLimit: 100}, clk, sessions, rec, log)

	return &fixture{
		clock:    clk,
		rec:      rec,
		sessions: sessions,
		events:   events,
		browsers: NewBrowserSessionService(clk, sessions, NewGuestProvisioner(), rec, log),
		hooks:    NewHookRegistry(clk, log),
	}
}

func (f *fixture) open(t *testing.T, userID string, userType model.UserType) *model.Session {
	t.Helper()
	sess, err := f.sessions.Open(context.Background(), &model.OpenSessionRequest{UserID: userID, UserType: userType, UserName: userID})
	require.NoError(t, err)
	return sess
}

func statusPtr(s model.SessionStatus) *model.SessionStatus { return &s }

func strPtr(s string) *string { return &s }
