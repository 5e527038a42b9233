package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/board-presence/internal/clock"
	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/pkg/logger"
)

func (f *fixture) sweeper(t *testing.T, cfg SweeperConfig, sim *Simulator) *Sweeper {
	t.Helper()
	return NewSweeper(cfg, f.clock, f.sessions, f.events, f.browsers, f.hooks, sim, logger.NewNop())
}

func TestSweeper_EndsInactiveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sw := f.sweeper(t, SweeperConfig{}, nil)

	stale := f.open(t, "u1", model.UserRegistered)
	f.clock.Advance(20 * time.Minute)
	fresh := f.open(t, "u2", model.UserRegistered)

	f.clock.Advance(11 * time.Minute)
	report := sw.Sweep(ctx)
	assert.Equal(t, 1, report.SessionsEnded)
	assert.Zero(t, report.Failures)

	sess, _ := f.sessions.Get(stale.ID)
	assert.Equal(t, model.StatusEnded, sess.Status)
	assert.Equal(t, ReasonInactivityTimeout, sess.StatusChangeReason)
	require.NotNil(t, sess.EndedAt)
	assert.Equal(t, f.clock.Now(), *sess.EndedAt)

	sess, _ = f.sessions.Get(fresh.ID)
	assert.Equal(t, model.StatusActive, sess.Status)

	assert.Zero(t, sw.Sweep(ctx).SessionsEnded, "ended sessions are not ended twice")
}

func TestSweeper_IdleSessionsOutliveInactivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sw := f.sweeper(t, SweeperConfig{}, nil)

	sess := f.open(t, "u1", model.UserRegistered)
	_, err := f.sessions.Update(ctx, sess.ID, &model.UpdateSessionRequest{Status: statusPtr(model.StatusIdle)})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	assert.Zero(t, sw.Sweep(ctx).SessionsEnded)

	f.clock.Advance(23 * time.Hour)
	assert.Equal(t, 1, sw.Sweep(ctx).SessionsEnded)

	got, _ := f.sessions.Get(sess.ID)
	assert.Equal(t, model.StatusEnded, got.Status)
	assert.Equal(t, ReasonIdleTimeout, got.StatusChangeReason)
}

func TestSweeper_DeletesExpiredSessionsAndEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sw := f.sweeper(t, SweeperConfig{}, nil)

	sess := f.open(t, "u1", model.UserRegistered)
	_, err := f.events.Append(ctx, sess.ID, []model.Event{{Type: "a"}, {Type: "b"}})
	require.NoError(t, err)
	_, err = f.sessions.End(ctx, sess.ID, ReasonClientEnded)
	require.NoError(t, err)

	f.clock.Advance(23 * time.Hour)
	assert.Zero(t, sw.Sweep(ctx).SessionsDeleted, "still inside retention")

	f.clock.Advance(2 * time.Hour)
	report := sw.Sweep(ctx)
	assert.Equal(t, 1, report.SessionsDeleted)
	assert.Equal(t, 2, report.EventsPurged)

	_, ok := f.sessions.Get(sess.ID)
	assert.False(t, ok)
	assert.Zero(t, f.events.Query(model.EventQuery{SessionID: sess.ID}).Total)
	assert.Contains(t, f.rec.kinds(), model.ChangeSessionRemoved)
}

func TestSweeper_RemovesExpiredSimulatedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := NewSimulator(SimulatorConfig{Retention: 10 * time.Minute}, f.clock, f.sessions, f.events, logger.NewNop())
	sw := f.sweeper(t, SweeperConfig{}, sim)

	spawned, err := sim.Spawn(ctx, 2)
	require.NoError(t, err)
	_, err = f.events.Append(ctx, spawned[0].ID, []model.Event{{Type: "card_moved"}})
	require.NoError(t, err)
	regular := f.open(t, "u1", model.UserRegistered)

	f.clock.Advance(11 * time.Minute)
	report := sw.Sweep(ctx)
	assert.Equal(t, 2, report.SimulatedRemoved)
	assert.Equal(t, 1, report.EventsPurged)
	assert.Zero(t, sim.Count())

	_, ok := f.sessions.Get(spawned[0].ID)
	assert.False(t, ok)
	_, ok = f.sessions.Get(regular.ID)
	assert.True(t, ok)
}

func TestSweeper_EndsIdleBrowserSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sw := f.sweeper(t, SweeperConfig{BrowserSessionTTL: 15 * time.Minute}, nil)

	tab, _, err := f.browsers.Create(ctx, "tab-1", nil)
	require.NoError(t, err)
	guestSess := f.open(t, tab.ProvisionedGuest.ID, model.UserGuest)

	f.clock.Advance(10 * time.Minute)
	_, _, err = f.browsers.Create(ctx, "tab-2", nil)
	require.NoError(t, err)
	_, err = f.sessions.Update(ctx, guestSess.ID, &model.UpdateSessionRequest{CurrentRoute: strPtr("/board")})
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)
	report := sw.Sweep(ctx)
	assert.Equal(t, 1, report.BrowserSessionsEnded)
	assert.Equal(t, 1, f.browsers.Count())

	sess, _ := f.sessions.Get(guestSess.ID)
	assert.Equal(t, model.StatusEnded, sess.Status)
	assert.Equal(t, ReasonInactivityTimeout, sess.StatusChangeReason)
}

func TestSweeper_PrunesStaleHooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, ok := f.hooks.Register("/api/sessions", "tab-1", nil)
	require.True(t, ok)
	f.clock.Advance(10 * time.Minute)

	assert.Zero(t, f.sweeper(t, SweeperConfig{}, nil).Sweep(ctx).HooksPruned, "off by default")
	assert.Equal(t, 1, f.sweeper(t, SweeperConfig{HookStaleTimeout: 5 * time.Minute}, nil).Sweep(ctx).HooksPruned)
	assert.Zero(t, f.hooks.Stats().Active)
}

type panicNotifier struct {
	sessionID string
}

func (p panicNotifier) Notify(c model.Change) {
	if c.Kind == model.ChangeSessionEnded && c.SessionID == p.sessionID {
		panic("subscriber exploded")
	}
}

func TestSweeper_FailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	notifier := &panicNotifier{}
	sessions := NewSessionService(SessionConfig{
		InactivityTimeout:  30 * time.Minute,
		RetentionWindow:    24 * time.Hour,
		RecentActionsLimit: 10,
	}, clk, notifier, logger.NewNop())
	events := NewEventStore(EventConfig{}, clk, sessions, nil, logger.NewNop())
	sw := NewSweeper(SweeperConfig{}, clk, sessions, events, nil, nil, nil, logger.NewNop())

	bad, err := sessions.Open(ctx, &model.OpenSessionRequest{UserID: "u1", UserType: model.UserRegistered})
	require.NoError(t, err)
	good, err := sessions.Open(ctx, &model.OpenSessionRequest{UserID: "u2", UserType: model.UserRegistered})
	require.NoError(t, err)
	notifier.sessionID = bad.ID

	clk.Advance(time.Hour)
	report := sw.Sweep(ctx)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 1, report.SessionsEnded)

	got, _ := sessions.Get(good.ID)
	assert.Equal(t, model.StatusEnded, got.Status)

	// The pass must not leave any lock held.
	_, err = sessions.Open(ctx, &model.OpenSessionRequest{UserID: "u3", UserType: model.UserRegistered})
	assert.NoError(t, err)
}

func TestSweeper_PurgeOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sw := f.sweeper(t, SweeperConfig{}, nil)

	known := f.open(t, "u1", model.UserRegistered)
	_, _, err := f.browsers.Create(ctx, "tab-1", nil)
	require.NoError(t, err)
	require.True(t, f.browsers.LinkSession("tab-1", "linked-but-unknown"))

	for _, id := range []string{known.ID, "linked-but-unknown", "orphan"} {
		_, err := f.events.Append(ctx, id, []model.Event{{Type: "a"}})
		require.NoError(t, err)
	}

	resp := sw.PurgeOrphans(ctx)
	assert.Equal(t, 1, resp.CleanedSessions)
	assert.Equal(t, 1, resp.CleanedEvents)
	assert.Equal(t, 1, f.events.Query(model.EventQuery{SessionID: known.ID}).Total)
	assert.Equal(t, 1, f.events.Query(model.EventQuery{SessionID: "linked-but-unknown"}).Total)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t)
	sw := f.sweeper(t, SweeperConfig{Interval: time.Hour}, nil)

	require.NoError(t, sw.Start(context.Background()))
	sw.Stop()

	// Stop without Start is a no-op.
	f.sweeper(t, SweeperConfig{}, nil).Stop()
}
