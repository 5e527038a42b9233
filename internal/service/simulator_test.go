package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/board-presence/internal/apperr"
	"github.com/capitalize-ai/board-presence/internal/clock"
	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/pkg/logger"
)

func TestSimulator_SpawnValidation(t *testing.T) {
	f := newFixture(t)
	sim := NewSimulator(SimulatorConfig{}, f.clock, f.sessions, f.events, logger.NewNop())

	for _, count := range []int{0, -1, MaxSimulatedPerSpawn + 1} {
		_, err := sim.Spawn(context.Background(), count)
		assert.True(t, apperr.IsValidation(err), "count %d", count)
	}
	assert.Zero(t, f.sessions.Count())
}

func TestSimulator_SpawnAndPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := NewSimulator(SimulatorConfig{Retention: time.Hour}, f.clock, f.sessions, f.events, logger.NewNop())

	spawned, err := sim.Spawn(ctx, 3)
	require.NoError(t, err)
	require.Len(t, spawned, 3)

	names := map[string]bool{}
	for _, sess := range spawned {
		assert.True(t, sess.Simulated)
		assert.Equal(t, model.UserGuest, sess.UserType)
		assert.Contains(t, sess.UserID, "sim-guest-")
		assert.False(t, names[sess.UserName])
		names[sess.UserName] = true
	}
	assert.Len(t, sim.List(), 3)

	_, err = f.events.Append(ctx, spawned[1].ID, []model.Event{{Type: "a"}, {Type: "b"}})
	require.NoError(t, err)

	n, ok := sim.Remove(spawned[0].ID)
	assert.True(t, ok)
	assert.Zero(t, n)
	_, ok = sim.Remove(spawned[0].ID)
	assert.False(t, ok)

	resp := sim.PurgeAll()
	assert.Equal(t, 2, resp.CleanedSessions)
	assert.Equal(t, 2, resp.CleanedEvents)
	assert.Zero(t, sim.Count())
	assert.Zero(t, f.sessions.Count())
	assert.Empty(t, sim.List())
}

func TestSimulator_ExpiredIDs(t *testing.T) {
	f := newFixture(t)
	sim := NewSimulator(SimulatorConfig{Retention: 10 * time.Minute}, f.clock, f.sessions, f.events, logger.NewNop())

	first, err := sim.Spawn(context.Background(), 1)
	require.NoError(t, err)
	f.clock.Advance(8 * time.Minute)
	_, err = sim.Spawn(context.Background(), 1)
	require.NoError(t, err)

	f.clock.Advance(3 * time.Minute)
	assert.Equal(t, []string{first[0].ID}, sim.ExpiredIDs(f.clock.Now()))

	noRetention := NewSimulator(SimulatorConfig{}, f.clock, f.sessions, f.events, logger.NewNop())
	assert.Nil(t, noRetention.ExpiredIDs(f.clock.Now()))
}

func TestSimulator_EmitsEvents(t *testing.T) {
	clk := clock.Real{}
	sessions := NewSessionService(SessionConfig{InactivityTimeout: time.Hour, RecentActionsLimit: 10}, clk, nil, logger.NewNop())
	events := NewEventStore(EventConfig{}, clk, sessions, nil, logger.NewNop())
	sim := NewSimulator(SimulatorConfig{EventInterval: 5 * time.Millisecond}, clk, sessions, events, logger.NewNop())
	defer sim.Stop()

	spawned, err := sim.Spawn(context.Background(), 1)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return events.Query(model.EventQuery{SessionID: spawned[0].ID}).Total >= 2
	}, 2*time.Second, 5*time.Millisecond)

	sim.Stop()
	assert.Zero(t, sim.Count())
	_, ok := sessions.Get(spawned[0].ID)
	assert.True(t, ok, "stop leaves the stores alone")
}
