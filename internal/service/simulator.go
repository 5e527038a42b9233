package service

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/board-presence/internal/apperr"
	"github.com/capitalize-ai/board-presence/internal/clock"
	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/pkg/logger"
)

// MaxSimulatedPerSpawn caps a single Spawn call.
const MaxSimulatedPerSpawn = 50

var simulatedActions = []struct{ typ, category string }{
	{"card_moved", "board"},
	{"card_created", "board"},
	{"card_viewed", "board"},
	{"column_scrolled", "navigation"},
	{"route_changed", "navigation"},
	{"comment_added", "collaboration"},
	{"cursor_moved", "collaboration"},
}

var simulatedRoutes = []string{"/board", "/board/backlog", "/board/review", "/settings"}

// SimulatorConfig controls synthetic session traffic.
type SimulatorConfig struct {
	EventInterval time.Duration
	Retention     time.Duration
}

type simulatedSession struct {
	createdAt time.Time
	stop      chan struct{}
	done      chan struct{}
}

// Simulator creates synthetic guest sessions that emit events on a timer.
// They live in the regular stores flagged as simulated and are removed by
// the sweeper once past their own retention window.
type Simulator struct {
	cfg      SimulatorConfig
	clock    clock.Clock
	sessions *SessionService
	events   *EventStore
	guests   *GuestProvisioner
	logger   *logger.Logger

	running map[string]*simulatedSession
	spawned int
	mu      sync.Mutex
}

// NewSimulator creates a simulator. A zero EventInterval spawns sessions
// without emitters.
func NewSimulator(cfg SimulatorConfig, clk clock.Clock, sessions *SessionService, events *EventStore, log *logger.Logger) *Simulator {
	return &Simulator{
		cfg:      cfg,
		clock:    clk,
		sessions: sessions,
		events:   events,
		guests:   NewGuestProvisioner(),
		logger:   log.Named("simulator"),
		running:  make(map[string]*simulatedSession),
	}
}

// Spawn opens count simulated sessions.
func (s *Simulator) Spawn(ctx context.Context, count int) ([]*model.Session, error) {
	if count <= 0 || count > MaxSimulatedPerSpawn {
		return nil, apperr.Invalid("count", fmt.Sprintf("must be between 1 and %d", MaxSimulatedPerSpawn))
	}

	out := make([]*model.Session, 0, count)
	var taken []string
	for i := 0; i < count; i++ {
		s.mu.Lock()
		s.spawned++
		n := s.spawned
		s.mu.Unlock()

		seed := fmt.Sprintf("sim-%d", n)
		guest := s.guests.Provision(seed, taken, nil)
		taken = append(taken, guest.Name)

		sess, err := s.sessions.open(&model.OpenSessionRequest{
			UserID:       "sim-" + guest.ID,
			UserType:     model.UserGuest,
			UserName:     guest.Name,
			CurrentRoute: simulatedRoutes[n%len(simulatedRoutes)],
		}, true)
		if err != nil {
			return out, err
		}

		sim := &simulatedSession{
			createdAt: sess.CreatedAt,
			stop:      make(chan struct{}),
			done:      make(chan struct{}),
		}
		s.mu.Lock()
		s.running[sess.ID] = sim
		s.mu.Unlock()

		if s.cfg.EventInterval > 0 {
			go s.emit(sess.ID, sim)
		} else {
			close(sim.done)
		}
		out = append(out, sess)
	}

	s.logger.Info("simulated sessions spawned", zap.Int("count", count))
	return out, nil
}

func (s *Simulator) emit(sessionID string, sim *simulatedSession) {
	defer close(sim.done)

	ticker := time.NewTicker(s.cfg.EventInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sim.stop:
			return
		case <-ticker.C:
			action := simulatedActions[rand.Intn(len(simulatedActions))]
			_, err := s.events.Append(context.Background(), sessionID, []model.Event{{
				Type:     action.typ,
				Category: action.category,
				Metadata: map[string]any{"simulated": true},
			}})
			if err != nil {
				s.logger.Warn("simulated event dropped", logger.SessionID(sessionID), zap.Error(err))
			}
		}
	}
}

// List returns the live simulated sessions ordered by creation time.
func (s *Simulator) List() []*model.Session {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		if sess, ok := s.sessions.Get(id); ok {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ExpiredIDs lists simulated sessions older than the retention window.
func (s *Simulator) ExpiredIDs(now time.Time) []string {
	if s.cfg.Retention <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, sim := range s.running {
		if now.Sub(sim.createdAt) > s.cfg.Retention {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Remove stops the emitter of a simulated session, deletes the session and
// purges its events. It returns the number of purged events, or false when
// the session is not simulated.
func (s *Simulator) Remove(id string) (int, bool) {
	s.mu.Lock()
	sim, ok := s.running[id]
	if ok {
		delete(s.running, id)
	}
	s.mu.Unlock()

	if !ok {
		return 0, false
	}

	close(sim.stop)
	<-sim.done

	s.sessions.Delete(id)
	return s.events.Purge(id), true
}

// PurgeAll removes every simulated session and its events.
func (s *Simulator) PurgeAll() *model.PurgeResponse {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	resp := &model.PurgeResponse{}
	for _, id := range ids {
		if n, ok := s.Remove(id); ok {
			resp.CleanedSessions++
			resp.CleanedEvents += n
		}
	}
	if resp.CleanedSessions > 0 {
		s.logger.Info("simulated sessions purged",
			zap.Int("sessions", resp.CleanedSessions),
			zap.Int("events", resp.CleanedEvents),
		)
	}
	return resp
}

// Count returns the number of live simulated sessions.
func (s *Simulator) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Stop halts every emitter without touching the stores.
func (s *Simulator) Stop() {
	s.mu.Lock()
	sims := make([]*simulatedSession, 0, len(s.running))
	for _, sim := range s.running {
		sims = append(sims, sim)
	}
	s.running = make(map[string]*simulatedSession)
	s.mu.Unlock()

	for _, sim := range sims {
		close(sim.stop)
		<-sim.done
	}
}
