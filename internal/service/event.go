package service

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/board-presence/internal/apperr"
	"github.com/capitalize-ai/board-presence/internal/clock"
	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/pkg/logger"
	"github.com/capitalize-ai/board-presence/pkg/metrics"
)

// EventConfig holds event store limits.
type EventConfig struct {
	MaxEventsPerSession int
	DefaultQueryLimit   int
}

// EventStore keeps a bounded, ordered event timeline per session.
//
// Lock order: EventStore.mu may be held while calling into SessionService,
// never the reverse.
type EventStore struct {
	cfg      EventConfig
	clock    clock.Clock
	sessions *SessionService
	notifier Notifier
	logger   *logger.Logger

	events map[string][]model.Event
	seq    uint64
	mu     sync.RWMutex
}

// NewEventStore creates a new event store. sessions may be nil, in which
// case session counters are not maintained.
func NewEventStore(cfg EventConfig, clk clock.Clock, sessions *SessionService, notifier Notifier, log *logger.Logger) *EventStore {
	if cfg.MaxEventsPerSession <= 0 {
		cfg.MaxEventsPerSession = 1000
	}
	if cfg.DefaultQueryLimit <= 0 {
		cfg.DefaultQueryLimit = 100
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &EventStore{
		cfg:      cfg,
		clock:    clk,
		sessions: sessions,
		notifier: notifier,
		logger:   log.Named("events"),
		events:   make(map[string][]model.Event),
	}
}

// Append stores a batch of events for a session, evicting the oldest events
// past the per-session cap. Events for an unknown session are still stored.
// An empty batch changes nothing.
func (e *EventStore) Append(ctx context.Context, sessionID string, batch []model.Event) (*model.AppendEventsResponse, error) {
	if sessionID == "" {
		return nil, apperr.Invalid("sessionId", "required")
	}
	if e == nil || e.events == nil {
		return nil, apperr.Internal("append events", apperr.ErrUninitialized)
	}
	if len(batch) == 0 {
		e.mu.RLock()
		retained := len(e.events[sessionID])
		e.mu.RUnlock()
		return &model.AppendEventsResponse{TotalEvents: retained}, nil
	}

	now := e.clock.Now()
	actions := make([]model.RecentAction, 0, len(batch))

	e.mu.Lock()
	list := e.events[sessionID]
	for _, ev := range batch {
		if ev.ID == "" {
			ev.ID = uuid.Must(uuid.NewV7()).String()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		e.seq++
		ev.Sequence = e.seq
		ev.SessionID = sessionID
		ev.ReceivedAt = now
		ev.Metadata = copyMetadata(ev.Metadata)
		list = append(list, ev)
		actions = append(actions, model.RecentAction{Type: ev.Type, Category: ev.Category, Timestamp: ev.Timestamp})
	}

	evicted := 0
	if over := len(list) - e.cfg.MaxEventsPerSession; over > 0 {
		evicted = over
		list = list[over:]
	}
	e.events[sessionID] = list
	retained := len(list)

	known := true
	if e.sessions != nil {
		known = e.sessions.RecordEvents(sessionID, retained, actions, now)
	}
	e.mu.Unlock()

	metrics.EventsAppended.Add(float64(len(batch)))
	if evicted > 0 {
		metrics.EventsEvicted.Add(float64(evicted))
	}
	if !known {
		e.logger.Debug("events accepted for unknown session", logger.SessionID(sessionID), zap.Int("count", len(batch)))
	}

	e.notifier.Notify(model.Change{Kind: model.ChangeEventsAppended, SessionID: sessionID, Events: len(batch), At: now})

	return &model.AppendEventsResponse{
		EventsReceived: len(batch),
		TotalEvents:    retained,
	}, nil
}

// Query returns events newest-first. With an empty SessionID it searches
// every session.
func (e *EventStore) Query(q model.EventQuery) *model.ListEventsResponse {
	limit := q.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultQueryLimit
	}

	var matched []model.Event

	e.mu.RLock()
	if q.SessionID != "" {
		matched = filterEvents(matched, e.events[q.SessionID], q.Category)
	} else {
		for _, list := range e.events {
			matched = filterEvents(matched, list, q.Category)
		}
	}
	e.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].Sequence < matched[j].Sequence
	})

	total := len(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	if matched == nil {
		matched = []model.Event{}
	}

	return &model.ListEventsResponse{
		Events: matched,
		Total:  total,
	}
}

// Purge removes every event of a session and returns how many were dropped.
func (e *EventStore) Purge(sessionID string) int {
	e.mu.Lock()
	n := len(e.events[sessionID])
	delete(e.events, sessionID)
	e.mu.Unlock()

	metrics.EventsPurged.Add(float64(n))
	return n
}

// PurgeOrphaned removes events of every session not in active.
func (e *EventStore) PurgeOrphaned(active map[string]struct{}) *model.PurgeResponse {
	resp := &model.PurgeResponse{}

	e.mu.Lock()
	var orphans []string
	for id := range e.events {
		if _, ok := active[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	for _, id := range orphans {
		resp.CleanedEvents += len(e.events[id])
		resp.CleanedSessions++
		delete(e.events, id)
	}
	e.mu.Unlock()

	metrics.EventsPurged.Add(float64(resp.CleanedEvents))
	if resp.CleanedSessions > 0 {
		e.logger.Info("orphaned events purged",
			zap.Int("sessions", resp.CleanedSessions),
			zap.Int("events", resp.CleanedEvents),
		)
	}
	return resp
}

// Count returns how many sessions have events and the total event count.
func (e *EventStore) Count() (sessions, events int) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, list := range e.events {
		events += len(list)
	}
	return len(e.events), events
}

// Reset drops every event and returns how many were held.
func (e *EventStore) Reset() int {
	e.mu.Lock()
	n := 0
	for _, list := range e.events {
		n += len(list)
	}
	e.events = make(map[string][]model.Event)
	e.mu.Unlock()
	return n
}

func filterEvents(dst, src []model.Event, category string) []model.Event {
	for _, ev := range src {
		if category != "" && ev.Category != category {
			continue
		}
		ev.Metadata = copyMetadata(ev.Metadata)
		dst = append(dst, ev)
	}
	return dst
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
