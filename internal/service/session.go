package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/board-presence/internal/apperr"
	"github.com/capitalize-ai/board-presence/internal/clock"
	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/pkg/logger"
	"github.com/capitalize-ai/board-presence/pkg/metrics"
)

// Reasons stamped on sessions ended by the system.
const (
	ReasonInactivityTimeout = "inactivity_timeout"
	ReasonIdleTimeout       = "idle_timeout"
	ReasonBrowserClosed     = "browser_session_ended"
	ReasonClientEnded       = "client_ended"
	ReasonBulkCleanup       = "bulk_cleanup"
)

// SessionConfig holds the lifecycle timings of the session store.
type SessionConfig struct {
	InactivityTimeout  time.Duration
	IdleEndTimeout     time.Duration
	RetentionWindow    time.Duration
	RecentActionsLimit int
}

// SessionService owns the session map and its lifecycle state machine.
type SessionService struct {
	cfg      SessionConfig
	clock    clock.Clock
	notifier Notifier
	logger   *logger.Logger

	sessions map[string]*model.Session
	mu       sync.RWMutex
}

// NewSessionService creates a new session service.
func NewSessionService(cfg SessionConfig, clk clock.Clock, notifier Notifier, log *logger.Logger) *SessionService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.RecentActionsLimit <= 0 {
		cfg.RecentActionsLimit = 10
	}
	return &SessionService{
		cfg:      cfg,
		clock:    clk,
		notifier: notifier,
		logger:   log.Named("sessions"),
		sessions: make(map[string]*model.Session),
	}
}

func (s *SessionService) initialized() bool {
	return s != nil && s.sessions != nil && s.clock != nil
}

// Open creates a new active session.
func (s *SessionService) Open(ctx context.Context, req *model.OpenSessionRequest) (*model.Session, error) {
	return s.open(req, false)
}

func (s *SessionService) open(req *model.OpenSessionRequest, simulated bool) (*model.Session, error) {
	if req.UserID == "" {
		return nil, apperr.Invalid("userId", "required")
	}
	if !req.UserType.Valid() {
		return nil, apperr.Invalid("userType", "must be registered or guest")
	}
	if !s.initialized() {
		return nil, apperr.Internal("open session", apperr.ErrUninitialized)
	}

	now := s.clock.Now()
	name := req.UserName
	if name == "" {
		name = req.UserID
	}

	sess := &model.Session{
		ID:               uuid.Must(uuid.NewV7()).String(),
		UserID:           req.UserID,
		UserType:         req.UserType,
		UserName:         name,
		BrowserSessionID: req.BrowserSessionID,
		Status:           model.StatusActive,
		CurrentRoute:     req.CurrentRoute,
		CreatedAt:        now,
		LastActivityAt:   now,
		RecentActions:    []model.RecentAction{},
		Simulated:        simulated,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	out := sess.Clone()
	s.refreshGaugesLocked()
	s.mu.Unlock()

	s.logger.Info("session opened",
		logger.SessionID(sess.ID),
		zap.String("user_id", sess.UserID),
		zap.String("user_type", string(sess.UserType)),
	)
	s.notifier.Notify(model.Change{Kind: model.ChangeSessionOpened, SessionID: sess.ID, UserID: sess.UserID, Session: out.Clone(), At: now})

	return out, nil
}

// Get returns a copy of the session.
func (s *SessionService) Get(id string) (*model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// List returns copies of all sessions ordered by creation time.
func (s *SessionService) List() []*model.Session {
	s.mu.RLock()
	out := make([]*model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Grouped groups registered sessions by user and lists guest sessions separately.
func (s *SessionService) Grouped() *model.ListSessionsResponse {
	resp := &model.ListSessionsResponse{
		Grouped: make(map[string]*model.UserSessions),
		Guests:  []*model.Session{},
	}

	for _, sess := range s.List() {
		resp.Total++
		if sess.UserType == model.UserGuest {
			resp.Guests = append(resp.Guests, sess)
			continue
		}

		group, ok := resp.Grouped[sess.UserID]
		if !ok {
			group = &model.UserSessions{UserID: sess.UserID, UserName: sess.UserName}
			resp.Grouped[sess.UserID] = group
		}
		group.Sessions = append(group.Sessions, sess)
		if sess.Status == model.StatusActive {
			group.ActiveCount++
		}
	}

	return resp
}

// Update applies a client heartbeat to one session.
func (s *SessionService) Update(ctx context.Context, id string, req *model.UpdateSessionRequest) (*model.Session, error) {
	if req.Status != nil && !req.Status.Valid() {
		return nil, apperr.Invalid("status", "must be one of active, idle, ended")
	}
	if !s.initialized() {
		return nil, apperr.Internal("update session", apperr.ErrUninitialized)
	}

	now := s.clock.Now()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFound("session", id)
	}
	if sess.IsEnded() {
		// Ended sessions are terminal: heartbeats no longer move them.
		out := sess.Clone()
		s.mu.Unlock()
		if req.Status != nil && *req.Status != model.StatusEnded {
			return nil, apperr.Invalid("status", "session has ended")
		}
		return out, nil
	}

	if req.CurrentRoute != nil {
		sess.CurrentRoute = *req.CurrentRoute
	}
	sess.LastActivityAt = now

	kind := model.ChangeSessionUpdated
	if req.Status != nil && *req.Status != sess.Status {
		reason := req.Reason
		if reason == "" {
			reason = "client_heartbeat"
		}
		s.setStatusLocked(sess, *req.Status, reason, "client", now)
		if sess.IsEnded() {
			kind = model.ChangeSessionEnded
		}
		s.refreshGaugesLocked()
	}
	out := sess.Clone()
	s.mu.Unlock()

	s.notifier.Notify(model.Change{Kind: kind, SessionID: id, UserID: out.UserID, Session: out.Clone(), At: now})
	return out, nil
}

// TransitionUser moves every non-ended session of a user to newStatus.
func (s *SessionService) TransitionUser(ctx context.Context, userID string, newStatus model.SessionStatus, reason string) (int, error) {
	if userID == "" {
		return 0, apperr.Invalid("userId", "required")
	}
	if newStatus == "" {
		return 0, apperr.Invalid("newStatus", "required")
	}
	if !newStatus.Valid() {
		return 0, apperr.Invalid("newStatus", "must be one of active, idle, ended")
	}
	if !s.initialized() {
		return 0, apperr.Internal("transition user sessions", apperr.ErrUninitialized)
	}

	now := s.clock.Now()
	var changes []model.Change
	found := false

	s.mu.Lock()
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		found = true
		if sess.IsEnded() {
			continue
		}
		s.setStatusLocked(sess, newStatus, reason, "transition", now)
		sess.LastActivityAt = now

		kind := model.ChangeSessionUpdated
		if sess.IsEnded() {
			kind = model.ChangeSessionEnded
		}
		changes = append(changes, model.Change{Kind: kind, SessionID: sess.ID, UserID: userID, Session: sess.Clone(), At: now})
	}
	s.refreshGaugesLocked()
	s.mu.Unlock()

	if !found {
		return 0, apperr.NotFound("sessions for user", userID)
	}

	for _, c := range changes {
		s.notifier.Notify(c)
	}
	s.logger.Info("user sessions transitioned",
		zap.String("user_id", userID),
		zap.String("status", string(newStatus)),
		zap.String("reason", reason),
		zap.Int("updated", len(changes)),
	)
	return len(changes), nil
}

// End marks a session ended. Ending an ended session is a no-op.
func (s *SessionService) End(ctx context.Context, id, reason string) (*model.Session, error) {
	if !s.initialized() {
		return nil, apperr.Internal("end session", apperr.ErrUninitialized)
	}
	now := s.clock.Now()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFound("session", id)
	}
	if sess.IsEnded() {
		out := sess.Clone()
		s.mu.Unlock()
		return out, nil
	}
	s.setStatusLocked(sess, model.StatusEnded, reason, "client", now)
	s.refreshGaugesLocked()
	out := sess.Clone()
	s.mu.Unlock()

	s.logger.Info("session ended", logger.SessionID(id), zap.String("reason", reason))
	s.notifier.Notify(model.Change{Kind: model.ChangeSessionEnded, SessionID: id, UserID: out.UserID, Session: out.Clone(), At: now})
	return out, nil
}

// EndForUser ends every non-ended session of userID, or of everyone when
// userID is empty.
func (s *SessionService) EndForUser(ctx context.Context, userID, reason string) int {
	return s.endMatching(func(sess *model.Session) bool {
		return !sess.IsEnded() && (userID == "" || sess.UserID == userID)
	}, reason, "cleanup")
}

// EndActiveForUser ends the active sessions of userID. Used by browser
// session teardown.
func (s *SessionService) EndActiveForUser(ctx context.Context, userID, reason string) int {
	if userID == "" {
		return 0
	}
	return s.endMatching(func(sess *model.Session) bool {
		return sess.UserID == userID && sess.Status == model.StatusActive
	}, reason, "cascade")
}

func (s *SessionService) endMatching(match func(*model.Session) bool, reason, cause string) int {
	if !s.initialized() {
		return 0
	}
	now := s.clock.Now()
	var changes []model.Change

	s.mu.Lock()
	for _, sess := range s.sessions {
		if !match(sess) {
			continue
		}
		s.setStatusLocked(sess, model.StatusEnded, reason, cause, now)
		changes = append(changes, model.Change{Kind: model.ChangeSessionEnded, SessionID: sess.ID, UserID: sess.UserID, Session: sess.Clone(), At: now})
	}
	s.refreshGaugesLocked()
	s.mu.Unlock()

	for _, c := range changes {
		s.notifier.Notify(c)
	}
	if len(changes) > 0 {
		s.logger.Info("sessions ended", zap.String("reason", reason), zap.Int("count", len(changes)))
	}
	return len(changes)
}

// RecordEvents is the event store write path: it refreshes the counters and
// recent actions of a session. It reports false when the session is unknown.
func (s *SessionService) RecordEvents(id string, retained int, batch []model.RecentAction, at time.Time) bool {
	if !s.initialized() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}

	sess.EventCount = retained
	for _, action := range batch {
		sess.RecentActions = append([]model.RecentAction{action}, sess.RecentActions...)
	}
	if len(sess.RecentActions) > s.cfg.RecentActionsLimit {
		sess.RecentActions = sess.RecentActions[:s.cfg.RecentActionsLimit]
	}
	if !sess.IsEnded() {
		sess.LastActivityAt = at
	}
	return true
}

// sweepCandidates lists sessions the sweeper should look at. Each candidate
// is re-checked under the lock before it is acted on.
type sweepCandidates struct {
	inactive    []string
	idleExpired []string
	expired     []string
}

func (s *SessionService) sweepCandidates(now time.Time) sweepCandidates {
	var c sweepCandidates

	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, sess := range s.sessions {
		switch {
		case s.isInactive(sess, now):
			c.inactive = append(c.inactive, id)
		case s.isIdleExpired(sess, now):
			c.idleExpired = append(c.idleExpired, id)
		case s.isExpired(sess, now):
			c.expired = append(c.expired, id)
		}
	}
	return c
}

func (s *SessionService) isInactive(sess *model.Session, now time.Time) bool {
	return sess.Status == model.StatusActive && now.Sub(sess.LastActivityAt) > s.cfg.InactivityTimeout
}

func (s *SessionService) isIdleExpired(sess *model.Session, now time.Time) bool {
	if s.cfg.IdleEndTimeout <= 0 || sess.Status != model.StatusIdle {
		return false
	}
	since := sess.LastActivityAt
	if sess.StatusChangedAt != nil && sess.StatusChangedAt.After(since) {
		since = *sess.StatusChangedAt
	}
	return now.Sub(since) > s.cfg.IdleEndTimeout
}

func (s *SessionService) isExpired(sess *model.Session, now time.Time) bool {
	return sess.IsEnded() && sess.EndedAt != nil && now.Sub(*sess.EndedAt) > s.cfg.RetentionWindow
}

// endIfStale ends a session that is still inactive (or idle past its
// limit) at now. It reports whether the session was ended.
func (s *SessionService) endIfStale(id string, now time.Time) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	var reason string
	switch {
	case s.isInactive(sess, now):
		reason = ReasonInactivityTimeout
	case s.isIdleExpired(sess, now):
		reason = ReasonIdleTimeout
	default:
		s.mu.Unlock()
		return false
	}
	s.setStatusLocked(sess, model.StatusEnded, reason, "sweeper", now)
	s.refreshGaugesLocked()
	out := sess.Clone()
	s.mu.Unlock()

	s.notifier.Notify(model.Change{Kind: model.ChangeSessionEnded, SessionID: id, UserID: out.UserID, Session: out, At: now})
	return true
}

// deleteIfExpired removes an ended session past the retention window.
func (s *SessionService) deleteIfExpired(id string, now time.Time) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || !s.isExpired(sess, now) {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, id)
	s.refreshGaugesLocked()
	s.mu.Unlock()

	s.notifier.Notify(model.Change{Kind: model.ChangeSessionRemoved, SessionID: id, UserID: sess.UserID, At: now})
	return true
}

// Delete removes a session regardless of state. Only the sweeper and the
// simulator call it.
func (s *SessionService) Delete(id string) bool {
	if !s.initialized() {
		return false
	}
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		s.refreshGaugesLocked()
	}
	s.mu.Unlock()

	if ok {
		s.notifier.Notify(model.Change{Kind: model.ChangeSessionRemoved, SessionID: id, UserID: sess.UserID, At: s.clock.Now()})
	}
	return ok
}

// Reset drops every session and returns how many were held.
func (s *SessionService) Reset() int {
	s.mu.Lock()
	n := len(s.sessions)
	s.sessions = make(map[string]*model.Session)
	s.refreshGaugesLocked()
	s.mu.Unlock()
	return n
}

// IDs returns the set of known session IDs.
func (s *SessionService) IDs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make(map[string]struct{}, len(s.sessions))
	for id := range s.sessions {
		ids[id] = struct{}{}
	}
	return ids
}

// ActiveRegisteredNames returns the names of registered users with a
// non-ended session.
func (s *SessionService) ActiveRegisteredNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for _, sess := range s.sessions {
		if sess.UserType != model.UserRegistered || sess.IsEnded() || seen[sess.UserName] {
			continue
		}
		seen[sess.UserName] = true
		names = append(names, sess.UserName)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of sessions held.
func (s *SessionService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *SessionService) setStatusLocked(sess *model.Session, to model.SessionStatus, reason, cause string, now time.Time) {
	sess.Status = to
	sess.StatusChangedAt = &now
	sess.StatusChangeReason = reason
	if to == model.StatusEnded && sess.EndedAt == nil {
		sess.EndedAt = &now
	}
	metrics.RecordTransition(string(to), cause)
}

func (s *SessionService) refreshGaugesLocked() {
	counts := map[model.SessionStatus]int{}
	for _, sess := range s.sessions {
		counts[sess.Status]++
	}
	for _, status := range []model.SessionStatus{model.StatusActive, model.StatusIdle, model.StatusEnded} {
		metrics.SessionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
