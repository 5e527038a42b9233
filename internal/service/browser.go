package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/board-presence/internal/apperr"
	"github.com/capitalize-ai/board-presence/internal/clock"
	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/pkg/logger"
	"github.com/capitalize-ai/board-presence/pkg/metrics"
)

var errNotDue = errors.New("browser session not due")

// BrowserSessionService tracks browser tabs and the guest identity each one
// was provisioned with.
type BrowserSessionService struct {
	clock    clock.Clock
	sessions *SessionService
	guests   *GuestProvisioner
	notifier Notifier
	logger   *logger.Logger

	tabs map[string]*model.BrowserSession
	mu   sync.RWMutex
}

// NewBrowserSessionService creates a new browser session service.
func NewBrowserSessionService(clk clock.Clock, sessions *SessionService, guests *GuestProvisioner, notifier Notifier, log *logger.Logger) *BrowserSessionService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if guests == nil {
		guests = NewGuestProvisioner()
	}
	return &BrowserSessionService{
		clock:    clk,
		sessions: sessions,
		guests:   guests,
		notifier: notifier,
		logger:   log.Named("browser_sessions"),
		tabs:     make(map[string]*model.BrowserSession),
	}
}

func (b *BrowserSessionService) initialized() bool {
	return b != nil && b.tabs != nil && b.clock != nil
}

// Create registers a tab on first contact, provisioning a guest identity.
// For a known tab it applies the active user and merges metadata instead.
// The bool result reports whether a new record was created.
func (b *BrowserSessionService) Create(ctx context.Context, id string, req *model.BrowserSessionRequest) (*model.BrowserSession, bool, error) {
	if id == "" {
		return nil, false, apperr.Invalid("id", "required")
	}
	if req == nil {
		req = &model.BrowserSessionRequest{}
	}
	if req.ActiveUserType != "" && !req.ActiveUserType.Valid() {
		return nil, false, apperr.Invalid("activeUserType", "must be registered or guest")
	}
	if !b.initialized() {
		return nil, false, apperr.Internal("create browser session", apperr.ErrUninitialized)
	}

	now := b.clock.Now()

	// Registered names are read before taking our lock; SessionService never
	// calls back into this service.
	var registered []string
	if b.sessions != nil {
		registered = b.sessions.ActiveRegisteredNames()
	}

	b.mu.Lock()
	if tab, ok := b.tabs[id]; ok {
		applyActiveUser(tab, req.ActiveUserID, req.ActiveUserType)
		for k, v := range req.Metadata {
			if tab.Metadata == nil {
				tab.Metadata = make(map[string]string, len(req.Metadata))
			}
			tab.Metadata[k] = v
		}
		tab.LastActivityAt = now
		out := tab.Clone()
		b.mu.Unlock()
		return out, false, nil
	}

	takenNames := append([]string(nil), registered...)
	var takenColors []string
	for _, tab := range b.tabs {
		takenNames = append(takenNames, tab.ProvisionedGuest.Name)
		takenColors = append(takenColors, tab.ProvisionedGuest.Color)
	}
	guest := b.guests.Provision(id, takenNames, takenColors)

	tab := &model.BrowserSession{
		ID:               id,
		CreatedAt:        now,
		LastActivityAt:   now,
		ProvisionedGuest: guest,
		ActiveUserID:     guest.ID,
		ActiveUserType:   model.UserGuest,
		Metadata:         make(map[string]string, len(req.Metadata)),
	}
	for k, v := range req.Metadata {
		tab.Metadata[k] = v
	}
	applyActiveUser(tab, req.ActiveUserID, req.ActiveUserType)

	b.tabs[id] = tab
	active := len(b.tabs)
	out := tab.Clone()
	b.mu.Unlock()

	metrics.BrowserSessionsActive.Set(float64(active))
	b.logger.Info("browser session created",
		logger.BrowserSessionID(id),
		zap.String("guest_id", guest.ID),
		zap.String("guest_name", guest.Name),
	)
	return out, true, nil
}

func applyActiveUser(tab *model.BrowserSession, userID string, userType model.UserType) {
	if userID == "" {
		return
	}
	tab.ActiveUserID = userID
	switch {
	case userType != "":
		tab.ActiveUserType = userType
	case userID == tab.ProvisionedGuest.ID:
		tab.ActiveUserType = model.UserGuest
	default:
		tab.ActiveUserType = model.UserRegistered
	}
}

// Get returns a copy of the browser session.
func (b *BrowserSessionService) Get(id string) (*model.BrowserSession, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tab, ok := b.tabs[id]
	if !ok {
		return nil, apperr.NotFound("browser session", id)
	}
	return tab.Clone(), nil
}

// SetActiveUser switches the identity driving a tab. The provisioned guest
// is kept.
func (b *BrowserSessionService) SetActiveUser(ctx context.Context, id, userID string, userType model.UserType) (*model.BrowserSession, error) {
	if userID == "" {
		return nil, apperr.Invalid("userId", "required")
	}
	if userType != "" && !userType.Valid() {
		return nil, apperr.Invalid("userType", "must be registered or guest")
	}
	if !b.initialized() {
		return nil, apperr.Internal("set active user", apperr.ErrUninitialized)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tab, ok := b.tabs[id]
	if !ok {
		return nil, apperr.NotFound("browser session", id)
	}
	applyActiveUser(tab, userID, userType)
	tab.LastActivityAt = b.clock.Now()

	b.logger.Debug("browser session user switched",
		logger.BrowserSessionID(id),
		zap.String("user_id", tab.ActiveUserID),
		zap.String("user_type", string(tab.ActiveUserType)),
	)
	return tab.Clone(), nil
}

// LinkSession records the session currently opened from a tab. Unknown tabs
// are ignored.
func (b *BrowserSessionService) LinkSession(id, sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	tab, ok := b.tabs[id]
	if !ok {
		return false
	}
	tab.SessionID = sessionID
	tab.LastActivityAt = b.clock.Now()
	return true
}

// Touch refreshes the tab's last contact time.
func (b *BrowserSessionService) Touch(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	tab, ok := b.tabs[id]
	if ok {
		tab.LastActivityAt = b.clock.Now()
	}
	return ok
}

// End tears down a tab: the record is removed and every active session of
// its provisioned guest is ended. A second call returns a NotFoundError,
// which callers treat as already cleaned up.
func (b *BrowserSessionService) End(ctx context.Context, id string) error {
	return b.end(ctx, id, ReasonBrowserClosed, nil)
}

// end removes the tab when due is nil or reports true, then cascades.
func (b *BrowserSessionService) end(ctx context.Context, id, reason string, due func(*model.BrowserSession) bool) error {
	if !b.initialized() {
		return apperr.Internal("end browser session", apperr.ErrUninitialized)
	}
	b.mu.Lock()
	tab, ok := b.tabs[id]
	if !ok {
		b.mu.Unlock()
		return apperr.NotFound("browser session", id)
	}
	if due != nil && !due(tab) {
		b.mu.Unlock()
		return errNotDue
	}
	delete(b.tabs, id)
	active := len(b.tabs)
	b.mu.Unlock()

	metrics.BrowserSessionsActive.Set(float64(active))

	ended := 0
	if b.sessions != nil {
		ended = b.sessions.EndActiveForUser(ctx, tab.ProvisionedGuest.ID, reason)
	}

	b.logger.Info("browser session ended",
		logger.BrowserSessionID(id),
		zap.String("guest_id", tab.ProvisionedGuest.ID),
		zap.String("reason", reason),
		zap.Int("sessions_ended", ended),
	)
	b.notifier.Notify(model.Change{Kind: model.ChangeBrowserEnded, SessionID: tab.SessionID, UserID: tab.ProvisionedGuest.ID, At: b.clock.Now()})
	return nil
}

// IdleIDs lists tabs with no contact for longer than ttl.
func (b *BrowserSessionService) IdleIDs(now time.Time, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []string
	for id, tab := range b.tabs {
		if now.Sub(tab.LastActivityAt) > ttl {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// endIfIdle ends a tab that is still idle at now.
func (b *BrowserSessionService) endIfIdle(ctx context.Context, id string, now time.Time, ttl time.Duration) bool {
	err := b.end(ctx, id, ReasonInactivityTimeout, func(tab *model.BrowserSession) bool {
		return now.Sub(tab.LastActivityAt) > ttl
	})
	return err == nil
}

// LinkedSessionIDs returns the session IDs referenced by live tabs.
func (b *BrowserSessionService) LinkedSessionIDs() map[string]struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make(map[string]struct{})
	for _, tab := range b.tabs {
		if tab.SessionID != "" {
			ids[tab.SessionID] = struct{}{}
		}
	}
	return ids
}

// Count returns the number of tabs held.
func (b *BrowserSessionService) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tabs)
}

// Reset drops every tab without cascading and returns how many were held.
func (b *BrowserSessionService) Reset() int {
	b.mu.Lock()
	n := len(b.tabs)
	b.tabs = make(map[string]*model.BrowserSession)
	b.mu.Unlock()

	metrics.BrowserSessionsActive.Set(0)
	return n
}
