package service

import (
	"sort"
	"strings"
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

// HookRegistry grants at most one live consumer per endpoint.
type HookRegistry struct {
	clock  clock.Clock
	logger *logger.Logger

	byEndpoint map[string]*model.HookRegistration
	endpoints  map[string]string // hookID -> endpoint
	attempts   int
	rejections int
	mu         sync.Mutex
}

// NewHookRegistry creates an empty registry.
func NewHookRegistry(clk clock.Clock, log *logger.Logger) *HookRegistry {
	return &HookRegistry{
		clock:      clk,
		logger:     log.Named("hooks"),
		byEndpoint: make(map[string]*model.HookRegistration),
		endpoints:  make(map[string]string),
	}
}

func (h *HookRegistry) initialized() bool {
	return h != nil && h.byEndpoint != nil && h.endpoints != nil && h.clock != nil
}

// Register claims endpoint for owner. It returns false, without error, when
// another registration already holds the endpoint or the registry was never
// constructed.
func (h *HookRegistry) Register(endpoint, owner string, hookCtx map[string]any) (string, bool) {
	if !h.initialized() {
		return "", false
	}
	now := h.clock.Now()

	h.mu.Lock()
	h.attempts++
	if existing, held := h.byEndpoint[endpoint]; held {
		h.rejections++
		holder := existing.OwnerLabel
		h.mu.Unlock()

		metrics.HookRegistrations.WithLabelValues("rejected").Inc()
		h.logger.Warn("hook registration rejected",
			logger.Endpoint(endpoint),
			zap.String("owner", owner),
			zap.String("holder", holder),
		)
		return "", false
	}

	reg := &model.HookRegistration{
		HookID:       uuid.Must(uuid.NewV7()).String(),
		Endpoint:     endpoint,
		OwnerLabel:   owner,
		Context:      hookCtx,
		RegisteredAt: now,
		LastActivity: now,
	}
	h.byEndpoint[endpoint] = reg
	h.endpoints[reg.HookID] = endpoint
	active := len(h.byEndpoint)
	h.mu.Unlock()

	metrics.HookRegistrations.WithLabelValues("accepted").Inc()
	metrics.HooksActive.Set(float64(active))
	h.logger.Debug("hook registered",
		logger.Endpoint(endpoint),
		zap.String("owner", owner),
		logger.HookID(reg.HookID),
	)
	return reg.HookID, true
}

// Unregister releases a registration. It reports false for unknown or
// superseded hook IDs.
func (h *HookRegistry) Unregister(hookID string) bool {
	h.mu.Lock()
	endpoint, ok := h.endpoints[hookID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.endpoints, hookID)

	reg, held := h.byEndpoint[endpoint]
	if !held || reg.HookID != hookID {
		h.mu.Unlock()
		return false
	}
	delete(h.byEndpoint, endpoint)
	active := len(h.byEndpoint)
	h.mu.Unlock()

	metrics.HooksActive.Set(float64(active))
	h.logger.Debug("hook unregistered", logger.Endpoint(endpoint), logger.HookID(hookID))
	return true
}

// Acquire is the strict form of Register: it returns a ConflictError when
// the endpoint is held, and a release func that is safe to call repeatedly.
func (h *HookRegistry) Acquire(endpoint, owner string, hookCtx map[string]any) (string, func(), error) {
	if !h.initialized() {
		return "", func() {}, apperr.Internal("acquire hook", apperr.ErrUninitialized)
	}
	hookID, ok := h.Register(endpoint, owner, hookCtx)
	if !ok {
		return "", func() {}, apperr.Conflict("endpoint", endpoint)
	}

	var once sync.Once
	release := func() {
		once.Do(func() { h.Unregister(hookID) })
	}
	return hookID, release, nil
}

// TrackActivity bumps the request or error counter of a registration.
// Stale hook IDs are ignored.
func (h *HookRegistry) TrackActivity(hookID, activityType, detail string) {
	if !h.initialized() {
		return
	}
	now := h.clock.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	endpoint, ok := h.endpoints[hookID]
	if !ok {
		return
	}
	reg, held := h.byEndpoint[endpoint]
	if !held || reg.HookID != hookID {
		return
	}

	if isErrorActivity(activityType) {
		reg.ErrorCount++
		h.logger.Debug("hook error reported",
			logger.Endpoint(endpoint),
			zap.String("owner", reg.OwnerLabel),
			zap.String("detail", detail),
		)
	} else {
		reg.RequestCount++
	}
	reg.LastActivity = now
}

func isErrorActivity(activityType string) bool {
	switch strings.ToLower(activityType) {
	case "error", "failure", "failed":
		return true
	}
	return false
}

// Get returns a copy of the registration for hookID.
func (h *HookRegistry) Get(hookID string) (model.HookRegistration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	endpoint, ok := h.endpoints[hookID]
	if !ok {
		return model.HookRegistration{}, false
	}
	reg, held := h.byEndpoint[endpoint]
	if !held || reg.HookID != hookID {
		return model.HookRegistration{}, false
	}
	return *reg, true
}

// Stats returns a snapshot of the registry.
func (h *HookRegistry) Stats() model.HookStats {
	h.mu.Lock()
	stats := model.HookStats{
		Active:             len(h.byEndpoint),
		TotalRegistrations: h.attempts,
		Rejections:         h.rejections,
		Registrations:      make([]model.HookRegistration, 0, len(h.byEndpoint)),
	}
	for _, reg := range h.byEndpoint {
		stats.Registrations = append(stats.Registrations, *reg)
	}
	h.mu.Unlock()

	sort.Slice(stats.Registrations, func(i, j int) bool {
		return stats.Registrations[i].Endpoint < stats.Registrations[j].Endpoint
	})
	return stats
}

// PruneStale drops registrations with no activity for longer than maxIdle.
func (h *HookRegistry) PruneStale(now time.Time, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}

	h.mu.Lock()
	var stale []*model.HookRegistration
	for _, reg := range h.byEndpoint {
		if now.Sub(reg.LastActivity) > maxIdle {
			stale = append(stale, reg)
		}
	}
	for _, reg := range stale {
		delete(h.byEndpoint, reg.Endpoint)
		delete(h.endpoints, reg.HookID)
	}
	active := len(h.byEndpoint)
	h.mu.Unlock()

	metrics.HooksActive.Set(float64(active))
	for _, reg := range stale {
		h.logger.Warn("stale hook dropped",
			logger.Endpoint(reg.Endpoint),
			zap.String("owner", reg.OwnerLabel),
			zap.Time("last_activity", reg.LastActivity),
		)
	}
	return len(stale)
}

// Reset clears all state. Intended for tests and the admin reset route.
func (h *HookRegistry) Reset() int {
	h.mu.Lock()
	n := len(h.byEndpoint)
	h.byEndpoint = make(map[string]*model.HookRegistration)
	h.endpoints = make(map[string]string)
	h.attempts = 0
	h.rejections = 0
	h.mu.Unlock()

	metrics.HooksActive.Set(0)
	return n
}
