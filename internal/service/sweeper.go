package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/board-presence/internal/clock"
	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/pkg/logger"
	"github.com/capitalize-ai/board-presence/pkg/metrics"
	"github.com/capitalize-ai/board-presence/pkg/tracing"
)

// SweeperConfig holds the sweep schedule and the optional extra passes.
type SweeperConfig struct {
	Interval          time.Duration
	BrowserSessionTTL time.Duration
	HookStaleTimeout  time.Duration
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	SessionsEnded        int           `json:"sessionsEnded"`
	SessionsDeleted      int           `json:"sessionsDeleted"`
	EventsPurged         int           `json:"eventsPurged"`
	SimulatedRemoved     int           `json:"simulatedRemoved"`
	BrowserSessionsEnded int           `json:"browserSessionsEnded"`
	HooksPruned          int           `json:"hooksPruned"`
	Failures             int           `json:"failures"`
	Duration             time.Duration `json:"duration"`
}

// Sweeper ages out sessions, events, browser sessions and simulated traffic
// on a fixed schedule. It never returns errors: a failure on one entity is
// logged and the pass continues.
type Sweeper struct {
	cfg       SweeperConfig
	clock     clock.Clock
	sessions  *SessionService
	events    *EventStore
	browsers  *BrowserSessionService
	hooks     *HookRegistry
	simulator *Simulator
	logger    *logger.Logger

	cron *cron.Cron
	pass sync.Mutex
}

// NewSweeper creates a sweeper. browsers, hooks and simulator may be nil.
func NewSweeper(cfg SweeperConfig, clk clock.Clock, sessions *SessionService, events *EventStore, browsers *BrowserSessionService, hooks *HookRegistry, simulator *Simulator, log *logger.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Sweeper{
		cfg:       cfg,
		clock:     clk,
		sessions:  sessions,
		events:    events,
		browsers:  browsers,
		hooks:     hooks,
		simulator: simulator,
		logger:    log.Named("sweeper"),
	}
}

// Start schedules Sweep every configured interval. Passes that would overlap
// a running one are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	schedule := "@every " + s.cfg.Interval.String()
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	s.cron.Start()
	s.logger.Info("sweeper started", zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop cancels the schedule and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	s.pass.Lock()
	defer s.pass.Unlock()

	ctx, span := tracing.Tracer().Start(ctx, "sweeper.Sweep")
	defer span.End()

	start := time.Now()
	now := s.clock.Now()
	var report SweepReport

	candidates := s.sessions.sweepCandidates(now)
	for _, id := range append(candidates.inactive, candidates.idleExpired...) {
		s.guard(&report, "end session", id, func() {
			if s.sessions.endIfStale(id, now) {
				report.SessionsEnded++
			}
		})
	}
	for _, id := range candidates.expired {
		s.guard(&report, "delete session", id, func() {
			if s.sessions.deleteIfExpired(id, now) {
				report.SessionsDeleted++
				report.EventsPurged += s.events.Purge(id)
			}
		})
	}

	if s.simulator != nil {
		for _, id := range s.simulator.ExpiredIDs(now) {
			s.guard(&report, "remove simulated session", id, func() {
				if n, ok := s.simulator.Remove(id); ok {
					report.SimulatedRemoved++
					report.EventsPurged += n
				}
			})
		}
	}

	if s.browsers != nil && s.cfg.BrowserSessionTTL > 0 {
		for _, id := range s.browsers.IdleIDs(now, s.cfg.BrowserSessionTTL) {
			s.guard(&report, "end browser session", id, func() {
				if s.browsers.endIfIdle(ctx, id, now, s.cfg.BrowserSessionTTL) {
					report.BrowserSessionsEnded++
				}
			})
		}
	}

	if s.hooks != nil && s.cfg.HookStaleTimeout > 0 {
		s.guard(&report, "prune hooks", "", func() {
			report.HooksPruned = s.hooks.PruneStale(now, s.cfg.HookStaleTimeout)
		})
	}

	report.Duration = time.Since(start)
	metrics.RecordSweep(report.Duration.Seconds(), report.SessionsEnded, report.SessionsDeleted+report.SimulatedRemoved, report.EventsPurged)

	span.SetAttributes(
		attribute.Int("sweep.sessions_ended", report.SessionsEnded),
		attribute.Int("sweep.sessions_deleted", report.SessionsDeleted),
		attribute.Int("sweep.events_purged", report.EventsPurged),
		attribute.Int("sweep.failures", report.Failures),
	)

	s.logger.Info("sweep completed",
		zap.Int("sessions_ended", report.SessionsEnded),
		zap.Int("sessions_deleted", report.SessionsDeleted),
		zap.Int("events_purged", report.EventsPurged),
		zap.Int("simulated_removed", report.SimulatedRemoved),
		zap.Int("browser_sessions_ended", report.BrowserSessionsEnded),
		zap.Int("hooks_pruned", report.HooksPruned),
		zap.Int("failures", report.Failures),
		zap.Duration("duration", report.Duration),
	)
	return report
}

// PurgeOrphans drops events whose session is neither known to the session
// store nor linked from a live browser session.
func (s *Sweeper) PurgeOrphans(ctx context.Context) *model.PurgeResponse {
	_, span := tracing.Tracer().Start(ctx, "sweeper.PurgeOrphans")
	defer span.End()

	keep := s.sessions.IDs()
	if s.browsers != nil {
		for id := range s.browsers.LinkedSessionIDs() {
			keep[id] = struct{}{}
		}
	}

	resp := s.events.PurgeOrphaned(keep)
	span.SetAttributes(
		attribute.Int("purge.sessions", resp.CleanedSessions),
		attribute.Int("purge.events", resp.CleanedEvents),
	)
	return resp
}

func (s *Sweeper) guard(report *SweepReport, op, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			report.Failures++
			s.logger.Error("sweep step failed",
				zap.String("op", op),
				zap.String("id", id),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

// cronLogger adapts the zap logger to cron.Logger.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, zap.Any("details", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
