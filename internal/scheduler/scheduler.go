// Package scheduler runs periodic maintenance over the session runner's
// durable store: pruning replay-log history for idle sessions and reaping
// sessions nobody has touched in a long time. It's the teacher's cron
// scheduler repurposed for housekeeping instead of user-authored skill
// triggers — a cron.Cron running a single internal job on a fixed cadence,
// rather than an event bus and a registry of dynamic entries.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/netresearch/go-cron"

	"github.com/multiagents/conclave/internal/runner"
)

// eventRetention bounds how many trailing events an idle session keeps
// once it's swept — older events are replayable only from a live room, not
// after a long enough gap that nothing's subscribed to miss them.
const eventRetention = 500

// Store is the subset of runner.Store the maintenance sweep needs.
type Store interface {
	ListIdleSessions(ctx context.Context, olderThan time.Time) ([]string, error)
	GetEventsSince(ctx context.Context, sessionID string, afterEventID int64) ([]runner.StoredEvent, error)
	PruneEvents(ctx context.Context, sessionID string, minEventID int64) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// Config controls sweep cadence and the two idle thresholds: how long a
// session sits before its event history gets trimmed, and how long before
// it's deleted outright.
type Config struct {
	IdleTimeout   time.Duration // prune event history past this
	ReapTimeout   time.Duration // delete the session past this
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.ReapTimeout <= 0 {
		c.ReapTimeout = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Scheduler runs the idle-TTL / ack-TTL maintenance sweep on a fixed
// interval via cron.Cron's "@every" spec.
type Scheduler struct {
	cron   *cron.Cron
	store  Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Scheduler. Call Start to begin sweeping.
func New(store Store, cfg Config) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
	}
}

// Start registers the sweep job and begins running it every SweepInterval.
func (s *Scheduler) Start() error {
	spec := fmt.Sprintf("@every %s", s.cfg.SweepInterval)
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return fmt.Errorf("scheduler: register sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "interval", s.cfg.SweepInterval)
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()

	idle, err := s.store.ListIdleSessions(ctx, now.Add(-s.cfg.IdleTimeout))
	if err != nil {
		s.logger.Error("scheduler: list idle sessions", "error", err)
		return
	}
	for _, sessionID := range idle {
		s.pruneEvents(ctx, sessionID)
	}

	reap, err := s.store.ListIdleSessions(ctx, now.Add(-s.cfg.ReapTimeout))
	if err != nil {
		s.logger.Error("scheduler: list reapable sessions", "error", err)
		return
	}
	for _, sessionID := range reap {
		if err := s.store.DeleteSession(ctx, sessionID); err != nil {
			s.logger.Error("scheduler: reap session", "session", sessionID, "error", err)
			continue
		}
		s.logger.Info("scheduler: reaped idle session", "session", sessionID)
	}
}

func (s *Scheduler) pruneEvents(ctx context.Context, sessionID string) {
	events, err := s.store.GetEventsSince(ctx, sessionID, 0)
	if err != nil {
		s.logger.Error("scheduler: get events", "session", sessionID, "error", err)
		return
	}
	if len(events) <= eventRetention {
		return
	}
	cutoff := events[len(events)-eventRetention].EventID
	if err := s.store.PruneEvents(ctx, sessionID, cutoff); err != nil {
		s.logger.Error("scheduler: prune events", "session", sessionID, "error", err)
		return
	}
	s.logger.Debug("scheduler: pruned event history", "session", sessionID, "kept", eventRetention)
}
