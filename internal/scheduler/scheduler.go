// Package scheduler drives the engine's time-based bookkeeping: expired
// sessions are swept on every tick and old history is purged on a cron
// schedule. The engine never schedules itself.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/stepunlock/internal/config"
	"github.com/harunnryd/stepunlock/internal/engine"
	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/logger"
)

const (
	PurgeJobID = "purge"

	purgeLease = 10 * time.Minute
)

// Target is the part of the engine the scheduler drives.
type Target interface {
	Sweep(ctx context.Context, at time.Time) (int, error)
	Purge(ctx context.Context, before time.Time) (engine.PurgeReport, error)
}

// Observer receives run outcomes; metrics.Collector satisfies it.
type Observer interface {
	RecordSweep()
	RecordPurge(transactions, sessions int)
	ObserveError(operation string, err error)
}

type Scheduler struct {
	store    *Store
	target   Target
	observer Observer

	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	running       bool
	ticker        *time.Ticker
	inFlightTasks uint
	wg            sync.WaitGroup

	tickInterval         time.Duration
	shutdownTimeout      time.Duration
	inFlightPollInterval time.Duration
	purgeEnabled         bool
	purgeSchedule        string
	retention            time.Duration

	Now func() time.Time
}

func NewScheduler(store *Store, target Target, cfg config.SchedulerConfig) (*Scheduler, error) {
	tickInterval, err := config.DurationOrDefault(cfg.TickInterval, config.DefaultSchedulerTickInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler tick interval: %w", err)
	}

	shutdownTimeout, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultSchedulerShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler shutdown timeout: %w", err)
	}

	inFlightPollInterval, err := config.DurationOrDefault(cfg.InFlightPollInterval, config.DefaultSchedulerInFlightPollInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler in-flight poll interval: %w", err)
	}

	retention, err := config.DurationOrDefault(cfg.Retention, config.DefaultSchedulerRetention)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler retention: %w", err)
	}
	if retention <= 0 {
		return nil, heikeErrors.InvalidConfig(fmt.Sprintf("scheduler.retention must be positive, got %s", retention))
	}

	schedule := cfg.PurgeSchedule
	if schedule == "" {
		schedule = config.DefaultSchedulerPurgeSchedule
	}

	return &Scheduler{
		store:                store,
		target:               target,
		tickInterval:         tickInterval,
		shutdownTimeout:      shutdownTimeout,
		inFlightPollInterval: inFlightPollInterval,
		purgeEnabled:         cfg.PurgeEnabled,
		purgeSchedule:        schedule,
		retention:            retention,
		Now:                  time.Now,
	}, nil
}

// SetObserver attaches run accounting. Call before Start.
func (s *Scheduler) SetObserver(o Observer) {
	s.observer = o
}

func (s *Scheduler) Init(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := s.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if s.purgeEnabled {
		job, err := s.store.Ensure(PurgeJobID, s.purgeSchedule, s.Now())
		if err != nil {
			return err
		}
		slog.Info("Purge job scheduled", "schedule", job.Schedule, "next_run", job.NextRun, "retention", s.retention)
	}

	slog.Info("Scheduler initialized", "tick_interval", s.tickInterval)
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.ctx == nil {
		s.mu.Unlock()
		return heikeErrors.Internal("scheduler not initialized")
	}
	s.running = true
	s.ticker = time.NewTicker(s.tickInterval)
	s.mu.Unlock()

	// sessions that ran out while the host was down, and a purge it missed
	s.Tick(s.ctx)

	s.wg.Add(1)
	go s.run()

	slog.Info("Scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.waitForInFlightTasks()
		s.cancel()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Scheduler stopped gracefully")
		return nil
	case <-time.After(s.shutdownTimeout):
		s.cancel()
		slog.Warn("Scheduler shutdown timeout, force stopping")
		return heikeErrors.Internal("shutdown timeout")
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) Health(ctx context.Context) error {
	if s.ctx == nil {
		return heikeErrors.Internal("scheduler not initialized")
	}
	if !s.IsRunning() {
		return heikeErrors.Internal("scheduler not running")
	}
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.Tick(s.ctx)
		case <-s.ctx.Done():
			slog.Info("Scheduler run loop stopped")
			return
		}
	}
}

// Tick runs one sweep and, when due, the purge job.
func (s *Scheduler) Tick(ctx context.Context) {
	s.track(func() {
		now := s.Now()
		s.sweep(ctx, now)
		if s.purgeEnabled {
			s.processPurge(ctx, now)
		}
	})
}

func (s *Scheduler) sweep(ctx context.Context, now time.Time) {
	n, err := s.target.Sweep(ctx, now)
	if s.observer != nil {
		s.observer.RecordSweep()
		s.observer.ObserveError("sweep", err)
	}
	if err != nil {
		slog.Error("Session sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("Session sweep", "ended", n)
	}
}

func (s *Scheduler) processPurge(ctx context.Context, now time.Time) {
	due, err := s.store.Due(PurgeJobID, now)
	if err != nil {
		slog.Error("Failed to check purge job", "error", err)
		return
	}
	if !due {
		return
	}

	runID := generateRunID()
	if err := s.store.AcquireLease(PurgeJobID, runID, now.Add(purgeLease), now); err != nil {
		slog.Warn("Failed to acquire purge lease", "error", err)
		return
	}

	ctx = logger.WithOperationID(logger.WithSource(ctx, "scheduler"), runID)
	cutoff := now.Add(-s.retention)
	report, err := s.target.Purge(ctx, cutoff)
	if s.observer != nil {
		s.observer.ObserveError("purge", err)
	}
	if err != nil {
		logger.From(ctx).Error("Purge failed", "before", cutoff, "error", err)
		if rerr := s.store.Release(PurgeJobID, runID); rerr != nil {
			logger.From(ctx).Warn("Failed to release purge lease", "error", rerr)
		}
		return
	}
	if s.observer != nil {
		s.observer.RecordPurge(report.Transactions, report.Sessions)
	}
	logger.From(ctx).Info("Purge completed", "before", cutoff, "transactions", report.Transactions, "sessions", report.Sessions)

	if err := s.store.Complete(PurgeJobID, runID, now); err != nil {
		logger.From(ctx).Error("Failed to mark purge done", "error", err)
	}
}

func (s *Scheduler) track(fn func()) {
	s.mu.Lock()
	s.inFlightTasks++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlightTasks--
		s.mu.Unlock()
	}()
	fn()
}

func (s *Scheduler) waitForInFlightTasks() {
	ticker := time.NewTicker(s.inFlightPollInterval)
	defer ticker.Stop()

	for {
		s.mu.RLock()
		count := s.inFlightTasks
		s.mu.RUnlock()
		if count == 0 {
			return
		}
		slog.Info("Waiting for in-flight tasks", "count", count)

		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}
	}
}
