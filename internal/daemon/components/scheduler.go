package components

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/harunnryd/stepunlock/internal/config"
	"github.com/harunnryd/stepunlock/internal/daemon"
	"github.com/harunnryd/stepunlock/internal/metrics"
	"github.com/harunnryd/stepunlock/internal/scheduler"
	"github.com/harunnryd/stepunlock/internal/store"
)

const schedulerStateFile = "scheduler.json"

type SchedulerComponent struct {
	sched       *scheduler.Scheduler
	cfg         *config.Config
	engineComp  *EngineComponent
	metrics     *metrics.Collector
	workspaceID string
}

func NewSchedulerComponent(cfg *config.Config, engineComp *EngineComponent, collector *metrics.Collector, workspaceID string) *SchedulerComponent {
	return &SchedulerComponent{
		cfg:         cfg,
		engineComp:  engineComp,
		metrics:     collector,
		workspaceID: workspaceID,
	}
}

func (s *SchedulerComponent) Name() string {
	return "Scheduler"
}

func (s *SchedulerComponent) Dependencies() []string {
	return []string{"Engine"}
}

func (s *SchedulerComponent) Init(ctx context.Context) error {
	if s.engineComp == nil {
		return fmt.Errorf("engineComp not provided")
	}

	eng := s.engineComp.Engine()
	if eng == nil {
		return fmt.Errorf("engine not initialized")
	}

	stateDir, err := store.GetStateDir(s.workspaceID, s.cfg.Daemon.WorkspacePath)
	if err != nil {
		return fmt.Errorf("failed to resolve scheduler directory: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create scheduler directory: %w", err)
	}
	jobs, err := scheduler.NewStore(filepath.Join(stateDir, schedulerStateFile))
	if err != nil {
		return fmt.Errorf("failed to create scheduler store: %w", err)
	}
	sched, err := scheduler.NewScheduler(jobs, eng, s.cfg.Scheduler)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if s.metrics != nil {
		sched.SetObserver(s.metrics)
	}
	s.sched = sched

	if err := s.sched.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	slog.Info("Scheduler initialized", "component", s.Name())
	return nil
}

func (s *SchedulerComponent) Start(ctx context.Context) error {
	if s.sched == nil {
		return fmt.Errorf("scheduler not initialized")
	}

	if err := s.sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	slog.Info("Scheduler started", "component", s.Name())
	return nil
}

func (s *SchedulerComponent) Stop(ctx context.Context) error {
	if s.sched == nil {
		slog.Info("Scheduler not initialized, skipping stop", "component", s.Name())
		return nil
	}

	if err := s.sched.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}

	slog.Info("Scheduler stopped", "component", s.Name())
	return nil
}

func (s *SchedulerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if s.sched == nil {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if err := s.sched.Health(ctx); err != nil {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   err,
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    s.Name(),
		Healthy: true,
		Error:   nil,
	}, nil
}

func (s *SchedulerComponent) Scheduler() *scheduler.Scheduler {
	return s.sched
}
