package components

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/stepunlock/internal/config"
	"github.com/harunnryd/stepunlock/internal/daemon"
	"github.com/harunnryd/stepunlock/internal/store"
	"github.com/harunnryd/stepunlock/internal/store/sqlite"
)

const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// StoreComponent owns the workspace store. The file driver runs the
// single-writer worker; the sqlite driver opens the workspace database.
// Both hold the workspace lock until Stop.
type StoreComponent struct {
	workspaceID       string
	workspaceRootPath string
	storeCfg          *config.StoreConfig
	worker            *store.Worker
	db                *sqlite.Store
	initialized       bool
	started           bool
	mu                sync.RWMutex
	startTime         time.Time
}

func NewStoreComponent(workspaceID string, workspaceRootPath string, storeCfg *config.StoreConfig) *StoreComponent {
	return &StoreComponent{
		workspaceID:       workspaceID,
		workspaceRootPath: workspaceRootPath,
		storeCfg:          storeCfg,
	}
}

func (s *StoreComponent) Name() string {
	return "Store"
}

func (s *StoreComponent) Dependencies() []string {
	return []string{}
}

func (s *StoreComponent) driver() string {
	if s.storeCfg == nil || strings.TrimSpace(s.storeCfg.Driver) == "" {
		return config.DefaultStoreDriver
	}
	return strings.ToLower(strings.TrimSpace(s.storeCfg.Driver))
}

func (s *StoreComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("Store init cancelled: %w", ctx.Err())
	default:
	}

	var cfg config.StoreConfig
	if s.storeCfg != nil {
		cfg = *s.storeCfg
	}
	lockTimeout, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultStoreLockTimeout)
	if err != nil {
		return fmt.Errorf("parse store lock timeout: %w", err)
	}
	lockRetry, err := config.DurationOrDefault(cfg.LockRetry, config.DefaultStoreLockRetry)
	if err != nil {
		return fmt.Errorf("parse store lock retry: %w", err)
	}

	switch s.driver() {
	case DriverFile:
		inboxSize := cfg.InboxSize
		if inboxSize <= 0 {
			inboxSize = config.DefaultStoreInboxSize
		}
		worker, err := store.NewWorker(s.workspaceID, s.workspaceRootPath, store.RuntimeConfig{
			LockTimeout: lockTimeout,
			LockRetry:   lockRetry,
			InboxSize:   inboxSize,
		})
		if err != nil {
			return s.initError(err)
		}
		s.worker = worker
	case DriverSQLite:
		db, err := sqlite.OpenWorkspace(s.workspaceID, s.workspaceRootPath, cfg.SQLiteFile, &store.FileLockConfig{
			LockTimeout: lockTimeout,
			LockRetry:   lockRetry,
		})
		if err != nil {
			return s.initError(err)
		}
		s.db = db
	default:
		return fmt.Errorf("unknown store driver %q (want %s or %s)", s.driver(), DriverFile, DriverSQLite)
	}

	s.initialized = true
	slog.Info("Store initialized", "component", s.Name(), "workspace", s.workspaceID, "driver", s.driver())
	return nil
}

func (s *StoreComponent) initError(err error) error {
	if strings.Contains(err.Error(), "is locked by another instance") {
		return fmt.Errorf("workspace %s is locked by another instance: %w", s.workspaceID, err)
	}
	return fmt.Errorf("failed to init %s store: %w", s.driver(), err)
}

func (s *StoreComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("Store not initialized")
	}

	if s.worker != nil {
		s.worker.Start()
	}
	s.started = true
	s.startTime = time.Now()
	slog.Info("Store started", "component", s.Name())
	return nil
}

func (s *StoreComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		slog.Info("Store not initialized, skipping stop", "component", s.Name())
		return nil
	}

	slog.Info("Stopping Store...", "component", s.Name())
	var err error
	if s.worker != nil {
		s.worker.Stop()
	}
	if s.db != nil {
		err = s.db.Close()
	}
	s.started = false
	s.initialized = false
	if err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	slog.Info("Store stopped", "component", s.Name(), "uptime", time.Since(s.startTime))
	return nil
}

func (s *StoreComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unhealthy := func(err error) (*daemon.ComponentHealth, error) {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: err}, nil
	}

	if !s.initialized {
		return unhealthy(fmt.Errorf("not initialized"))
	}
	if !s.started {
		return unhealthy(fmt.Errorf("not started"))
	}

	if s.worker != nil {
		if !s.worker.IsLockHeld() {
			return unhealthy(fmt.Errorf("lock not held"))
		}
		if !s.worker.IsRunning() {
			return unhealthy(fmt.Errorf("loop not running"))
		}
	}
	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			return unhealthy(fmt.Errorf("ping: %w", err))
		}
	}

	return &daemon.ComponentHealth{
		Name:    s.Name(),
		Healthy: true,
		Error:   nil,
	}, nil
}

// Store returns the active backend, nil before Init.
func (s *StoreComponent) Store() store.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.worker != nil {
		return s.worker
	}
	if s.db != nil {
		return s.db
	}
	return nil
}
