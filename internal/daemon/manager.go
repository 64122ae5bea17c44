package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harunnryd/stepunlock/internal/config"
	"github.com/harunnryd/stepunlock/internal/store"
)

const componentHealthTimeout = 2 * time.Second

type timeouts struct {
	shutdown        time.Duration
	startupShutdown time.Duration
	preflight       time.Duration
	healthCheck     time.Duration
	staleLockTTL    time.Duration
}

func parseTimeouts(cfg config.DaemonConfig) (timeouts, error) {
	var t timeouts
	fields := []struct {
		name   string
		value  string
		def    string
		target *time.Duration
	}{
		{"daemon.shutdown_timeout", cfg.ShutdownTimeout, config.DefaultDaemonShutdownTimeout, &t.shutdown},
		{"daemon.startup_shutdown_timeout", cfg.StartupShutdownTimeout, config.DefaultDaemonStartupShutdownTimeout, &t.startupShutdown},
		{"daemon.preflight_timeout", cfg.PreflightTimeout, config.DefaultDaemonPreflightTimeout, &t.preflight},
		{"daemon.health_check_interval", cfg.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval, &t.healthCheck},
		{"daemon.stale_lock_ttl", cfg.StaleLockTTL, config.DefaultDaemonStaleLockTTL, &t.staleLockTTL},
	}
	for _, f := range fields {
		d, err := config.DurationOrDefault(f.value, f.def)
		if err != nil {
			return timeouts{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		if d <= 0 {
			return timeouts{}, fmt.Errorf("%s must be positive, got %s", f.name, d)
		}
		*f.target = d
	}
	return t, nil
}

// Daemon runs a set of components for one workspace. Components are
// initialized and started in dependency order and stopped in reverse.
type Daemon struct {
	cfg          *config.Config
	workspaceID  string
	timeouts     timeouts
	components   []Component
	order        []string
	initialized  []string
	health       HealthStatus
	startedAt    time.Time
	forceCleanup bool
	healthDone   chan struct{}
	mu           sync.RWMutex
}

func NewDaemon(workspaceID string, cfg *config.Config) (*Daemon, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace ID cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	t, err := parseTimeouts(cfg.Daemon)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		workspaceID: workspaceID,
		cfg:         cfg,
		timeouts:    t,
		health:      StatusStarting,
		healthDone:  make(chan struct{}),
	}, nil
}

func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	d.order = nil
	slog.Info("Component registered", "component", comp.Name(), "total_components", len(d.components))
}

// Start blocks until ctx is cancelled or the process receives SIGINT or
// SIGTERM, then shuts every started component down.
func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("Daemon starting...", "workspace", d.workspaceID)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.validateConfig(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := d.preInitChecks(ctx); err != nil {
		return fmt.Errorf("pre-init checks failed: %w", err)
	}

	if err := d.initializeComponents(ctx); err != nil {
		d.rollback(context.WithoutCancel(ctx))
		return fmt.Errorf("component initialization failed: %w", err)
	}

	if err := d.startComponents(ctx); err != nil {
		d.gracefulShutdown(context.WithoutCancel(ctx), d.timeouts.startupShutdown)
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.mu.Lock()
	d.health = StatusRunning
	d.startedAt = time.Now()
	d.mu.Unlock()
	slog.Info("Daemon is running", "workspace", d.workspaceID, "components", len(d.components), "order", d.order)

	go d.healthMonitor(ctx)

	<-ctx.Done()

	slog.Info("Context cancelled, initiating graceful shutdown", "workspace", d.workspaceID, "reason", ctx.Err())
	d.setHealth(StatusStopping)
	close(d.healthDone)
	if err := d.gracefulShutdown(context.Background(), d.timeouts.shutdown); err != nil {
		return err
	}

	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return nil
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

// Uptime is zero until every component has started.
func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.startedAt.IsZero() || d.health != StatusRunning {
		return 0
	}
	return time.Since(d.startedAt)
}

func (d *Daemon) SetForceCleanup(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceCleanup = force
}

// ComponentHealth polls every component. A component that returns an error
// or no result is reported unhealthy.
func (d *Daemon) ComponentHealth() map[string]*ComponentHealth {
	d.mu.RLock()
	components := make([]Component, len(d.components))
	copy(components, d.components)
	d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), componentHealthTimeout)
	defer cancel()

	result := make(map[string]*ComponentHealth, len(components))
	for _, comp := range components {
		health, err := comp.Health(ctx)
		if health == nil {
			health = &ComponentHealth{Name: comp.Name(), Healthy: err == nil}
		}
		if err != nil {
			health.Healthy = false
			health.Error = err
		}
		result[comp.Name()] = health
	}
	return result
}

func (d *Daemon) Component(name string) Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getComponentByName(name)
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

func (d *Daemon) validateConfig() error {
	slog.Info("Validating configuration...")

	// port 0 binds an ephemeral port
	if d.cfg.Server.Port < 0 || d.cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", d.cfg.Server.Port)
	}

	switch strings.ToLower(strings.TrimSpace(d.cfg.Store.Driver)) {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("invalid store driver: %q (must be file or sqlite)", d.cfg.Store.Driver)
	}

	if _, err := config.LocationOrLocal(d.cfg.Engine.Timezone); err != nil {
		return fmt.Errorf("invalid engine timezone: %w", err)
	}

	workspacePath, err := store.GetWorkspacePath(d.workspaceID, d.cfg.Daemon.WorkspacePath)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(workspacePath, 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	slog.Info("Configuration validated", "workspace", d.workspaceID, "path", workspacePath, "port", d.cfg.Server.Port, "store", d.cfg.Store.Driver)
	return nil
}

func (d *Daemon) preInitChecks(ctx context.Context) error {
	slog.Info("Running pre-init checks...", "workspace", d.workspaceID)

	checkCtx, cancel := context.WithTimeout(ctx, d.timeouts.preflight)
	defer cancel()

	workspacePath, err := store.GetWorkspacePath(d.workspaceID, d.cfg.Daemon.WorkspacePath)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}

	d.mu.RLock()
	force := d.forceCleanup
	d.mu.RUnlock()
	if err := store.CleanupStaleLocks(workspacePath, d.timeouts.staleLockTTL, force); err != nil {
		slog.Warn("Failed to cleanup stale locks", "workspace", d.workspaceID, "error", err)
	}

	if err := checkCtx.Err(); err != nil {
		return fmt.Errorf("pre-init checks cancelled: %w", err)
	}
	slog.Info("Pre-init checks completed", "workspace", d.workspaceID)
	return nil
}

// resolveOrder sorts components so each one follows its dependencies. Ties
// keep registration order.
func resolveOrder(components []Component) ([]string, error) {
	byName := make(map[string]Component, len(components))
	for _, comp := range components {
		if _, dup := byName[comp.Name()]; dup {
			return nil, fmt.Errorf("component %s registered twice", comp.Name())
		}
		byName[comp.Name()] = comp
	}
	for _, comp := range components {
		for _, dep := range comp.Dependencies() {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("component %s depends on %s which is not registered", comp.Name(), dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(components))
	order := make([]string, 0, len(components))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("circular dependency detected involving %s", name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range byName[name].Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, comp := range components {
		if err := visit(comp.Name()); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (d *Daemon) resolvedOrder() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.order != nil {
		return d.order, nil
	}
	order, err := resolveOrder(d.components)
	if err != nil {
		return nil, err
	}
	d.order = order
	slog.Info("Component order resolved", "order", order)
	return order, nil
}

func (d *Daemon) initializeComponents(ctx context.Context) error {
	slog.Info("Initializing components...", "workspace", d.workspaceID)

	order, err := d.resolvedOrder()
	if err != nil {
		return fmt.Errorf("dependency validation failed: %w", err)
	}

	for _, name := range order {
		comp := d.Component(name)
		slog.Info("Initializing component...", "component", name)
		if err := comp.Init(ctx); err != nil {
			slog.Error("Component initialization failed", "component", name, "error", err)
			return fmt.Errorf("component %s init failed: %w", name, err)
		}
		d.mu.Lock()
		d.initialized = append(d.initialized, name)
		d.mu.Unlock()
		slog.Info("Component initialized", "component", name)
	}

	slog.Info("All components initialized", "count", len(order))
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	slog.Info("Starting components...", "workspace", d.workspaceID)

	order, err := d.resolvedOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		comp := d.Component(name)
		slog.Info("Starting component...", "component", name)
		if err := comp.Start(ctx); err != nil {
			slog.Error("Component startup failed", "component", name, "error", err)
			return fmt.Errorf("component %s startup failed: %w", name, err)
		}
		slog.Info("Component started", "component", name)
	}

	slog.Info("All components started", "count", len(order))
	return nil
}

// stopOrder is the reverse of the init order, limited to components whose
// Init succeeded. Before Init it covers every component, newest first.
func (d *Daemon) stopOrder() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := d.initialized
	if len(names) == 0 {
		names = make([]string, 0, len(d.components))
		for _, comp := range d.components {
			names = append(names, comp.Name())
		}
	}
	out := make([]string, len(names))
	for i, name := range names {
		out[len(names)-1-i] = name
	}
	return out
}

func (d *Daemon) gracefulShutdown(ctx context.Context, timeout time.Duration) error {
	slog.Info("Graceful shutdown initiated", "workspace", d.workspaceID, "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.shutdownComponents(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Error("Shutdown completed with error", "workspace", d.workspaceID, "error", err)
		} else {
			slog.Info("Graceful shutdown completed", "workspace", d.workspaceID)
		}
		return err
	case <-shutdownCtx.Done():
		if ctx.Err() != nil {
			slog.Info("Shutdown cancelled by parent context", "workspace", d.workspaceID, "reason", ctx.Err())
			return fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
		slog.Error("Shutdown timeout exceeded", "workspace", d.workspaceID, "timeout", timeout)
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

// shutdownComponents stops every component and joins their errors.
func (d *Daemon) shutdownComponents(ctx context.Context) error {
	var errs []error
	for _, name := range d.stopOrder() {
		comp := d.Component(name)
		if comp == nil {
			continue
		}
		slog.Info("Stopping component...", "component", name)
		if err := comp.Stop(ctx); err != nil {
			slog.Error("Component stop failed", "component", name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
			continue
		}
		slog.Info("Component stopped", "component", name)
	}

	d.setHealth(StatusStopped)
	return errors.Join(errs...)
}

func (d *Daemon) rollback(ctx context.Context) {
	slog.Warn("Rolling back initialized components...", "workspace", d.workspaceID)

	for _, name := range d.stopOrder() {
		comp := d.Component(name)
		if comp == nil {
			continue
		}
		slog.Info("Rolling back component...", "component", name)
		if err := comp.Stop(ctx); err != nil {
			slog.Error("Rollback failed", "component", name, "error", err)
		}
	}

	d.setHealth(StatusStopped)
}

// getComponentByName expects d.mu to be held.
func (d *Daemon) getComponentByName(name string) Component {
	for _, comp := range d.components {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

func (d *Daemon) healthMonitor(ctx context.Context) {
	ticker := time.NewTicker(d.timeouts.healthCheck)
	defer ticker.Stop()

	unhealthy := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.healthDone:
			return
		case <-ticker.C:
			d.checkComponentHealth(unhealthy)
		}
	}
}

// checkComponentHealth logs transitions only, so a component that stays
// down does not flood the log.
func (d *Daemon) checkComponentHealth(unhealthy map[string]bool) {
	healths := d.ComponentHealth()
	down := 0
	for name, health := range healths {
		switch {
		case !health.Healthy && !unhealthy[name]:
			slog.Warn("Component unhealthy", "component", name, "error", health.Error)
			unhealthy[name] = true
		case health.Healthy && unhealthy[name]:
			slog.Info("Component recovered", "component", name)
			delete(unhealthy, name)
		}
		if !health.Healthy {
			down++
		}
	}

	if down > 0 {
		slog.Debug("Daemon has unhealthy components", "count", down, "total", len(healths))
	}
}
