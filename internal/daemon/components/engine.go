package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/stepunlock/internal/config"
	"github.com/harunnryd/stepunlock/internal/daemon"
	"github.com/harunnryd/stepunlock/internal/engine"
	"github.com/harunnryd/stepunlock/internal/events"
	"github.com/harunnryd/stepunlock/internal/logger"
	"github.com/harunnryd/stepunlock/internal/metrics"
)

// EngineComponent builds the economy engine on top of the store and feeds
// its event bus into the metrics collector.
type EngineComponent struct {
	cfg       *config.Config
	storeComp *StoreComponent
	metrics   *metrics.Collector
	bus       *events.Bus
	engine    *engine.Engine
	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
	mu        sync.RWMutex
}

func NewEngineComponent(cfg *config.Config, storeComp *StoreComponent, collector *metrics.Collector) *EngineComponent {
	return &EngineComponent{
		cfg:       cfg,
		storeComp: storeComp,
		metrics:   collector,
	}
}

func (e *EngineComponent) Name() string {
	return "Engine"
}

func (e *EngineComponent) Dependencies() []string {
	return []string{"Store"}
}

func (e *EngineComponent) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.storeComp == nil {
		return fmt.Errorf("storeComp not provided")
	}
	st := e.storeComp.Store()
	if st == nil {
		return fmt.Errorf("store not initialized")
	}

	opts, err := engine.OptionsFromConfig(e.cfg)
	if err != nil {
		return fmt.Errorf("resolve engine options: %w", err)
	}
	e.bus = events.NewBus()
	opts.Bus = e.bus
	if e.metrics != nil {
		e.bus.OnDrop(e.metrics.RecordDrop)
	}
	e.engine = engine.New(st, opts)

	slog.Info("Engine initialized", "component", e.Name(), "timezone", opts.Location.String(), "habits", len(opts.Habits))
	return nil
}

func (e *EngineComponent) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.engine == nil {
		return fmt.Errorf("Engine not initialized")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	if e.metrics != nil {
		buffer := e.cfg.Engine.EventBuffer
		if buffer <= 0 {
			buffer = config.DefaultEngineEventBuffer
		}
		ch, unsubscribe := e.bus.Subscribe(buffer)
		go func() {
			defer close(e.done)
			defer unsubscribe()
			e.metrics.Run(runCtx, ch)
		}()
	} else {
		close(e.done)
	}

	if err := e.engine.Bootstrap(logger.WithSource(ctx, "daemon")); err != nil {
		cancel()
		return fmt.Errorf("bootstrap engine: %w", err)
	}
	if e.metrics != nil {
		if balance, err := e.engine.Balance(ctx); err == nil {
			e.metrics.SetBalance(balance)
		}
	}

	e.started = true
	slog.Info("Engine started", "component", e.Name())
	return nil
}

func (e *EngineComponent) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		slog.Info("Engine not started, skipping stop", "component", e.Name())
		if e.cancel != nil {
			e.cancel()
		}
		return nil
	}

	e.cancel()
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.bus.Close()
	e.started = false
	slog.Info("Engine stopped", "component", e.Name(), "dropped_events", e.bus.Dropped())
	return nil
}

func (e *EngineComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.engine == nil {
		return &daemon.ComponentHealth{Name: e.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !e.started {
		return &daemon.ComponentHealth{Name: e.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	if _, err := e.engine.Balance(ctx); err != nil {
		return &daemon.ComponentHealth{Name: e.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: e.Name(), Healthy: true}, nil
}

func (e *EngineComponent) Engine() *engine.Engine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.engine
}
