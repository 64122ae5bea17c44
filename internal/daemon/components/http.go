package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/stepunlock/internal/api"
	"github.com/harunnryd/stepunlock/internal/config"
	"github.com/harunnryd/stepunlock/internal/daemon"
	"github.com/harunnryd/stepunlock/internal/metrics"
)

// HealthSource reports per-component health; *daemon.Daemon satisfies it.
type HealthSource interface {
	ComponentHealth() map[string]*daemon.ComponentHealth
}

type HTTPServerComponent struct {
	health      HealthSource
	cfg         *config.ServerConfig
	engineComp  *EngineComponent
	metrics     *metrics.Collector
	server      *http.Server
	listener    net.Listener
	shutdownTTL time.Duration
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewHTTPServerComponent(health HealthSource, cfg *config.ServerConfig, engineComp *EngineComponent, collector *metrics.Collector) *HTTPServerComponent {
	return &HTTPServerComponent{
		health:     health,
		cfg:        cfg,
		engineComp: engineComp,
		metrics:    collector,
	}
}

func (h *HTTPServerComponent) Name() string {
	return "HTTPServer"
}

func (h *HTTPServerComponent) Dependencies() []string {
	return []string{"Engine", "Scheduler"}
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engineComp == nil || h.engineComp.Engine() == nil {
		return fmt.Errorf("engine not initialized")
	}

	readTimeout, err := config.DurationOrDefault(h.cfg.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(h.cfg.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(h.cfg.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(h.cfg.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}
	requestTimeout, err := config.DurationOrDefault(h.cfg.RequestTimeout, config.DefaultServerRequestTimeout)
	if err != nil {
		return fmt.Errorf("parse server request timeout: %w", err)
	}

	opts := []api.Option{
		api.WithRequestTimeout(requestTimeout),
		api.WithHealth(h.componentHealth),
	}
	if h.cfg.MetricsEnabled && h.metrics != nil {
		opts = append(opts, api.WithMetrics(h.metrics))
	}
	handler := api.NewHandler(h.engineComp.Engine(), opts...)

	h.server = &http.Server{
		Addr:         net.JoinHostPort(h.cfg.Host, strconv.Itoa(h.cfg.Port)),
		Handler:      handler.Routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("HTTPServer initialized", "component", h.Name(), "addr", h.server.Addr)
	return nil
}

func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	go func() {
		slog.Info("HTTP server listening", "component", h.Name(), "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}()

	h.started = true
	h.startTime = time.Now()
	slog.Info("HTTPServer started", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		slog.Info("HTTPServer not started, skipping stop", "component", h.Name())
		return nil
	}

	slog.Info("Stopping HTTPServer...", "component", h.Name())
	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	h.started = false
	slog.Info("HTTPServer stopped", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.initialized {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if !h.started {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not started"),
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    h.Name(),
		Healthy: true,
		Error:   nil,
	}, nil
}

// Addr is the bound listen address, useful when the port is 0.
func (h *HTTPServerComponent) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *HTTPServerComponent) componentHealth(ctx context.Context) (bool, map[string]any) {
	if h.health == nil {
		return true, map[string]any{}
	}
	healthy := true
	out := make(map[string]any)
	for name, ch := range h.health.ComponentHealth() {
		entry := map[string]any{"healthy": ch.Healthy}
		if ch.Error != nil {
			entry["error"] = ch.Error.Error()
		}
		if !ch.Healthy {
			healthy = false
		}
		out[name] = entry
	}
	return healthy, out
}
