// Package api is the loopback HTTP ingress for collaborators running outside
// the engine process: sensors report habit units, the foreground watcher
// asks for lock state, the UI buys unlocks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/stepunlock/internal/apps"
	"github.com/harunnryd/stepunlock/internal/engine"
	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/ledger"
	"github.com/harunnryd/stepunlock/internal/logger"
	"github.com/harunnryd/stepunlock/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// IdempotencyHeader carries the caller's retry key.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 20

// HealthFunc reports component health for /health.
type HealthFunc func(ctx context.Context) (healthy bool, components map[string]any)

type Handler struct {
	engine  *engine.Engine
	metrics *metrics.Collector
	health  HealthFunc
	timeout time.Duration
}

type Option func(*Handler)

func WithMetrics(c *metrics.Collector) Option {
	return func(h *Handler) { h.metrics = c }
}

func WithHealth(fn HealthFunc) Option {
	return func(h *Handler) { h.health = fn }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

func NewHandler(e *engine.Engine, opts ...Option) *Handler {
	h := &Handler{engine: e}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.observe)
	if h.timeout > 0 {
		r.Use(middleware.Timeout(h.timeout))
	}

	r.Get("/health", h.handleHealth)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/balance", h.handleBalance)
		r.Get("/transactions", h.handleTransactions)
		r.Get("/summary", h.handleSummary)

		r.Get("/habits", h.handleHabits)
		r.Get("/habits/today", h.handleToday)
		r.Post("/habits/{id}/units", h.handleHabitUnits)
		r.Get("/streaks", h.handleStreaks)

		r.Get("/apps", h.handleRules)
		r.Post("/apps/sync", h.handleSync)
		r.Get("/apps/{pkg}/lock", h.handleLockState)
		r.Post("/apps/{pkg}/unlock", h.handleUnlock)

		r.Get("/sessions/active", h.handleActiveSessions)
		r.Post("/sessions/{id}/revoke", h.handleRevoke)
	})
	return r
}

// observe tags the request context with the request id and records latency.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logger.WithSource(r.Context(), "http")
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = logger.WithOperationID(ctx, id)
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if h.metrics != nil {
			h.metrics.RecordRequest(route, r.Method, status, time.Since(start))
		}
		logger.From(ctx).Debug("HTTP request", "method", r.Method, "route", route, "status", status, "duration", time.Since(start))
	})
}

type unitsRequest struct {
	Units          int64      `json:"units"`
	At             *time.Time `json:"at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// handleHabitUnits leaves the key empty when the caller sends none; the
// engine then derives one from the event so sensor retries stay idempotent.
func (h *Handler) handleHabitUnits(w http.ResponseWriter, r *http.Request) {
	var req unitsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "record", err)
		return
	}
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		key = req.IdempotencyKey
	}
	var at time.Time
	if req.At != nil {
		at = *req.At
	}

	p, err := h.engine.NotifyHabitUnits(r.Context(), chi.URLParam(r, "id"), req.Units, at, key)
	if err != nil {
		h.writeError(w, r, "record", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleLockState(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.QueryLockState(r.Context(), chi.URLParam(r, "pkg"), time.Time{})
	if err != nil {
		h.writeError(w, r, "lock_state", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type unlockRequest struct {
	// Duration is a Go duration string; empty buys the rule's own duration.
	Duration string `json:"duration,omitempty"`
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "unlock", err)
		return
	}
	var d time.Duration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil {
			h.writeError(w, r, "unlock", heikeErrors.InvalidConfig(fmt.Sprintf("duration: %v", err)))
			return
		}
		d = parsed
	}
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		key = uuid.NewString()
	}

	res, err := h.engine.RequestUnlock(r.Context(), chi.URLParam(r, "pkg"), d, key)
	if err != nil {
		h.writeError(w, r, "unlock", err)
		return
	}
	w.Header().Set(IdempotencyHeader, key)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.RevokeSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "revoke", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.engine.ActiveSessions(r.Context())
	if err != nil {
		h.writeError(w, r, "sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.engine.Balance(r.Context())
	if err != nil {
		h.writeError(w, r, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": b})
}

// handleTransactions pages newest first. A full page of an explicit limit
// carries next_before for the following request.
func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		Reason:  q.Get("reason"),
		HabitID: q.Get("habit_id"),
		AppID:   q.Get("app_id"),
	}
	before, err := intParam(q.Get("before"))
	if err != nil {
		h.writeError(w, r, "transactions", err)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		h.writeError(w, r, "transactions", err)
		return
	}
	if f.Since, err = timeParam(q.Get("since")); err != nil {
		h.writeError(w, r, "transactions", err)
		return
	}
	if f.Until, err = timeParam(q.Get("until")); err != nil {
		h.writeError(w, r, "transactions", err)
		return
	}

	page, err := h.engine.Transactions(r.Context(), f, before, int(limit))
	if err != nil {
		h.writeError(w, r, "transactions", err)
		return
	}
	resp := map[string]any{"transactions": page}
	if limit > 0 && len(page) == int(limit) {
		resp["next_before"] = page[len(page)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := timeParam(q.Get("since"))
	if err != nil {
		h.writeError(w, r, "summary", err)
		return
	}
	until, err := timeParam(q.Get("until"))
	if err != nil {
		h.writeError(w, r, "summary", err)
		return
	}
	s, err := h.engine.Summary(r.Context(), since, until)
	if err != nil {
		h.writeError(w, r, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) handleHabits(w http.ResponseWriter, r *http.Request) {
	habits, err := h.engine.Habits(r.Context())
	if err != nil {
		h.writeError(w, r, "habits", err)
		return
	}
	writeJSON(w, http.StatusOK, habits)
}

func (h *Handler) handleToday(w http.ResponseWriter, r *http.Request) {
	progress, err := h.engine.TodayProgress(r.Context())
	if err != nil {
		h.writeError(w, r, "progress", err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (h *Handler) handleStreaks(w http.ResponseWriter, r *http.Request) {
	streaks, err := h.engine.Streaks(r.Context())
	if err != nil {
		h.writeError(w, r, "streaks", err)
		return
	}
	writeJSON(w, http.StatusOK, streaks)
}

func (h *Handler) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.engine.Rules(r.Context())
	if err != nil {
		h.writeError(w, r, "rules", err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

type syncRequest struct {
	Apps []apps.InstalledApp `json:"apps"`
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "sync", err)
		return
	}
	report, err := h.engine.SyncApps(r.Context(), req.Apps)
	if err != nil {
		h.writeError(w, r, "sync", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	status := http.StatusOK
	if h.health != nil {
		healthy, components := h.health(r.Context())
		resp["components"] = components
		if !healthy {
			resp["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := HTTPStatus(err)
	if h.metrics != nil {
		h.metrics.ObserveError(op, err)
	}
	if status >= http.StatusInternalServerError {
		logger.From(r.Context()).Error("Request failed", "operation", op, "error", err)
	} else {
		logger.From(r.Context()).Debug("Request refused", "operation", op, "error", err)
	}
	writeJSON(w, status, map[string]any{"error": newErrorBody(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON accepts an empty body as the zero request.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return heikeErrors.InvalidConfig(fmt.Sprintf("decode request body: %v", err))
	}
	return nil
}

func intParam(raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, heikeErrors.InvalidConfig(fmt.Sprintf("expected a non-negative integer, got %q", raw))
	}
	return n, nil
}

func timeParam(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, heikeErrors.InvalidConfig(fmt.Sprintf("expected an RFC 3339 time, got %q", raw))
	}
	return t, nil
}
