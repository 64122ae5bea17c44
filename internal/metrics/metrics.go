// Package metrics exports the credit economy as Prometheus collectors. Most
// series are fed from the event bus; the host records the rest directly.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "stepunlock"

type Collector struct {
	registry *prometheus.Registry

	// Ledger
	balance       prometheus.Gauge
	creditsEarned *prometheus.CounterVec
	creditsSpent  *prometheus.CounterVec

	// Habits
	streakDays *prometheus.GaugeVec

	// Sessions
	unlocks       *prometheus.CounterVec
	sessionsEnded *prometheus.CounterVec
	sweeps        prometheus.Counter
	purged        *prometheus.CounterVec

	// Failures
	denials       *prometheus.CounterVec
	errors        *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec

	// HTTP ingress
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.balance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "balance_credits",
		Help:      "Current credit balance",
	})
	c.creditsEarned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_earned_total",
			Help:      "Credits added to the ledger",
		},
		[]string{"source"},
	)
	c.creditsSpent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_spent_total",
			Help:      "Credits removed from the ledger",
		},
		[]string{"package"},
	)

	c.streakDays = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "habit",
			Name:      "streak_days",
			Help:      "Current streak length per habit",
		},
		[]string{"habit"},
	)

	c.unlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "unlocks_total",
			Help:      "Unlock sessions opened",
		},
		[]string{"package"},
	)
	c.sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Unlock sessions closed",
		},
		[]string{"reason"},
	)
	c.sweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "sweeps_total",
		Help:      "Expiry sweeps run by the scheduler",
	})
	c.purged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "purged_rows_total",
			Help:      "Rows removed by retention purges",
		},
		[]string{"table"},
	)

	c.denials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denials_total",
			Help:      "Requests refused by an economy rule",
		},
		[]string{"reason"},
	)
	c.errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed operations by error category",
		},
		[]string{"operation", "category"},
	)
	c.eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events not delivered because a subscriber buffer was full",
		},
		[]string{"kind"},
	)

	c.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP ingress requests",
		},
		[]string{"route", "method", "status"},
	)
	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP ingress latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"route", "method"},
	)

	c.registry.MustRegister(
		c.balance,
		c.creditsEarned,
		c.creditsSpent,
		c.streakDays,
		c.unlocks,
		c.sessionsEnded,
		c.sweeps,
		c.purged,
		c.denials,
		c.errors,
		c.eventsDropped,
		c.requests,
		c.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// SetBalance primes the balance gauge before the first ledger event.
func (c *Collector) SetBalance(balance int64) {
	c.balance.Set(float64(balance))
}

// Observe folds one engine event into the series.
func (c *Collector) Observe(e events.Event) {
	switch e.Kind {
	case events.BalanceChanged:
		c.balance.Set(float64(e.Balance))
		switch {
		case e.Delta > 0:
			source := e.HabitID
			if source == "" {
				source = e.Reason
			}
			c.creditsEarned.WithLabelValues(source).Add(float64(e.Delta))
		case e.Delta < 0:
			c.creditsSpent.WithLabelValues(e.PackageID).Add(float64(-e.Delta))
		}
	case events.StreakChanged:
		if e.Streak == nil {
			return
		}
		c.streakDays.WithLabelValues(e.Streak.HabitID).Set(float64(e.Streak.CurrentStreakDays))
	case events.SessionChanged:
		if e.Session == nil {
			return
		}
		if e.Session.EndedAt == nil {
			c.unlocks.WithLabelValues(e.Session.PackageID).Inc()
			return
		}
		c.sessionsEnded.WithLabelValues(string(e.Session.EndReason)).Inc()
	}
}

// Run observes events from ch until it closes or ctx is done.
func (c *Collector) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// RecordDrop is meant for events.Bus.OnDrop.
func (c *Collector) RecordDrop(kind events.Kind) {
	c.eventsDropped.WithLabelValues(string(kind)).Inc()
}

// ObserveError counts err under operation. Denials are counted by reason
// instead of as errors.
func (c *Collector) ObserveError(operation string, err error) {
	if err == nil {
		return
	}
	if d, ok := heikeErrors.AsDenial(err); ok {
		c.denials.WithLabelValues(string(d.Reason)).Inc()
		return
	}
	c.errors.WithLabelValues(operation, heikeErrors.Category(err)).Inc()
}

func (c *Collector) RecordSweep() {
	c.sweeps.Inc()
}

func (c *Collector) RecordPurge(transactions, sessions int) {
	c.purged.WithLabelValues("transactions").Add(float64(transactions))
	c.purged.WithLabelValues("unlock_sessions").Add(float64(sessions))
}

func (c *Collector) RecordRequest(route, method string, status int, d time.Duration) {
	c.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
