package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/events"
	"github.com/harunnryd/stepunlock/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveLedgerEvents(t *testing.T) {
	c := NewCollector("test")

	c.Observe(events.Event{Kind: events.BalanceChanged, Balance: 100, Delta: 100, Reason: model.ReasonWelcomeBonus})
	c.Observe(events.Event{Kind: events.BalanceChanged, Balance: 106, Delta: 6, Reason: "habit:focus", HabitID: "focus"})
	c.Observe(events.Event{Kind: events.BalanceChanged, Balance: 86, Delta: -20, Reason: "unlock:com.video", PackageID: "com.video"})

	assert.Equal(t, float64(86), testutil.ToFloat64(c.balance))
	assert.Equal(t, float64(100), testutil.ToFloat64(c.creditsEarned.WithLabelValues(model.ReasonWelcomeBonus)))
	assert.Equal(t, float64(6), testutil.ToFloat64(c.creditsEarned.WithLabelValues("focus")))
	assert.Equal(t, float64(20), testutil.ToFloat64(c.creditsSpent.WithLabelValues("com.video")))
}

func TestObserveSessionEvents(t *testing.T) {
	c := NewCollector("test")
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(15 * time.Minute)

	sess := model.UnlockSession{ID: "s1", PackageID: "com.video", StartedAt: start, GrantedDuration: 15 * time.Minute}
	c.Observe(events.Event{Kind: events.SessionChanged, Session: &sess})
	ended := sess
	ended.EndedAt = &end
	ended.EndReason = model.EndExpired
	c.Observe(events.Event{Kind: events.SessionChanged, Session: &ended})
	c.Observe(events.Event{Kind: events.SessionChanged})

	assert.Equal(t, float64(1), testutil.ToFloat64(c.unlocks.WithLabelValues("com.video")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessionsEnded.WithLabelValues("expired")))

	c.Observe(events.Event{Kind: events.StreakChanged, Streak: &model.Streak{HabitID: "steps", CurrentStreakDays: 4}})
	assert.Equal(t, float64(4), testutil.ToFloat64(c.streakDays.WithLabelValues("steps")))
}

func TestObserveError(t *testing.T) {
	c := NewCollector("test")

	c.ObserveError("unlock", nil)
	c.ObserveError("unlock", heikeErrors.InsufficientCredits(5, 10))
	c.ObserveError("record", heikeErrors.CooldownActive("water", time.Minute))
	c.ObserveError("record", heikeErrors.StorageFailure("append", errors.New("disk full")))

	assert.Equal(t, float64(1), testutil.ToFloat64(c.denials.WithLabelValues("insufficient_credits")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.denials.WithLabelValues("cooldown_active")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.errors))
}

func TestRunDrainsBus(t *testing.T) {
	c := NewCollector("test")
	bus := events.NewBus()
	bus.OnDrop(c.RecordDrop)
	ch, cancel := bus.Subscribe(8)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), ch)
		close(done)
	}()

	bus.Publish(events.Event{Kind: events.BalanceChanged, Balance: 42, Delta: 42, Reason: "welcome_bonus"})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.balance) == 42
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
}

func TestRecordDrop(t *testing.T) {
	c := NewCollector("test")
	bus := events.NewBus()
	bus.OnDrop(c.RecordDrop)
	_, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(events.Event{Kind: events.RuleChanged})
	bus.Publish(events.Event{Kind: events.RuleChanged})

	assert.Equal(t, float64(1), testutil.ToFloat64(c.eventsDropped.WithLabelValues("rule.changed")))
}

func TestHandlerExposesSeries(t *testing.T) {
	c := NewCollector("test")
	c.RecordSweep()
	c.RecordPurge(3, 1)
	c.RecordRequest("/v1/balance", http.MethodGet, http.StatusOK, 2*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "test_session_sweeps_total 1"))
	assert.True(t, strings.Contains(body, `test_retention_purged_rows_total{table="transactions"} 3`))
	assert.True(t, strings.Contains(body, `test_http_requests_total{method="GET",route="/v1/balance",status="200"} 1`))
}
