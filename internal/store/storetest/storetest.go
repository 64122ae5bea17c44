// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens an empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func Run(t *testing.T, open Factory) {
	t.Run("AppendAndBalance", func(t *testing.T) { testAppendAndBalance(t, open(t)) })
	t.Run("DuplicateKey", func(t *testing.T) { testDuplicateKey(t, open(t)) })
	t.Run("FloorEnforced", func(t *testing.T) { testFloorEnforced(t, open(t)) })
	t.Run("ListTransactions", func(t *testing.T) { testListTransactions(t, open(t)) })
	t.Run("LedgerTotals", func(t *testing.T) { testLedgerTotals(t, open(t)) })
	t.Run("PurgeTransactions", func(t *testing.T) { testPurgeTransactions(t, open(t)) })
	t.Run("ConcurrentSpends", func(t *testing.T) { testConcurrentSpends(t, open(t)) })
	t.Run("Habits", func(t *testing.T) { testHabits(t, open(t)) })
	t.Run("Progress", func(t *testing.T) { testProgress(t, open(t)) })
	t.Run("Streaks", func(t *testing.T) { testStreaks(t, open(t)) })
	t.Run("Rules", func(t *testing.T) { testRules(t, open(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, open(t)) })
	t.Run("EndExpiredSessions", func(t *testing.T) { testEndExpiredSessions(t, open(t)) })
	t.Run("PurgeSessions", func(t *testing.T) { testPurgeSessions(t, open(t)) })
	t.Run("SubMillisecondInstants", func(t *testing.T) { testSubMillisecondInstants(t, open(t)) })
}

func earn(key string, delta int64, at time.Time) model.Transaction {
	return model.Transaction{
		Delta:          delta,
		Reason:         model.HabitReason("water"),
		HabitID:        "water",
		IdempotencyKey: key,
		Timestamp:      at,
		Metadata:       map[string]string{model.MetaDay: string(model.DayOf(at, time.UTC))},
	}
}

func spend(key string, delta int64, at time.Time) model.Transaction {
	return model.Transaction{
		Delta:          -delta,
		Reason:         model.UnlockReason("com.example.social"),
		AppID:          "com.example.social",
		IdempotencyKey: key,
		Timestamp:      at,
	}
}

func testAppendAndBalance(t *testing.T, s store.Store) {
	ctx := context.Background()

	res, err := s.AppendTransaction(ctx, earn("e1", 10, base), true)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(10), res.Balance)
	assert.NotZero(t, res.Transaction.ID)
	assert.Equal(t, "2024-06-01", res.Transaction.Metadata[model.MetaDay])

	res2, err := s.AppendTransaction(ctx, spend("s1", 4, base.Add(time.Minute)), true)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res2.Balance)
	assert.Greater(t, res2.Transaction.ID, res.Transaction.ID)

	bal, err := s.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), bal)

	got, ok, err := s.TransactionByKey(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(-4), got.Delta)
	assert.Equal(t, "com.example.social", got.AppID)
	assert.True(t, got.Timestamp.Equal(base.Add(time.Minute)))

	_, ok, err = s.TransactionByKey(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testDuplicateKey(t *testing.T, s store.Store) {
	ctx := context.Background()

	first, err := s.AppendTransaction(ctx, earn("k", 5, base), true)
	require.NoError(t, err)

	again, err := s.AppendTransaction(ctx, earn("k", 50, base.Add(time.Hour)), true)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)
	assert.Equal(t, int64(5), again.Transaction.Delta)
	assert.Equal(t, int64(5), again.Balance)

	txs, err := s.ListTransactions(ctx, store.TxFilter{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func testFloorEnforced(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.AppendTransaction(ctx, earn("e", 3, base), true)
	require.NoError(t, err)

	_, err = s.AppendTransaction(ctx, spend("s", 5, base), true)
	require.Error(t, err)
	d, ok := heikeErrors.AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, heikeErrors.ReasonInsufficientCredits, d.Reason)
	assert.Equal(t, int64(3), d.Balance)
	assert.Equal(t, int64(5), d.Required)

	// nothing was written, so the key stays free
	_, ok, err = s.TransactionByKey(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok)

	// exact balance is allowed
	res, err := s.AppendTransaction(ctx, spend("s2", 3, base), true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Balance)

	// without the floor a negative balance is accepted
	res, err = s.AppendTransaction(ctx, spend("adj", 2, base), false)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), res.Balance)
}

func testListTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.AppendTransaction(ctx, earn(fmt.Sprintf("e%d", i), 1, base.Add(time.Duration(i)*time.Hour)), true)
		require.NoError(t, err)
	}
	_, err := s.AppendTransaction(ctx, spend("s", 2, base.Add(5*time.Hour)), true)
	require.NoError(t, err)

	all, err := s.ListTransactions(ctx, store.TxFilter{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, "s", all[0].IdempotencyKey, "newest first")
	assert.Equal(t, "e0", all[5].IdempotencyKey)

	habit, err := s.ListTransactions(ctx, store.TxFilter{HabitID: "water"})
	require.NoError(t, err)
	assert.Len(t, habit, 5)

	apps, err := s.ListTransactions(ctx, store.TxFilter{AppID: "com.example.social"})
	require.NoError(t, err)
	assert.Len(t, apps, 1)

	byReason, err := s.ListTransactions(ctx, store.TxFilter{Reason: model.UnlockReason("com.example.social")})
	require.NoError(t, err)
	assert.Len(t, byReason, 1)

	window, err := s.ListTransactions(ctx, store.TxFilter{Since: base.Add(time.Hour), Until: base.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "e2", window[0].IdempotencyKey)
	assert.Equal(t, "e1", window[1].IdempotencyKey)

	page1, err := s.ListTransactions(ctx, store.TxFilter{Limit: 4})
	require.NoError(t, err)
	require.Len(t, page1, 4)
	page2, err := s.ListTransactions(ctx, store.TxFilter{Limit: 4, BeforeID: page1[3].ID})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "e1", page2[0].IdempotencyKey)
	assert.Equal(t, "e0", page2[1].IdempotencyKey)
}

func testLedgerTotals(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.AppendTransaction(ctx, earn("e1", 6, base), true)
	require.NoError(t, err)
	other := earn("e2", 4, base.Add(time.Hour))
	other.HabitID = "steps"
	other.Reason = model.HabitReason("steps")
	_, err = s.AppendTransaction(ctx, other, true)
	require.NoError(t, err)
	_, err = s.AppendTransaction(ctx, spend("s1", 3, base.Add(2*time.Hour)), true)
	require.NoError(t, err)
	_, err = s.AppendTransaction(ctx, earn("late", 100, base.Add(48*time.Hour)), true)
	require.NoError(t, err)

	totals, err := s.LedgerTotals(ctx, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(10), totals.Earned)
	assert.Equal(t, int64(3), totals.Spent)
	assert.Equal(t, int64(7), totals.Net())
	assert.Equal(t, 3, totals.Count)
	assert.Equal(t, int64(6), totals.ByHabit["water"])
	assert.Equal(t, int64(4), totals.ByHabit["steps"])

	everything, err := s.LedgerTotals(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 4, everything.Count)
}

func testPurgeTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.AppendTransaction(ctx, earn("old1", 10, base), true)
	require.NoError(t, err)
	_, err = s.AppendTransaction(ctx, spend("old2", 4, base.Add(time.Hour)), true)
	require.NoError(t, err)
	recent, err := s.AppendTransaction(ctx, earn("new", 2, base.Add(72*time.Hour)), true)
	require.NoError(t, err)

	n, err := s.PurgeTransactions(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bal, err := s.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), bal, "balance survives the purge")

	txs, err := s.ListTransactions(ctx, store.TxFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	var forward model.Transaction
	for _, tx := range txs {
		if tx.Reason == model.ReasonBalanceForward {
			forward = tx
		}
	}
	assert.Equal(t, int64(6), forward.Delta)
	assert.Greater(t, forward.ID, recent.Transaction.ID)

	// a purged key cannot be replayed into a second credit
	_, err = s.AppendTransaction(ctx, earn("old1", 10, base), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, heikeErrors.ErrNotFound)

	// nothing left to purge
	n, err = s.PurgeTransactions(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// a back-dated event purged with the same cutoff gets its own forward row
	_, err = s.AppendTransaction(ctx, earn("late", 3, base.Add(2*time.Hour)), true)
	require.NoError(t, err)
	n, err = s.PurgeTransactions(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bal, err = s.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), bal)

	forwards, err := s.ListTransactions(ctx, store.TxFilter{Reason: model.ReasonBalanceForward})
	require.NoError(t, err)
	require.Len(t, forwards, 2)
	assert.NotEqual(t, forwards[0].IdempotencyKey, forwards[1].IdempotencyKey)

	// new appends keep increasing ids
	next, err := s.AppendTransaction(ctx, earn("after", 1, base.Add(73*time.Hour)), true)
	require.NoError(t, err)
	assert.Greater(t, next.Transaction.ID, forward.ID)
}

func testConcurrentSpends(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.AppendTransaction(ctx, earn("seed", 50, base), true)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		denials int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendTransaction(ctx, spend(fmt.Sprintf("spend-%d", i), 5, base), true)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if heikeErrors.IsDenial(err) {
				denials++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, denials)
	bal, err := s.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func testHabits(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetHabit(ctx, "water")
	assert.ErrorIs(t, err, heikeErrors.ErrNotFound)

	water := model.HabitDefinition{ID: "water", Name: "Hydration", DisplayUnit: "glasses", DailyTarget: 8, CreditRate: 1, Cooldown: 15 * time.Minute, DailyCapUnits: 8, Enabled: true}
	steps := model.HabitDefinition{ID: "steps", Name: "Steps", DailyTarget: 10000, CreditRate: 2, RateUnits: 1000, DailyCapUnits: 20000, Enabled: true}
	require.NoError(t, s.PutHabit(ctx, water))
	require.NoError(t, s.PutHabit(ctx, steps))

	got, err := s.GetHabit(ctx, "water")
	require.NoError(t, err)
	assert.Equal(t, water, got)

	water.Enabled = false
	require.NoError(t, s.PutHabit(ctx, water))
	got, err = s.GetHabit(ctx, "water")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	all, err := s.ListHabits(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "steps", all[0].ID)
	assert.Equal(t, "water", all[1].ID)
}

func testProgress(t *testing.T, s store.Store) {
	ctx := context.Background()
	day := model.Day("2024-06-01")

	_, ok, err := s.GetProgress(ctx, "water", day)
	require.NoError(t, err)
	assert.False(t, ok)

	p := model.HabitProgress{HabitID: "water", Day: day, CurrentValue: 3, TargetValue: 8, LastEarnedAt: base, UpdatedAt: base}
	require.NoError(t, s.PutProgress(ctx, p))

	got, ok, err := s.GetProgress(ctx, "water", day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), got.CurrentValue)
	assert.True(t, got.LastEarnedAt.Equal(base))

	p.CurrentValue = 8
	p.IsCompleted = true
	require.NoError(t, s.PutProgress(ctx, p))
	require.NoError(t, s.PutProgress(ctx, model.HabitProgress{HabitID: "water", Day: day.Next(), CurrentValue: 1, TargetValue: 8}))
	require.NoError(t, s.PutProgress(ctx, model.HabitProgress{HabitID: "steps", Day: day, CurrentValue: 500, TargetValue: 10000}))

	rows, err := s.ListProgress(ctx, store.ProgressFilter{HabitID: "water"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, day, rows[0].Day)
	assert.Equal(t, day.Next(), rows[1].Day)

	done, err := s.ListProgress(ctx, store.ProgressFilter{CompletedOnly: true})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, int64(8), done[0].CurrentValue)

	oneDay, err := s.ListProgress(ctx, store.ProgressFilter{From: day, To: day})
	require.NoError(t, err)
	require.Len(t, oneDay, 2)
	assert.Equal(t, "steps", oneDay[0].HabitID)
}

func testStreaks(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, ok, err := s.GetStreak(ctx, "water")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutStreak(ctx, model.Streak{HabitID: "water", CurrentStreakDays: 2, LongestStreakDays: 5, LastEarnedDay: "2024-06-01"}))
	require.NoError(t, s.PutStreak(ctx, model.Streak{HabitID: "steps", CurrentStreakDays: 1, LongestStreakDays: 1, LastEarnedDay: "2024-06-01"}))

	got, ok, err := s.GetStreak(ctx, "water")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, got.LongestStreakDays)
	assert.Equal(t, model.Day("2024-06-01"), got.LastEarnedDay)

	all, err := s.ListStreaks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "steps", all[0].HabitID)
}

func testRules(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetRule(ctx, "com.example.social")
	assert.ErrorIs(t, err, heikeErrors.ErrNotFound)

	rule := model.AppRule{
		PackageID:      "com.example.social",
		DisplayName:    "Social",
		IsLocked:       true,
		UnlockCost:     15,
		UnlockDuration: 15 * time.Minute,
		Category:       model.CategorySocial,
		CreatedAt:      base,
		UpdatedAt:      base,
	}
	require.NoError(t, s.PutRule(ctx, rule))
	require.NoError(t, s.PutRule(ctx, model.AppRule{PackageID: "com.example.game", UnlockCost: 25, UnlockDuration: time.Minute, CreatedAt: base, UpdatedAt: base}))

	got, err := s.GetRule(ctx, rule.PackageID)
	require.NoError(t, err)
	assert.Equal(t, rule.UnlockDuration, got.UnlockDuration)
	assert.Equal(t, model.CategorySocial, got.Category)
	assert.True(t, got.IsLocked)
	assert.True(t, got.CreatedAt.Equal(base))

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "com.example.game", rules[0].PackageID)

	require.NoError(t, s.DeleteRule(ctx, "com.example.game"))
	assert.ErrorIs(t, s.DeleteRule(ctx, "com.example.game"), heikeErrors.ErrNotFound)

	rules, err = s.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func session(id, pkg string, start time.Time, d time.Duration) model.UnlockSession {
	return model.UnlockSession{
		ID:              id,
		PackageID:       pkg,
		StartedAt:       start,
		GrantedDuration: d,
		CreditsSpent:    10,
		IdempotencyKey:  "key-" + id,
		TransactionID:   1,
	}
}

func testSessions(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, heikeErrors.ErrNotFound)

	a := session("a", "com.example.social", base, 15*time.Minute)
	b := session("b", "com.example.video", base.Add(time.Minute), 30*time.Minute)
	require.NoError(t, s.PutSession(ctx, a))
	require.NoError(t, s.PutSession(ctx, b))

	got, err := s.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, got.GrantedDuration)
	assert.Nil(t, got.EndedAt)
	assert.True(t, got.StartedAt.Equal(base))

	byKey, ok, err := s.SessionByKey(ctx, "key-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", byKey.ID)

	_, ok, err = s.SessionByKey(ctx, "key-missing")
	require.NoError(t, err)
	assert.False(t, ok)

	revokedAt := base.Add(5 * time.Minute)
	ended, err := s.EndSession(ctx, "a", revokedAt, model.EndRevoked)
	require.NoError(t, err)
	require.NotNil(t, ended.EndedAt)
	assert.True(t, ended.EndedAt.Equal(revokedAt))
	assert.Equal(t, model.EndRevoked, ended.EndReason)

	// ending twice keeps the first end
	again, err := s.EndSession(ctx, "a", base.Add(10*time.Minute), model.EndExpired)
	require.NoError(t, err)
	assert.True(t, again.EndedAt.Equal(revokedAt))
	assert.Equal(t, model.EndRevoked, again.EndReason)

	_, err = s.EndSession(ctx, "nope", base, model.EndRevoked)
	assert.ErrorIs(t, err, heikeErrors.ErrNotFound)

	open, err := s.ListSessions(ctx, store.SessionFilter{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "b", open[0].ID)

	all, err := s.ListSessions(ctx, store.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID, "newest first")

	social, err := s.ListSessions(ctx, store.SessionFilter{PackageID: "com.example.social"})
	require.NoError(t, err)
	require.Len(t, social, 1)

	windowed, err := s.ListSessions(ctx, store.SessionFilter{Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "b", windowed[0].ID)
}

func testEndExpiredSessions(t *testing.T, s store.Store) {
	ctx := context.Background()

	short := session("short", "com.example.social", base, 10*time.Minute)
	long := session("long", "com.example.video", base, time.Hour)
	require.NoError(t, s.PutSession(ctx, short))
	require.NoError(t, s.PutSession(ctx, long))

	none, err := s.EndExpiredSessions(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, none)

	// the boundary instant counts as expired
	ended, err := s.EndExpiredSessions(ctx, base.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, ended, 1)
	assert.Equal(t, "short", ended[0].ID)

	late, err := s.EndExpiredSessions(ctx, base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, late, 1)

	got, err := s.GetSession(ctx, "long")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(base.Add(time.Hour)), "ended_at is the expiry instant, not the sweep time")
	assert.Equal(t, model.EndExpired, got.EndReason)
}

func testPurgeSessions(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, session("old", "com.example.social", base, time.Minute)))
	require.NoError(t, s.PutSession(ctx, session("open", "com.example.social", base, 24*time.Hour)))
	_, err := s.EndExpiredSessions(ctx, base.Add(time.Hour))
	require.NoError(t, err)

	n, err := s.PurgeSessions(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetSession(ctx, "old")
	assert.ErrorIs(t, err, heikeErrors.ErrNotFound)
	_, err = s.GetSession(ctx, "open")
	assert.NoError(t, err, "open sessions are never purged")
}

// Cooldowns and session expiry compare against stored instants, so a backend
// must hand back exactly the instant it was given.
func testSubMillisecondInstants(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := base.Add(900*time.Microsecond + 123*time.Nanosecond)

	res, err := s.AppendTransaction(ctx, earn("fine", 1, at), true)
	require.NoError(t, err)
	assert.True(t, res.Transaction.Timestamp.Equal(at))
	tx, ok, err := s.TransactionByKey(ctx, "fine")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, tx.Timestamp.Equal(at), "stored %s, want %s", tx.Timestamp, at)

	day := model.DayOf(at, time.UTC)
	require.NoError(t, s.PutProgress(ctx, model.HabitProgress{HabitID: "water", Day: day, CurrentValue: 1, TargetValue: 8, LastEarnedAt: at, UpdatedAt: at}))
	p, ok, err := s.GetProgress(ctx, "water", day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.LastEarnedAt.Equal(at), "stored %s, want %s", p.LastEarnedAt, at)

	require.NoError(t, s.PutSession(ctx, session("fine", "com.example.social", at, time.Minute)))
	got, err := s.GetSession(ctx, "fine")
	require.NoError(t, err)
	assert.True(t, got.StartedAt.Equal(at))

	// half a millisecond before expiry the session is still open
	ended, err := s.EndExpiredSessions(ctx, at.Add(time.Minute-500*time.Microsecond))
	require.NoError(t, err)
	assert.Empty(t, ended)
	ended, err = s.EndExpiredSessions(ctx, at.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, ended, 1)
	assert.True(t, ended[0].EndedAt.Equal(at.Add(time.Minute)))
}
