package habit_test

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/habit"
	"github.com/harunnryd/stepunlock/internal/ledger"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"
	"github.com/harunnryd/stepunlock/internal/store/sqlite"
	"github.com/harunnryd/stepunlock/internal/store/storetest"
	"github.com/harunnryd/stepunlock/internal/streak"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noon = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   store.Store
	ledger  *ledger.Ledger
	reg     *habit.Registry
	tracker *habit.Tracker
	streaks *streak.Calculator
}

func newFixture(t *testing.T, defs ...model.HabitDefinition) *fixture {
	t.Helper()
	return newFixtureOn(t, storetest.NewWorker(t), defs...)
}

func newFixtureOn(t *testing.T, st store.Store, defs ...model.HabitDefinition) *fixture {
	t.Helper()
	l := ledger.New(st)
	reg := habit.NewRegistry(st)
	for _, d := range defs {
		require.NoError(t, reg.Upsert(context.Background(), d))
	}
	calc := streak.NewCalculator(st, nil)
	tr := habit.NewTracker(st, reg, l, habit.WithLocation(time.UTC), habit.WithStreaks(calc))
	tr.Now = func() time.Time { return noon }
	return &fixture{store: st, ledger: l, reg: reg, tracker: tr, streaks: calc}
}

// eachBackend runs test once per store backend.
func eachBackend(t *testing.T, test func(t *testing.T, st store.Store)) {
	t.Run("file", func(t *testing.T) { test(t, storetest.NewWorker(t)) })
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlite.Open(filepath.Join(t.TempDir(), "economy.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		test(t, s)
	})
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background())
	require.NoError(t, err)
	return b
}

func water(cooldown time.Duration) model.HabitDefinition {
	return model.HabitDefinition{ID: "water", DailyTarget: 8, CreditRate: 1, DailyCapUnits: 8, Cooldown: cooldown, Enabled: true}
}

func TestRecordClampsToDailyCap(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		f := newFixtureOn(t, st, water(0))

		p, err := f.tracker.Record(ctx, "water", 10, noon, "w1")
		require.NoError(t, err)
		assert.Equal(t, int64(8), p.CurrentValue)
		assert.True(t, p.IsCompleted)
		assert.Equal(t, int64(8), f.balance(t))

		tx, found, err := f.ledger.Lookup(ctx, "w1")
		require.NoError(t, err)
		require.True(t, found)
		applied, _ := tx.MetaInt(model.MetaUnitsApplied)
		requested, _ := tx.MetaInt(model.MetaUnitsRequested)
		assert.Equal(t, int64(8), applied)
		assert.Equal(t, int64(10), requested)

		_, err = f.tracker.Record(ctx, "water", 1, noon.Add(time.Minute), "w2")
		d, ok := heikeErrors.AsDenial(err)
		require.True(t, ok)
		assert.Equal(t, heikeErrors.ReasonDailyCapReached, d.Reason)
		assert.Equal(t, int64(8), d.Cap)
		assert.Equal(t, int64(8), f.balance(t))
	})
}

func TestPartialClampPaysOnlyRemainingUnits(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		f := newFixtureOn(t, st, water(0))

		_, err := f.tracker.Record(ctx, "water", 5, noon, "a")
		require.NoError(t, err)
		p, err := f.tracker.Record(ctx, "water", 5, noon.Add(time.Minute), "b")
		require.NoError(t, err)
		assert.Equal(t, int64(8), p.CurrentValue)
		assert.Equal(t, int64(8), f.balance(t))
	})
}

func TestCooldownMonotonicity(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		cooldown := 15 * time.Minute
		f := newFixtureOn(t, st, water(cooldown))

		_, err := f.tracker.Record(ctx, "water", 1, noon, "first")
		require.NoError(t, err)

		for _, offset := range []time.Duration{time.Nanosecond, time.Second, 7 * time.Minute, cooldown - time.Nanosecond} {
			err := f.tracker.CanEarn(ctx, "water", noon.Add(offset))
			d, ok := heikeErrors.AsDenial(err)
			require.True(t, ok, "offset %s", offset)
			assert.Equal(t, heikeErrors.ReasonCooldownActive, d.Reason)
			assert.Equal(t, cooldown-offset, d.Remaining)
		}
		require.NoError(t, f.tracker.CanEarn(ctx, "water", noon.Add(cooldown)))

		_, err = f.tracker.Record(ctx, "water", 1, noon.Add(5*time.Minute), "early")
		assert.ErrorIs(t, err, heikeErrors.ErrCooldownActive)
		_, found, err := f.ledger.Lookup(ctx, "early")
		require.NoError(t, err)
		assert.False(t, found)

		_, err = f.tracker.Record(ctx, "water", 1, noon.Add(cooldown), "second")
		require.NoError(t, err)
		assert.Equal(t, int64(2), f.balance(t))
	})
}

func TestRecordIsIdempotentAcrossDayRollover(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		f := newFixtureOn(t, st, water(0))
		late := time.Date(2024, 6, 1, 23, 59, 0, 0, time.UTC)

		first, err := f.tracker.Record(ctx, "water", 3, late, "tap-1")
		require.NoError(t, err)
		assert.Equal(t, model.Day("2024-06-01"), first.Day)

		retry, err := f.tracker.Record(ctx, "water", 3, late.Add(2*time.Minute), "tap-1")
		require.NoError(t, err)
		assert.Equal(t, first.Day, retry.Day)
		assert.Equal(t, first.CurrentValue, retry.CurrentValue)
		assert.Equal(t, int64(3), f.balance(t))

		_, found, err := f.store.GetProgress(ctx, "water", "2024-06-02")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestRecordRepairsLaggingProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, water(0))

	// ledger append landed, progress write did not
	_, err := f.ledger.Append(ctx, ledger.Entry{
		Delta:          4,
		Reason:         model.HabitReason("water"),
		IdempotencyKey: "crash",
		HabitID:        "water",
		Timestamp:      noon,
		Metadata: map[string]string{
			model.MetaDay:        "2024-06-01",
			model.MetaValueAfter: "4",
			model.MetaCompleted:  "false",
		},
	})
	require.NoError(t, err)

	p, err := f.tracker.Record(ctx, "water", 4, noon, "crash")
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.CurrentValue)
	assert.Equal(t, noon, p.LastEarnedAt)
	assert.Equal(t, int64(8), p.TargetValue)

	stored, found, err := f.store.GetProgress(ctx, "water", "2024-06-01")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(4), stored.CurrentValue)
	assert.Equal(t, int64(4), f.balance(t))
}

func TestDisabledHabitIsDenied(t *testing.T) {
	ctx := context.Background()
	def := water(0)
	def.Enabled = false
	f := newFixture(t, def)

	_, err := f.tracker.Record(ctx, "water", 1, noon, "k")
	assert.ErrorIs(t, err, heikeErrors.ErrHabitDisabled)

	_, err = f.tracker.Record(ctx, "unknown", 1, noon, "k2")
	assert.ErrorIs(t, err, heikeErrors.ErrNotFound)
}

func TestRecordRejectsBadArguments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, water(0))

	_, err := f.tracker.Record(ctx, "water", 0, noon, "k")
	assert.ErrorIs(t, err, heikeErrors.ErrInvalidConfig)
	_, err = f.tracker.Record(ctx, "water", 1, noon, "")
	assert.ErrorIs(t, err, heikeErrors.ErrInvalidConfig)
}

func TestStepsPayPerThousand(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		f := newFixtureOn(t, st, model.HabitDefinition{ID: "steps", DailyTarget: 10000, CreditRate: 2, RateUnits: 1000, DailyCapUnits: 20000, Enabled: true})

		_, err := f.tracker.Record(ctx, "steps", 400, noon, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), f.balance(t))

		_, err = f.tracker.Record(ctx, "steps", 600, noon.Add(time.Minute), "s2")
		require.NoError(t, err)
		assert.Equal(t, int64(2), f.balance(t))

		p, err := f.tracker.Record(ctx, "steps", 50000, noon.Add(2*time.Minute), "s3")
		require.NoError(t, err)
		assert.Equal(t, int64(20000), p.CurrentValue)
		assert.Equal(t, int64(40), f.balance(t))
	})
}

func TestCompletionFeedsStreak(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.HabitDefinition{ID: "journal", DailyTarget: 1, CreditRate: 3, DailyCapUnits: 1, Enabled: true})

	var p model.HabitProgress
	for i := 0; i < 3; i++ {
		var err error
		p, err = f.tracker.Record(ctx, "journal", 1, noon.AddDate(0, 0, i), fmt.Sprintf("j%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, p.StreakCount)

	s, err := f.streaks.Get(ctx, "journal")
	require.NoError(t, err)
	assert.Equal(t, 3, s.CurrentStreakDays)
	assert.Equal(t, model.Day("2024-06-03"), s.LastEarnedDay)
	assert.Equal(t, int64(9), f.balance(t))
}

func TestNextEligibleAt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, water(15*time.Minute), model.HabitDefinition{ID: "journal", DailyTarget: 1, CreditRate: 3, DailyCapUnits: 1, Enabled: true})

	at, err := f.tracker.NextEligibleAt(ctx, "water", noon)
	require.NoError(t, err)
	assert.Equal(t, noon, at)

	_, err = f.tracker.Record(ctx, "water", 1, noon, "w")
	require.NoError(t, err)
	at, err = f.tracker.NextEligibleAt(ctx, "water", noon.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, noon.Add(15*time.Minute), at)

	_, err = f.tracker.Record(ctx, "journal", 1, noon, "j")
	require.NoError(t, err)
	at, err = f.tracker.NextEligibleAt(ctx, "journal", noon)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), at)
}

func TestTodayListsEnabledHabits(t *testing.T) {
	ctx := context.Background()
	off := model.HabitDefinition{ID: "journal", DailyTarget: 1, CreditRate: 3, DailyCapUnits: 1}
	f := newFixture(t, water(0), off)

	_, err := f.tracker.Record(ctx, "water", 2, noon, "w")
	require.NoError(t, err)

	today, err := f.tracker.Today(ctx, noon)
	require.NoError(t, err)
	require.Len(t, today, 1)
	assert.Equal(t, int64(2), today[0].CurrentValue)

	hist, err := f.tracker.History(ctx, "water", "2024-05-01", "2024-06-30")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestConcurrentRecordsRespectCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, water(0))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ok     int
		denied int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.tracker.Record(ctx, "water", 1, noon, fmt.Sprintf("c%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if heikeErrors.IsDenial(err) {
				denied++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, ok)
	assert.Equal(t, 12, denied)
	assert.Equal(t, int64(8), f.balance(t))
}

func TestOversizedUnitsClampWithoutOverflow(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		f := newFixtureOn(t, st, water(0))

		_, err := f.tracker.Record(ctx, "water", 1, noon, "one")
		require.NoError(t, err)

		p, err := f.tracker.Record(ctx, "water", math.MaxInt64, noon.Add(time.Minute), "huge")
		require.NoError(t, err)
		assert.Equal(t, int64(8), p.CurrentValue)
		assert.True(t, p.IsCompleted)
		assert.Equal(t, int64(8), f.balance(t))

		tx, found, err := f.ledger.Lookup(ctx, "huge")
		require.NoError(t, err)
		require.True(t, found)
		applied, _ := tx.MetaInt(model.MetaUnitsApplied)
		assert.Equal(t, int64(7), applied)
		assert.Equal(t, int64(7), tx.Delta)

		_, err = f.tracker.Record(ctx, "water", math.MaxInt64, noon.Add(2*time.Minute), "huger")
		assert.ErrorIs(t, err, heikeErrors.ErrDailyCapReached)
		_, err = f.tracker.Record(ctx, "water", 100, noon.Add(3*time.Minute), "after")
		assert.ErrorIs(t, err, heikeErrors.ErrDailyCapReached)
		assert.Equal(t, int64(8), f.balance(t))
	})
}

func TestCooldownHoldsForSubMillisecondInstants(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		cooldown := 15 * time.Minute
		f := newFixtureOn(t, st, water(cooldown))
		at := noon.Add(900 * time.Microsecond)

		_, err := f.tracker.Record(ctx, "water", 1, at, "fine")
		require.NoError(t, err)

		err = f.tracker.CanEarn(ctx, "water", at.Add(cooldown-500*time.Microsecond))
		d, ok := heikeErrors.AsDenial(err)
		require.True(t, ok, "got %v", err)
		assert.Equal(t, heikeErrors.ReasonCooldownActive, d.Reason)
		assert.Equal(t, 500*time.Microsecond, d.Remaining)

		require.NoError(t, f.tracker.CanEarn(ctx, "water", at.Add(cooldown)))
	})
}

func TestReplayReturnsWhatTheKeyRecorded(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		f := newFixtureOn(t, st, water(0))

		first, err := f.tracker.Record(ctx, "water", 3, noon, "a")
		require.NoError(t, err)
		_, err = f.tracker.Record(ctx, "water", 5, noon.Add(time.Minute), "b")
		require.NoError(t, err)

		retry, err := f.tracker.Record(ctx, "water", 3, noon.Add(2*time.Minute), "a")
		require.NoError(t, err)
		assert.Equal(t, first.CurrentValue, retry.CurrentValue)
		assert.False(t, retry.IsCompleted)
		assert.True(t, retry.LastEarnedAt.Equal(noon))
		assert.Equal(t, int64(8), retry.TargetValue)

		stored, found, err := f.store.GetProgress(ctx, "water", "2024-06-01")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, int64(8), stored.CurrentValue)
		assert.True(t, stored.IsCompleted)
		assert.Equal(t, int64(8), f.balance(t))
	})
}

func TestZeroTargetCompletesOnFirstRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.HabitDefinition{ID: "stretch", DailyTarget: 0, CreditRate: 2, DailyCapUnits: 3, Enabled: true})

	p, err := f.tracker.Record(ctx, "stretch", 1, noon, "s1")
	require.NoError(t, err)
	assert.True(t, p.IsCompleted)
	assert.Equal(t, 1, p.StreakCount)

	s, err := f.streaks.Get(ctx, "stretch")
	require.NoError(t, err)
	assert.Equal(t, 1, s.CurrentStreakDays)
}
