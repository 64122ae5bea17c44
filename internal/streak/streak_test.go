package streak_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"
	"github.com/harunnryd/stepunlock/internal/store/storetest"
	"github.com/harunnryd/stepunlock/internal/streak"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const start = model.Day("2024-06-01")

func TestAdvance(t *testing.T) {
	tests := []struct {
		name string
		in   model.Streak
		day  model.Day
		want model.Streak
	}{
		{
			name: "first completion",
			in:   model.Streak{HabitID: "water"},
			day:  start,
			want: model.Streak{HabitID: "water", CurrentStreakDays: 1, LongestStreakDays: 1, LastEarnedDay: start},
		},
		{
			name: "next day extends",
			in:   model.Streak{CurrentStreakDays: 3, LongestStreakDays: 3, LastEarnedDay: start},
			day:  start.Next(),
			want: model.Streak{CurrentStreakDays: 4, LongestStreakDays: 4, LastEarnedDay: start.Next()},
		},
		{
			name: "same day is a no-op",
			in:   model.Streak{CurrentStreakDays: 2, LongestStreakDays: 5, LastEarnedDay: start},
			day:  start,
			want: model.Streak{CurrentStreakDays: 2, LongestStreakDays: 5, LastEarnedDay: start},
		},
		{
			name: "gap resets and keeps longest",
			in:   model.Streak{CurrentStreakDays: 6, LongestStreakDays: 6, LastEarnedDay: start},
			day:  start.AddDays(3),
			want: model.Streak{CurrentStreakDays: 1, LongestStreakDays: 6, LastEarnedDay: start.AddDays(3)},
		},
		{
			name: "across a month boundary",
			in:   model.Streak{CurrentStreakDays: 1, LongestStreakDays: 1, LastEarnedDay: "2024-02-29"},
			day:  "2024-03-01",
			want: model.Streak{CurrentStreakDays: 2, LongestStreakDays: 2, LastEarnedDay: "2024-03-01"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, streak.Advance(tt.in, tt.day))
		})
	}
}

func TestReplaySortsAndDedupes(t *testing.T) {
	days := []model.Day{start.AddDays(2), start, start.AddDays(1), start, start.AddDays(5)}
	got := streak.Replay("journal", days)
	assert.Equal(t, model.Streak{HabitID: "journal", CurrentStreakDays: 1, LongestStreakDays: 3, LastEarnedDay: start.AddDays(5)}, got)
}

func complete(t *testing.T, st store.Store, c *streak.Calculator, habitID string, day model.Day) model.Streak {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutProgress(ctx, model.HabitProgress{HabitID: habitID, Day: day, CurrentValue: 1, TargetValue: 1, IsCompleted: true}))
	s, err := c.OnCompleted(ctx, habitID, day)
	require.NoError(t, err)
	return s
}

func TestIncrementalMatchesRecompute(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 20; run++ {
		st := storetest.NewWorker(t)
		c := streak.NewCalculator(st, nil)

		day := start
		var incremental model.Streak
		for i := 0; i < 30; i++ {
			day = day.AddDays(rng.Intn(3))
			incremental = complete(t, st, c, "steps", day)
		}

		rebuilt, err := c.Recompute(ctx, "steps")
		require.NoError(t, err)
		assert.Equal(t, incremental.CurrentStreakDays, rebuilt.CurrentStreakDays)
		assert.Equal(t, incremental.LongestStreakDays, rebuilt.LongestStreakDays)
		assert.Equal(t, incremental.LastEarnedDay, rebuilt.LastEarnedDay)
	}
}

func TestOutOfOrderCompletionRecomputes(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewWorker(t)
	c := streak.NewCalculator(st, nil)

	complete(t, st, c, "water", start)
	complete(t, st, c, "water", start.AddDays(2))
	got := complete(t, st, c, "water", start.AddDays(1))

	assert.Equal(t, 3, got.CurrentStreakDays)
	assert.Equal(t, 3, got.LongestStreakDays)
	assert.Equal(t, start.AddDays(2), got.LastEarnedDay)

	stored, err := c.Get(ctx, "water")
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func TestGetUnknownHabit(t *testing.T) {
	c := streak.NewCalculator(storetest.NewWorker(t), nil)
	s, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, model.Streak{HabitID: "nope"}, s)
}

func TestAllListsStreaks(t *testing.T) {
	st := storetest.NewWorker(t)
	c := streak.NewCalculator(st, nil)
	complete(t, st, c, "water", start)
	complete(t, st, c, "journal", start)

	all, err := c.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
