package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayOfUsesLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 2024-03-10 20:30 UTC is already the 11th in Tokyo.
	at := time.Date(2024, 3, 10, 20, 30, 0, 0, time.UTC)
	assert.Equal(t, Day("2024-03-10"), DayOf(at, time.UTC))
	assert.Equal(t, Day("2024-03-11"), DayOf(at, tokyo))
}

func TestDayArithmetic(t *testing.T) {
	d := Day("2024-03-01")
	assert.Equal(t, Day("2024-02-29"), d.Prev())
	assert.Equal(t, Day("2024-03-02"), d.Next())
	assert.Equal(t, Day("2024-12-31"), Day("2025-01-01").Prev())
	assert.True(t, d.Prev().Before(d))
	assert.True(t, d.Next().After(d))
	assert.Equal(t, Day(""), Day("").Next())

	_, err := ParseDay("2024-13-01")
	assert.Error(t, err)
	parsed, err := ParseDay("2024-01-31")
	require.NoError(t, err)
	assert.Equal(t, Day("2024-01-31"), parsed)
}

func TestDayStart(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	start := Day("2024-05-05").Start(loc)
	assert.Equal(t, Day("2024-05-05"), DayOf(start, loc))
	assert.Equal(t, Day("2024-05-04"), DayOf(start.Add(-time.Nanosecond), loc))
}

func TestCreditsBetween(t *testing.T) {
	water := HabitDefinition{CreditRate: 1}
	assert.Equal(t, int64(8), water.CreditsBetween(0, 8))
	assert.Equal(t, int64(0), water.CreditsBetween(8, 8))

	steps := HabitDefinition{CreditRate: 2, RateUnits: 1000}
	assert.Equal(t, int64(20), steps.CreditsBetween(0, 10000))
	// partial batches add up to the same total
	assert.Equal(t, int64(0), steps.CreditsBetween(0, 600))
	assert.Equal(t, int64(2), steps.CreditsBetween(600, 1000))
	assert.Equal(t, int64(2), steps.CreditsBetween(1000, 2999))

	free := HabitDefinition{CreditRate: 0}
	assert.Equal(t, int64(0), free.CreditsBetween(0, 5))

	// a corrupt negative counter is read as zero
	assert.Equal(t, int64(8), water.CreditsBetween(math.MinInt64, 8))

	huge := HabitDefinition{CreditRate: 3, DailyCapUnits: math.MaxInt64}
	assert.Equal(t, int64(math.MaxInt64), huge.MaxCredits())
	assert.Equal(t, int64(24), HabitDefinition{CreditRate: 3, DailyCapUnits: 8}.MaxCredits())
}

func TestSessionActivity(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s := UnlockSession{StartedAt: start, GrantedDuration: 15 * time.Minute}

	assert.True(t, s.IsActive(start))
	assert.True(t, s.IsActive(start.Add(14*time.Minute)))
	assert.False(t, s.IsActive(start.Add(15*time.Minute)))
	assert.Equal(t, 5*time.Minute, s.Remaining(start.Add(10*time.Minute)))

	ended := start.Add(time.Minute)
	s.EndedAt = &ended
	assert.False(t, s.IsActive(start.Add(2*time.Minute)))
	assert.Equal(t, time.Duration(0), s.Remaining(start))
}

func TestStreakIsActive(t *testing.T) {
	today := Day("2024-06-10")
	assert.True(t, Streak{CurrentStreakDays: 3, LastEarnedDay: today}.IsActive(today))
	assert.True(t, Streak{CurrentStreakDays: 3, LastEarnedDay: today.Prev()}.IsActive(today))
	assert.False(t, Streak{CurrentStreakDays: 3, LastEarnedDay: today.AddDays(-2)}.IsActive(today))
	assert.False(t, Streak{}.IsActive(today))
}

func TestTransactionMeta(t *testing.T) {
	tx := Transaction{Delta: 3, Reason: HabitReason("water"), Metadata: map[string]string{
		MetaValueAfter: "8",
		MetaCompleted:  "true",
		MetaDay:        "2024-01-01",
	}}

	v, ok := tx.MetaInt(MetaValueAfter)
	assert.True(t, ok)
	assert.Equal(t, int64(8), v)
	_, ok = tx.MetaInt(MetaUnitsApplied)
	assert.False(t, ok)
	assert.True(t, tx.MetaBool(MetaCompleted))
	assert.True(t, tx.IsEarn())
	assert.False(t, tx.IsUnlock())
	assert.True(t, Transaction{Reason: UnlockReason("pkg")}.IsUnlock())
}
