package model

import (
	"math"
	"math/bits"
	"time"
)

// HabitDefinition is configuration; it only changes through the registry.
type HabitDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayUnit string `json:"display_unit"`
	DailyTarget int64  `json:"daily_target"`

	// CreditRate credits are paid for every RateUnits units. RateUnits of 0
	// or 1 pays CreditRate per unit.
	CreditRate int64 `json:"credit_rate"`
	RateUnits  int64 `json:"rate_units,omitempty"`

	Cooldown      time.Duration `json:"cooldown"`
	DailyCapUnits int64         `json:"daily_cap_units"`
	Enabled       bool          `json:"enabled"`
}

// CreditsBetween returns the credits earned by moving the day's counter from
// before to after. Flooring the cumulative total keeps partial batches
// (e.g. 600 + 400 steps) paying the same as one batch of 1000.
func (h HabitDefinition) CreditsBetween(before, after int64) int64 {
	before = max(before, 0)
	if after <= before || h.CreditRate <= 0 {
		return 0
	}
	units := max(h.RateUnits, 1)
	return scaledFloor(after, h.CreditRate, units) - scaledFloor(before, h.CreditRate, units)
}

// MaxCredits is what a full day at the cap pays.
func (h HabitDefinition) MaxCredits() int64 {
	return h.CreditsBetween(0, h.DailyCapUnits)
}

// scaledFloor is floor(v*rate/units) for non-negative inputs, saturating at
// math.MaxInt64.
func scaledFloor(v, rate, units int64) int64 {
	hi, lo := bits.Mul64(uint64(v), uint64(rate))
	if hi >= uint64(units) {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(units))
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

// HabitProgress is the mutable per-(habit, day) counter.
type HabitProgress struct {
	HabitID      string    `json:"habit_id"`
	Day          Day       `json:"day"`
	CurrentValue int64     `json:"current_value"`
	TargetValue  int64     `json:"target_value"`
	IsCompleted  bool      `json:"is_completed"`
	LastEarnedAt time.Time `json:"last_earned_at"`
	StreakCount  int       `json:"streak_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProgressKey is the durable key of a progress row.
func ProgressKey(habitID string, day Day) string {
	return habitID + "/" + string(day)
}

// Streak counts consecutive completion days of one habit.
type Streak struct {
	HabitID           string `json:"habit_id"`
	CurrentStreakDays int    `json:"current_streak_days"`
	LongestStreakDays int    `json:"longest_streak_days"`
	LastEarnedDay     Day    `json:"last_earned_day"`
}

// IsActive reports whether the streak can still be continued today.
func (s Streak) IsActive(today Day) bool {
	if s.LastEarnedDay.IsZero() || s.CurrentStreakDays == 0 {
		return false
	}
	return s.LastEarnedDay == today || s.LastEarnedDay == today.Prev()
}
