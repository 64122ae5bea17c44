// Package streak counts consecutive completion days per habit.
package streak

import (
	"context"
	"fmt"
	"slices"

	"github.com/harunnryd/stepunlock/internal/concurrency"
	"github.com/harunnryd/stepunlock/internal/events"
	"github.com/harunnryd/stepunlock/internal/logger"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"
)

// Advance applies one completion day to s. The day before the last counted
// day extends the streak, the same day is ignored, anything else restarts it.
func Advance(s model.Streak, day model.Day) model.Streak {
	switch {
	case s.LastEarnedDay == day:
		return s
	case !s.LastEarnedDay.IsZero() && s.LastEarnedDay.Next() == day:
		s.CurrentStreakDays++
	default:
		s.CurrentStreakDays = 1
	}
	if s.CurrentStreakDays > s.LongestStreakDays {
		s.LongestStreakDays = s.CurrentStreakDays
	}
	s.LastEarnedDay = day
	return s
}

// Replay builds a streak from scratch over days in ascending order.
func Replay(habitID string, days []model.Day) model.Streak {
	sorted := slices.Clone(days)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	s := model.Streak{HabitID: habitID}
	for _, d := range sorted {
		if d.IsZero() {
			continue
		}
		s = Advance(s, d)
	}
	return s
}

type Calculator struct {
	store     store.Store
	publisher events.Publisher
	locks     *concurrency.KeyedLocker
}

func NewCalculator(st store.Store, publisher events.Publisher) *Calculator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Calculator{
		store:     st,
		publisher: publisher,
		locks:     concurrency.NewKeyedLocker(),
	}
}

// OnCompleted records that habitID reached its target on day. A day earlier
// than the last counted one cannot be applied incrementally, so the streak is
// rebuilt from progress history instead.
func (c *Calculator) OnCompleted(ctx context.Context, habitID string, day model.Day) (model.Streak, error) {
	if day.IsZero() {
		return model.Streak{}, fmt.Errorf("completion day is required")
	}

	c.locks.Lock(habitID)
	defer c.locks.Unlock(habitID)

	current, err := c.Get(ctx, habitID)
	if err != nil {
		return model.Streak{}, err
	}

	var next model.Streak
	if !current.LastEarnedDay.IsZero() && day.Before(current.LastEarnedDay) {
		logger.From(ctx).Debug("Out of order completion, recomputing streak", "habit", habitID, "day", day, "last", current.LastEarnedDay)
		next, err = c.replayHistory(ctx, habitID, day)
		if err != nil {
			return model.Streak{}, err
		}
	} else {
		next = Advance(current, day)
	}

	if next == current {
		return current, nil
	}
	return next, c.save(ctx, next)
}

// Recompute rebuilds the streak from completed progress rows and stores it.
func (c *Calculator) Recompute(ctx context.Context, habitID string) (model.Streak, error) {
	c.locks.Lock(habitID)
	defer c.locks.Unlock(habitID)

	next, err := c.replayHistory(ctx, habitID)
	if err != nil {
		return model.Streak{}, err
	}
	current, err := c.Get(ctx, habitID)
	if err != nil {
		return model.Streak{}, err
	}
	if next == current {
		return current, nil
	}
	return next, c.save(ctx, next)
}

func (c *Calculator) replayHistory(ctx context.Context, habitID string, extra ...model.Day) (model.Streak, error) {
	rows, err := c.store.ListProgress(ctx, store.ProgressFilter{HabitID: habitID, CompletedOnly: true})
	if err != nil {
		return model.Streak{}, fmt.Errorf("load progress history: %w", err)
	}
	days := make([]model.Day, 0, len(rows)+len(extra))
	for _, p := range rows {
		days = append(days, p.Day)
	}
	days = append(days, extra...)
	return Replay(habitID, days), nil
}

func (c *Calculator) save(ctx context.Context, s model.Streak) error {
	if err := c.store.PutStreak(ctx, s); err != nil {
		return fmt.Errorf("save streak: %w", err)
	}
	snapshot := s
	c.publisher.Publish(events.Event{
		Kind:    events.StreakChanged,
		HabitID: s.HabitID,
		Streak:  &snapshot,
	})
	return nil
}

// Get returns the stored streak, or a zero streak for a habit never completed.
func (c *Calculator) Get(ctx context.Context, habitID string) (model.Streak, error) {
	s, ok, err := c.store.GetStreak(ctx, habitID)
	if err != nil {
		return model.Streak{}, err
	}
	if !ok {
		return model.Streak{HabitID: habitID}, nil
	}
	return s, nil
}

func (c *Calculator) All(ctx context.Context) ([]model.Streak, error) {
	return c.store.ListStreaks(ctx)
}
