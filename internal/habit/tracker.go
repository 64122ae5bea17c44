package habit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/stepunlock/internal/concurrency"
	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/events"
	"github.com/harunnryd/stepunlock/internal/ledger"
	"github.com/harunnryd/stepunlock/internal/logger"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"
)

// CompletionObserver is told when a habit first reaches its target on a day.
type CompletionObserver interface {
	OnCompleted(ctx context.Context, habitID string, day model.Day) (model.Streak, error)
}

// Tracker gates habit events and pays for them. Calls for the same habit are
// serialized; different habits proceed in parallel.
type Tracker struct {
	store     store.Store
	registry  *Registry
	ledger    *ledger.Ledger
	streaks   CompletionObserver
	publisher events.Publisher
	loc       *time.Location
	locks     *concurrency.KeyedLocker

	Now func() time.Time
}

type TrackerOption func(*Tracker)

// WithLocation sets the zone that decides which calendar day an event is on.
func WithLocation(loc *time.Location) TrackerOption {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

func WithStreaks(obs CompletionObserver) TrackerOption {
	return func(t *Tracker) {
		t.streaks = obs
	}
}

func WithPublisher(p events.Publisher) TrackerOption {
	return func(t *Tracker) {
		if p != nil {
			t.publisher = p
		}
	}
}

func NewTracker(st store.Store, registry *Registry, l *ledger.Ledger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:     st,
		registry:  registry,
		ledger:    l,
		publisher: events.Nop{},
		loc:       time.Local,
		locks:     concurrency.NewKeyedLocker(),
		Now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Location() *time.Location {
	return t.loc
}

// DayOf returns the calendar day an event at `at` counts towards.
func (t *Tracker) DayOf(at time.Time) model.Day {
	return model.DayOf(at, t.loc)
}

// CanEarn returns nil when a record at `at` would be paid, a *errors.Denial
// when it would be refused, and any other error when state is unreadable.
func (t *Tracker) CanEarn(ctx context.Context, habitID string, at time.Time) error {
	def, err := t.registry.Get(ctx, habitID)
	if err != nil {
		return err
	}
	p, err := t.progressFor(ctx, def, t.DayOf(at))
	if err != nil {
		return err
	}
	return check(def, p, at)
}

func check(def model.HabitDefinition, p model.HabitProgress, at time.Time) error {
	if !def.Enabled {
		return heikeErrors.HabitDisabled(def.ID)
	}
	if p.CurrentValue >= def.DailyCapUnits {
		return heikeErrors.DailyCapReached(def.ID, def.DailyCapUnits)
	}
	if def.Cooldown > 0 && !p.LastEarnedAt.IsZero() {
		if elapsed := at.Sub(p.LastEarnedAt); elapsed < def.Cooldown {
			return heikeErrors.CooldownActive(def.ID, def.Cooldown-elapsed)
		}
	}
	return nil
}

func (t *Tracker) progressFor(ctx context.Context, def model.HabitDefinition, day model.Day) (model.HabitProgress, error) {
	p, found, err := t.store.GetProgress(ctx, def.ID, day)
	if err != nil {
		return model.HabitProgress{}, err
	}
	if !found {
		return model.HabitProgress{HabitID: def.ID, Day: day, TargetValue: def.DailyTarget}, nil
	}
	return p, nil
}

// Record counts units for habitID at `at` and credits the ledger for the
// units that fit under the daily cap. A key that was already recorded returns
// the progress of the day it was recorded on, whatever the clock says now.
func (t *Tracker) Record(ctx context.Context, habitID string, units int64, at time.Time, key string) (model.HabitProgress, error) {
	if strings.TrimSpace(key) == "" {
		return model.HabitProgress{}, heikeErrors.InvalidConfig("habit record requires an idempotency key")
	}
	if units <= 0 {
		return model.HabitProgress{}, heikeErrors.InvalidConfig(fmt.Sprintf("habit %s: units must be positive, got %d", habitID, units))
	}
	if logger.GetOperationID(ctx) == "" {
		ctx = logger.WithOperationID(ctx, key)
	}

	t.locks.Lock(habitID)
	defer t.locks.Unlock(habitID)

	prior, found, err := t.ledger.Lookup(ctx, key)
	if err != nil {
		return model.HabitProgress{}, err
	}
	if found {
		return t.replay(ctx, prior)
	}

	def, err := t.registry.Get(ctx, habitID)
	if err != nil {
		return model.HabitProgress{}, err
	}
	day := t.DayOf(at)
	p, err := t.progressFor(ctx, def, day)
	if err != nil {
		return model.HabitProgress{}, err
	}
	if err := check(def, p, at); err != nil {
		logger.From(ctx).Debug("Habit record denied", "habit", habitID, "reason", err)
		return model.HabitProgress{}, err
	}

	// check guarantees before < cap, so the room left is positive and the
	// sum below cannot overflow however large units is.
	before := max(p.CurrentValue, 0)
	applied := min(units, def.DailyCapUnits-before)
	after := before + applied
	credits := def.CreditsBetween(before, after)
	wasCompleted := p.IsCompleted

	p.CurrentValue = after
	p.IsCompleted = wasCompleted || after >= p.TargetValue
	p.LastEarnedAt = at
	p.UpdatedAt = t.Now()

	res, err := t.ledger.Append(ctx, ledger.Entry{
		Delta:          credits,
		Reason:         model.HabitReason(habitID),
		IdempotencyKey: key,
		HabitID:        habitID,
		Timestamp:      at,
		Metadata: map[string]string{
			model.MetaDay:            string(day),
			model.MetaUnitsRequested: strconv.FormatInt(units, 10),
			model.MetaUnitsApplied:   strconv.FormatInt(applied, 10),
			model.MetaValueBefore:    strconv.FormatInt(before, 10),
			model.MetaValueAfter:     strconv.FormatInt(after, 10),
			model.MetaCompleted:      strconv.FormatBool(p.IsCompleted),
		},
	})
	if err != nil {
		return model.HabitProgress{}, fmt.Errorf("credit habit %s: %w", habitID, err)
	}
	if res.Replayed {
		// same key recorded for another habit
		return t.replay(ctx, res.Transaction)
	}

	if err := t.store.PutProgress(ctx, p); err != nil {
		return model.HabitProgress{}, fmt.Errorf("save habit progress: %w", err)
	}

	if !wasCompleted && p.IsCompleted {
		if p, err = t.completed(ctx, p); err != nil {
			return p, err
		}
	}

	logger.From(ctx).Info("Habit recorded",
		"habit", habitID,
		"day", day,
		"units", units,
		"applied", applied,
		"credits", credits,
		"value", after,
		"completed", p.IsCompleted,
	)
	t.publishProgress(p)
	return p, nil
}

// completed notifies the streak observer and stores the resulting count on p.
func (t *Tracker) completed(ctx context.Context, p model.HabitProgress) (model.HabitProgress, error) {
	if t.streaks == nil {
		return p, nil
	}
	s, err := t.streaks.OnCompleted(ctx, p.HabitID, p.Day)
	if err != nil {
		return p, fmt.Errorf("update streak for %s: %w", p.HabitID, err)
	}
	if s.LastEarnedDay != p.Day || s.CurrentStreakDays == p.StreakCount {
		return p, nil
	}
	p.StreakCount = s.CurrentStreakDays
	if err := t.store.PutProgress(ctx, p); err != nil {
		return p, fmt.Errorf("save habit progress: %w", err)
	}
	return p, nil
}

// replay returns the progress a recorded transaction produced, even when
// later records have moved the day's counter on. A progress row that lags its
// transaction (the write after the ledger append never landed) is brought
// forward from the transaction metadata.
func (t *Tracker) replay(ctx context.Context, tx model.Transaction) (model.HabitProgress, error) {
	day := model.Day(tx.Metadata[model.MetaDay])
	if day.IsZero() {
		day = t.DayOf(tx.Timestamp)
	}

	p, found, err := t.store.GetProgress(ctx, tx.HabitID, day)
	if err != nil {
		return model.HabitProgress{}, err
	}

	after, ok := tx.MetaInt(model.MetaValueAfter)
	if !ok {
		if !found {
			p = model.HabitProgress{HabitID: tx.HabitID, Day: day}
		}
		return p, nil
	}
	if found && p.CurrentValue >= after {
		p.CurrentValue = after
		p.IsCompleted = tx.MetaBool(model.MetaCompleted)
		p.LastEarnedAt = tx.Timestamp
		return p, nil
	}

	if !found {
		p = model.HabitProgress{HabitID: tx.HabitID, Day: day}
		if def, err := t.registry.Get(ctx, tx.HabitID); err == nil {
			p.TargetValue = def.DailyTarget
		}
	}
	wasCompleted := p.IsCompleted
	p.CurrentValue = after
	p.IsCompleted = wasCompleted || tx.MetaBool(model.MetaCompleted)
	p.LastEarnedAt = tx.Timestamp
	p.UpdatedAt = t.Now()

	logger.From(ctx).Warn("Repairing habit progress from ledger", "habit", tx.HabitID, "day", day, "value", after)
	if err := t.store.PutProgress(ctx, p); err != nil {
		return model.HabitProgress{}, fmt.Errorf("repair habit progress: %w", err)
	}
	if !wasCompleted && p.IsCompleted {
		if p, err = t.completed(ctx, p); err != nil {
			return p, err
		}
	}
	t.publishProgress(p)
	return p, nil
}

func (t *Tracker) publishProgress(p model.HabitProgress) {
	snapshot := p
	t.publisher.Publish(events.Event{
		Kind:     events.ProgressChanged,
		At:       p.UpdatedAt,
		HabitID:  p.HabitID,
		Progress: &snapshot,
	})
}

// Progress returns the counter of habitID on day, zero valued if nothing was
// recorded yet.
func (t *Tracker) Progress(ctx context.Context, habitID string, day model.Day) (model.HabitProgress, error) {
	def, err := t.registry.Get(ctx, habitID)
	if err != nil {
		return model.HabitProgress{}, err
	}
	return t.progressFor(ctx, def, day)
}

// Today returns the progress of every enabled habit for the day of `at`.
func (t *Tracker) Today(ctx context.Context, at time.Time) ([]model.HabitProgress, error) {
	defs, err := t.registry.All(ctx)
	if err != nil {
		return nil, err
	}
	day := t.DayOf(at)
	out := make([]model.HabitProgress, 0, len(defs))
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		p, err := t.progressFor(ctx, def, day)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// History lists stored progress of habitID between from and to inclusive.
func (t *Tracker) History(ctx context.Context, habitID string, from, to model.Day) ([]model.HabitProgress, error) {
	return t.store.ListProgress(ctx, store.ProgressFilter{HabitID: habitID, From: from, To: to})
}

// NextEligibleAt reports when a record for habitID will be paid again: `at`
// itself, the end of the cooldown, or the start of the next day once the cap
// is reached. A disabled habit returns its denial.
func (t *Tracker) NextEligibleAt(ctx context.Context, habitID string, at time.Time) (time.Time, error) {
	err := t.CanEarn(ctx, habitID, at)
	if err == nil {
		return at, nil
	}
	d, ok := heikeErrors.AsDenial(err)
	if !ok {
		return time.Time{}, err
	}
	switch d.Reason {
	case heikeErrors.ReasonCooldownActive:
		return at.Add(d.Remaining), nil
	case heikeErrors.ReasonDailyCapReached:
		return t.DayOf(at).Next().Start(t.loc), nil
	default:
		return time.Time{}, err
	}
}
