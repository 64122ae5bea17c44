// Package engine wires the ledger, habit tracking, streaks, app rules and
// unlock sessions into the single entry point hosts talk to.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/stepunlock/internal/access"
	"github.com/harunnryd/stepunlock/internal/apps"
	"github.com/harunnryd/stepunlock/internal/config"
	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/events"
	"github.com/harunnryd/stepunlock/internal/habit"
	"github.com/harunnryd/stepunlock/internal/ledger"
	"github.com/harunnryd/stepunlock/internal/logger"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"
	"github.com/harunnryd/stepunlock/internal/streak"
	"github.com/harunnryd/stepunlock/internal/unlock"
)

type Options struct {
	// Location decides calendar days. Defaults to time.Local.
	Location     *time.Location
	PageSize     int
	WelcomeBonus int64
	// Habits are seeded by Bootstrap when absent from the registry.
	Habits     []model.HabitDefinition
	Classifier apps.Classifier
	Bus        *events.Bus
	Now        func() time.Time
}

// OptionsFromConfig resolves the engine, habits and apps sections.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	loc, err := config.LocationOrLocal(cfg.Engine.Timezone)
	if err != nil {
		return Options{}, heikeErrors.InvalidConfig(fmt.Sprintf("engine.timezone: %v", err))
	}
	habits, err := habit.DefinitionsFromConfig(cfg.Habits)
	if err != nil {
		return Options{}, err
	}
	classifier, err := apps.NewKeywordClassifier(cfg.Apps)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Location:     loc,
		PageSize:     cfg.Engine.PageSize,
		WelcomeBonus: cfg.Engine.WelcomeBonus,
		Habits:       habits,
		Classifier:   classifier,
	}, nil
}

// PurgeReport counts what Purge removed.
type PurgeReport struct {
	Transactions int `json:"transactions"`
	Sessions     int `json:"sessions"`
}

type Engine struct {
	store      store.Store
	bus        *events.Bus
	ledger     *ledger.Ledger
	registry   *habit.Registry
	tracker    *habit.Tracker
	streaks    *streak.Calculator
	rules      *apps.RuleStore
	sessions   *unlock.Manager
	query      *access.Query
	classifier apps.Classifier
	opts       Options
	now        func() time.Time
}

func New(st store.Store, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Classifier == nil {
		opts.Classifier = apps.ClassifierFunc(func(apps.InstalledApp) apps.Classification {
			d, _ := time.ParseDuration(config.DefaultAppsUnlockDuration)
			return apps.Classification{
				Category:       model.CategoryOther,
				UnlockCost:     config.DefaultAppsUnlockCost,
				UnlockDuration: d,
			}
		})
	}

	bus := opts.Bus
	l := ledger.New(st, ledger.WithPublisher(bus), ledger.WithPageSize(opts.PageSize))
	l.Now = opts.Now
	registry := habit.NewRegistry(st)
	streaks := streak.NewCalculator(st, bus)
	tracker := habit.NewTracker(st, registry, l,
		habit.WithLocation(opts.Location),
		habit.WithStreaks(streaks),
		habit.WithPublisher(bus),
	)
	tracker.Now = opts.Now
	rules := apps.NewRuleStore(st, bus)
	rules.Now = opts.Now
	sessions := unlock.NewManager(st, l, rules, bus)
	sessions.Now = opts.Now

	return &Engine{
		store:      st,
		bus:        bus,
		ledger:     l,
		registry:   registry,
		tracker:    tracker,
		streaks:    streaks,
		rules:      rules,
		sessions:   sessions,
		query:      access.NewQuery(rules, sessions),
		classifier: opts.Classifier,
		opts:       opts,
		now:        opts.Now,
	}
}

// Bootstrap seeds missing habits and grants the welcome bonus once. Safe to
// call on every start.
func (e *Engine) Bootstrap(ctx context.Context) error {
	seeded, err := e.registry.Seed(ctx, e.opts.Habits)
	if err != nil {
		return fmt.Errorf("seed habits: %w", err)
	}
	if e.opts.WelcomeBonus > 0 {
		res, err := e.ledger.GrantWelcomeBonus(ctx, e.opts.WelcomeBonus)
		if err != nil {
			return fmt.Errorf("grant welcome bonus: %w", err)
		}
		if !res.Replayed {
			logger.From(ctx).Info("Welcome bonus granted", "credits", e.opts.WelcomeBonus)
		}
	}
	if seeded > 0 {
		logger.From(ctx).Info("Habit registry seeded", "habits", seeded)
	}
	return nil
}

// HabitKey is the key NotifyHabitUnits derives when the caller sends none.
func HabitKey(habitID string, at time.Time, units int64) string {
	return fmt.Sprintf("habit:%s:%d:%d", habitID, at.UnixNano(), units)
}

// NotifyHabitUnits reports units of habitID performed at `at`. A zero `at`
// means now; an empty key is derived from the event itself.
func (e *Engine) NotifyHabitUnits(ctx context.Context, habitID string, units int64, at time.Time, key string) (model.HabitProgress, error) {
	if at.IsZero() {
		at = e.now()
	}
	if strings.TrimSpace(key) == "" {
		key = HabitKey(habitID, at, units)
	}
	return e.tracker.Record(ctx, habitID, units, at, key)
}

// QueryLockState evaluates the lock of packageID at `at`, or now when zero.
func (e *Engine) QueryLockState(ctx context.Context, packageID string, at time.Time) (access.LockState, error) {
	if at.IsZero() {
		at = e.now()
	}
	return e.query.State(ctx, packageID, at)
}

func (e *Engine) IsAppAccessible(ctx context.Context, packageID string, at time.Time) (bool, error) {
	if at.IsZero() {
		at = e.now()
	}
	return e.query.IsAppAccessible(ctx, packageID, at)
}

// RequestUnlock buys access to packageID. A zero duration buys the rule's
// own unlock duration.
func (e *Engine) RequestUnlock(ctx context.Context, packageID string, duration time.Duration, key string) (unlock.Result, error) {
	if duration == 0 {
		rule, found, err := e.rules.Lookup(ctx, packageID)
		if err != nil {
			return unlock.Result{}, err
		}
		if found {
			duration = rule.UnlockDuration
		}
	}
	return e.sessions.Unlock(ctx, packageID, duration, key)
}

func (e *Engine) RevokeSession(ctx context.Context, sessionID string) (model.UnlockSession, error) {
	return e.sessions.Revoke(ctx, sessionID, e.now())
}

func (e *Engine) RevokeAll(ctx context.Context) (int, error) {
	return e.sessions.RevokeAll(ctx, e.now())
}

// SyncApps reconciles app rules with the installed package list.
func (e *Engine) SyncApps(ctx context.Context, installed []apps.InstalledApp) (apps.SyncReport, error) {
	return e.rules.Sync(ctx, installed, e.classifier)
}

// Sweep closes sessions that expired by `at`.
func (e *Engine) Sweep(ctx context.Context, at time.Time) (int, error) {
	if at.IsZero() {
		at = e.now()
	}
	return e.sessions.SweepExpired(ctx, at)
}

// Purge drops ledger rows and ended sessions older than before. The balance
// is preserved by a balance_forward row.
func (e *Engine) Purge(ctx context.Context, before time.Time) (PurgeReport, error) {
	var report PurgeReport
	n, err := e.ledger.PurgeOlderThan(ctx, before)
	if err != nil {
		return report, err
	}
	report.Transactions = n
	n, err = e.sessions.PurgeOlderThan(ctx, before)
	if err != nil {
		return report, err
	}
	report.Sessions = n
	return report, nil
}

func (e *Engine) Balance(ctx context.Context) (int64, error) {
	return e.ledger.Balance(ctx)
}

// Transactions returns one page of history, newest first. A zero beforeID
// starts at the newest row.
func (e *Engine) Transactions(ctx context.Context, f ledger.Filter, beforeID int64, limit int) ([]model.Transaction, error) {
	return e.ledger.Page(ctx, f, beforeID, limit)
}

func (e *Engine) Summary(ctx context.Context, since, until time.Time) (ledger.Summary, error) {
	return e.ledger.Summary(ctx, since, until)
}

func (e *Engine) Habits(ctx context.Context) ([]model.HabitDefinition, error) {
	return e.registry.All(ctx)
}

func (e *Engine) TodayProgress(ctx context.Context) ([]model.HabitProgress, error) {
	return e.tracker.Today(ctx, e.now())
}

func (e *Engine) Streaks(ctx context.Context) ([]model.Streak, error) {
	return e.streaks.All(ctx)
}

func (e *Engine) Rules(ctx context.Context) ([]model.AppRule, error) {
	return e.rules.List(ctx)
}

func (e *Engine) ActiveSessions(ctx context.Context) ([]model.UnlockSession, error) {
	return e.sessions.ActiveSessions(ctx, e.now())
}

func (e *Engine) Bus() *events.Bus                     { return e.bus }
func (e *Engine) Ledger() *ledger.Ledger               { return e.ledger }
func (e *Engine) Registry() *habit.Registry            { return e.registry }
func (e *Engine) Tracker() *habit.Tracker              { return e.tracker }
func (e *Engine) StreakCalculator() *streak.Calculator { return e.streaks }
func (e *Engine) RuleStore() *apps.RuleStore           { return e.rules }
func (e *Engine) Sessions() *unlock.Manager            { return e.sessions }
func (e *Engine) Location() *time.Location             { return e.opts.Location }
