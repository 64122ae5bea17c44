package store

import (
	"context"
	"time"

	"github.com/harunnryd/stepunlock/internal/model"
)

// AppendResult reports what an AppendTransaction call did.
type AppendResult struct {
	Transaction model.Transaction
	// Duplicate is true when the idempotency key was already present and the
	// stored transaction was returned untouched.
	Duplicate bool
	// Balance is the ledger balance after the call.
	Balance int64
}

// TxFilter selects transactions. Results are ordered newest first (by id).
type TxFilter struct {
	Reason   string
	HabitID  string
	AppID    string
	Since    time.Time // inclusive, zero = unbounded
	Until    time.Time // exclusive, zero = unbounded
	BeforeID int64     // page cursor, 0 = from newest
	Limit    int       // 0 = all
}

// Totals aggregates ledger deltas over a time window.
type Totals struct {
	Earned  int64
	Spent   int64 // positive number of credits spent
	Count   int
	ByHabit map[string]int64
}

func (t Totals) Net() int64 {
	return t.Earned - t.Spent
}

// ProgressFilter selects progress rows. Results are ordered by day ascending.
type ProgressFilter struct {
	HabitID       string
	From          model.Day // inclusive, zero = unbounded
	To            model.Day // inclusive, zero = unbounded
	CompletedOnly bool
}

// SessionFilter selects unlock sessions. Results are ordered newest first.
type SessionFilter struct {
	PackageID string
	OpenOnly  bool      // ended_at unset
	Since     time.Time // started_at >= Since
	Until     time.Time // started_at < Until
}

// Store is the durable state of the economy engine. Implementations must
// make AppendTransaction atomic with its balance check and must never expose
// a partially applied write to readers.
type Store interface {
	// AppendTransaction stores tx unless its idempotency key is known. When
	// enforceFloor is set and tx.Delta is negative, the call fails with an
	// InsufficientCredits denial if balance + delta would drop below zero.
	// A key that was purged fails with ErrNotFound.
	AppendTransaction(ctx context.Context, tx model.Transaction, enforceFloor bool) (AppendResult, error)
	TransactionByKey(ctx context.Context, key string) (model.Transaction, bool, error)
	ListTransactions(ctx context.Context, filter TxFilter) ([]model.Transaction, error)
	Balance(ctx context.Context) (int64, error)
	LedgerTotals(ctx context.Context, since, until time.Time) (Totals, error)
	// PurgeTransactions removes transactions older than before. The purged
	// deltas are folded into one balance_forward entry so the balance holds.
	PurgeTransactions(ctx context.Context, before time.Time) (int, error)

	ListHabits(ctx context.Context) ([]model.HabitDefinition, error)
	GetHabit(ctx context.Context, id string) (model.HabitDefinition, error)
	PutHabit(ctx context.Context, def model.HabitDefinition) error

	GetProgress(ctx context.Context, habitID string, day model.Day) (model.HabitProgress, bool, error)
	PutProgress(ctx context.Context, p model.HabitProgress) error
	ListProgress(ctx context.Context, filter ProgressFilter) ([]model.HabitProgress, error)

	GetStreak(ctx context.Context, habitID string) (model.Streak, bool, error)
	PutStreak(ctx context.Context, s model.Streak) error
	ListStreaks(ctx context.Context) ([]model.Streak, error)

	GetRule(ctx context.Context, packageID string) (model.AppRule, error)
	PutRule(ctx context.Context, rule model.AppRule) error
	DeleteRule(ctx context.Context, packageID string) error
	ListRules(ctx context.Context) ([]model.AppRule, error)

	PutSession(ctx context.Context, s model.UnlockSession) error
	GetSession(ctx context.Context, id string) (model.UnlockSession, error)
	SessionByKey(ctx context.Context, key string) (model.UnlockSession, bool, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.UnlockSession, error)
	// EndSession sets ended_at once; an already ended session is returned unchanged.
	EndSession(ctx context.Context, id string, at time.Time, reason model.SessionEndReason) (model.UnlockSession, error)
	// EndExpiredSessions ends every open session whose expiry is <= at, with
	// ended_at set to its own expiry instant.
	EndExpiredSessions(ctx context.Context, at time.Time) ([]model.UnlockSession, error)
	PurgeSessions(ctx context.Context, before time.Time) (int, error)

	Close() error
}
