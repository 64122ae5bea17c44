// Package ledger is the append-only record of every credit-affecting event.
// The balance is always derived from the stored transactions.
package ledger

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/events"
	"github.com/harunnryd/stepunlock/internal/logger"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"
)

const (
	DefaultPageSize = 100

	// WelcomeBonusKey is the idempotency key of the one-time start bonus.
	WelcomeBonusKey = "welcome_bonus"
)

// Entry is a transaction that has not been appended yet.
type Entry struct {
	Delta          int64
	Reason         string
	IdempotencyKey string
	HabitID        string
	AppID          string
	Metadata       map[string]string
	// Timestamp defaults to the ledger clock.
	Timestamp time.Time
}

// Result is the outcome of Append.
type Result struct {
	Transaction model.Transaction
	// Replayed is set when the key was already in the ledger and nothing was written.
	Replayed bool
	Balance  int64
}

// Filter narrows TransactionsBy. Empty fields match everything.
type Filter struct {
	Reason  string
	HabitID string
	AppID   string
	Since   time.Time
	Until   time.Time
}

type Summary struct {
	Earned int64 `json:"earned"`
	Spent  int64 `json:"spent"`
	Net    int64 `json:"net"`
	Count  int   `json:"count"`
}

type Ledger struct {
	store     store.Store
	publisher events.Publisher
	pageSize  int

	Now func() time.Time
}

type Option func(*Ledger)

func WithPublisher(p events.Publisher) Option {
	return func(l *Ledger) {
		if p != nil {
			l.publisher = p
		}
	}
}

// WithPageSize sets how many rows TransactionsBy fetches per store query.
func WithPageSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     st,
		publisher: events.Nop{},
		pageSize:  DefaultPageSize,
		Now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores e unless its idempotency key is already known, in which case
// the original transaction is returned untouched. A spend that would take the
// balance below zero fails with an InsufficientCredits denial and writes
// nothing.
func (l *Ledger) Append(ctx context.Context, e Entry) (Result, error) {
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return Result{}, heikeErrors.InvalidConfig("ledger entry requires an idempotency key")
	}
	if strings.TrimSpace(e.Reason) == "" {
		return Result{}, heikeErrors.InvalidConfig("ledger entry requires a reason")
	}
	at := e.Timestamp
	if at.IsZero() {
		at = l.Now()
	}

	res, err := l.store.AppendTransaction(ctx, model.Transaction{
		Delta:          e.Delta,
		Reason:         e.Reason,
		HabitID:        e.HabitID,
		AppID:          e.AppID,
		IdempotencyKey: e.IdempotencyKey,
		Timestamp:      at,
		Metadata:       e.Metadata,
	}, true)
	if err != nil {
		if d, ok := heikeErrors.AsDenial(err); ok {
			if d.PackageID == "" {
				d.PackageID = e.AppID
			}
			return Result{Balance: d.Balance}, err
		}
		return Result{}, err
	}

	if res.Duplicate {
		logger.From(ctx).Debug("Ledger append replayed", "key", e.IdempotencyKey, "id", res.Transaction.ID)
		return Result{Transaction: res.Transaction, Replayed: true, Balance: res.Balance}, nil
	}

	logger.From(ctx).Debug("Ledger append", "id", res.Transaction.ID, "delta", e.Delta, "reason", e.Reason, "balance", res.Balance)
	l.publisher.Publish(events.Event{
		Kind:      events.BalanceChanged,
		At:        res.Transaction.Timestamp,
		Balance:   res.Balance,
		Delta:     res.Transaction.Delta,
		Reason:    res.Transaction.Reason,
		HabitID:   res.Transaction.HabitID,
		PackageID: res.Transaction.AppID,
	})
	return Result{Transaction: res.Transaction, Balance: res.Balance}, nil
}

// Lookup returns the transaction stored under key, if any.
func (l *Ledger) Lookup(ctx context.Context, key string) (model.Transaction, bool, error) {
	if key == "" {
		return model.Transaction{}, false, nil
	}
	return l.store.TransactionByKey(ctx, key)
}

func (l *Ledger) Balance(ctx context.Context) (int64, error) {
	return l.store.Balance(ctx)
}

// BalanceSince is the net of every transaction at or after t.
func (l *Ledger) BalanceSince(ctx context.Context, t time.Time) (int64, error) {
	totals, err := l.store.LedgerTotals(ctx, t, time.Time{})
	if err != nil {
		return 0, err
	}
	return totals.Net(), nil
}

// TransactionsBy yields matching transactions newest first. Each range over
// the sequence queries the store again, one page at a time.
func (l *Ledger) TransactionsBy(ctx context.Context, f Filter) iter.Seq2[model.Transaction, error] {
	return func(yield func(model.Transaction, error) bool) {
		var before int64
		for {
			page, err := l.Page(ctx, f, before, l.pageSize)
			if err != nil {
				yield(model.Transaction{}, err)
				return
			}
			for _, tx := range page {
				if !yield(tx, nil) {
					return
				}
			}
			if len(page) < l.pageSize {
				return
			}
			before = page[len(page)-1].ID
		}
	}
}

// Page returns up to limit transactions with an id below beforeID (0 starts
// at the newest).
func (l *Ledger) Page(ctx context.Context, f Filter, beforeID int64, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = l.pageSize
	}
	return l.store.ListTransactions(ctx, store.TxFilter{
		Reason:   f.Reason,
		HabitID:  f.HabitID,
		AppID:    f.AppID,
		Since:    f.Since,
		Until:    f.Until,
		BeforeID: beforeID,
		Limit:    limit,
	})
}

func (l *Ledger) Summary(ctx context.Context, since, until time.Time) (Summary, error) {
	totals, err := l.store.LedgerTotals(ctx, since, until)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Earned: totals.Earned,
		Spent:  totals.Spent,
		Net:    totals.Net(),
		Count:  totals.Count,
	}, nil
}

// CreditsByHabit reports credits earned per habit in the window.
func (l *Ledger) CreditsByHabit(ctx context.Context, since, until time.Time) (map[string]int64, error) {
	totals, err := l.store.LedgerTotals(ctx, since, until)
	if err != nil {
		return nil, err
	}
	return totals.ByHabit, nil
}

// GrantWelcomeBonus credits amount once per ledger lifetime.
func (l *Ledger) GrantWelcomeBonus(ctx context.Context, amount int64) (Result, error) {
	if amount <= 0 {
		return Result{}, heikeErrors.InvalidConfig(fmt.Sprintf("welcome bonus must be positive, got %d", amount))
	}
	return l.Append(ctx, Entry{
		Delta:          amount,
		Reason:         model.ReasonWelcomeBonus,
		IdempotencyKey: WelcomeBonusKey,
	})
}

// PurgeOlderThan drops transactions before t. Their net is carried in one
// balance_forward entry and their keys can never be appended again.
func (l *Ledger) PurgeOlderThan(ctx context.Context, t time.Time) (int, error) {
	n, err := l.store.PurgeTransactions(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("purge ledger: %w", err)
	}
	if n > 0 {
		logger.From(ctx).Info("Ledger purged", "count", n, "before", t)
	}
	return n, nil
}
