package ledger_test

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/events"
	"github.com/harunnryd/stepunlock/internal/ledger"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	l := ledger.New(storetest.NewWorker(t), opts...)
	l.Now = func() time.Time { return t0 }
	return l
}

func earn(t *testing.T, l *ledger.Ledger, key string, delta int64, habitID string, at time.Time) {
	t.Helper()
	_, err := l.Append(context.Background(), ledger.Entry{
		Delta:          delta,
		Reason:         model.HabitReason(habitID),
		IdempotencyKey: key,
		HabitID:        habitID,
		Timestamp:      at,
	})
	require.NoError(t, err)
}

func TestAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	l := newLedger(t, ledger.WithPublisher(rec))

	first, err := l.Append(ctx, ledger.Entry{Delta: 7, Reason: model.HabitReason("water"), HabitID: "water", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, int64(7), first.Balance)
	assert.Equal(t, t0, first.Transaction.Timestamp)

	second, err := l.Append(ctx, ledger.Entry{Delta: 99, Reason: model.HabitReason("water"), HabitID: "water", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction, second.Transaction)

	bal, err := l.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal)
	assert.Equal(t, 1, rec.count())
}

func TestAppendRequiresKeyAndReason(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	_, err := l.Append(ctx, ledger.Entry{Delta: 1, Reason: "x"})
	assert.ErrorIs(t, err, heikeErrors.ErrInvalidConfig)

	_, err = l.Append(ctx, ledger.Entry{Delta: 1, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, heikeErrors.ErrInvalidConfig)
}

func TestSpendBelowZeroIsDenied(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	l := newLedger(t, ledger.WithPublisher(rec))
	earn(t, l, "seed", 5, "journal", t0)

	res, err := l.Append(ctx, ledger.Entry{Delta: -10, Reason: model.UnlockReason("com.video"), AppID: "com.video", IdempotencyKey: "spend"})
	require.Error(t, err)
	assert.ErrorIs(t, err, heikeErrors.ErrInsufficientCredits)
	assert.Equal(t, int64(5), res.Balance)

	d, ok := heikeErrors.AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, int64(5), d.Balance)
	assert.Equal(t, int64(10), d.Required)
	assert.Equal(t, int64(5), d.Shortfall)
	assert.Equal(t, "com.video", d.PackageID)

	bal, err := l.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)
	_, found, err := l.Lookup(ctx, "spend")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, rec.count())
}

func TestBalanceNeverNegative(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	rng := rand.New(rand.NewSource(42))

	var sum int64
	for i := 0; i < 200; i++ {
		delta := int64(rng.Intn(21) - 12)
		res, err := l.Append(ctx, ledger.Entry{Delta: delta, Reason: "test", IdempotencyKey: "k" + strconv.Itoa(i)})
		if err != nil {
			require.True(t, heikeErrors.IsDenial(err), "unexpected error: %v", err)
			continue
		}
		sum += delta
		assert.Equal(t, sum, res.Balance)
		assert.GreaterOrEqual(t, res.Balance, int64(0))
	}

	var fromLog int64
	for tx, err := range l.TransactionsBy(ctx, ledger.Filter{}) {
		require.NoError(t, err)
		fromLog += tx.Delta
	}
	bal, err := l.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, sum, bal)
	assert.Equal(t, fromLog, bal)
}

func TestTransactionsByPagesAndRestarts(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.WithPageSize(2))
	for i := 0; i < 5; i++ {
		earn(t, l, "s"+strconv.Itoa(i), 1, "steps", t0.Add(time.Duration(i)*time.Minute))
	}
	earn(t, l, "w0", 1, "water", t0)

	collect := func() []string {
		var keys []string
		for tx, err := range l.TransactionsBy(ctx, ledger.Filter{HabitID: "steps"}) {
			require.NoError(t, err)
			keys = append(keys, tx.IdempotencyKey)
		}
		return keys
	}

	want := []string{"s4", "s3", "s2", "s1", "s0"}
	assert.Equal(t, want, collect())
	assert.Equal(t, want, collect())

	var first []string
	for tx, err := range l.TransactionsBy(ctx, ledger.Filter{}) {
		require.NoError(t, err)
		first = append(first, tx.IdempotencyKey)
		if len(first) == 3 {
			break
		}
	}
	assert.Equal(t, []string{"w0", "s4", "s3"}, first)
}

func TestTransactionsByReportsErrors(t *testing.T) {
	l := newLedger(t)
	earn(t, l, "k", 1, "steps", t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got error
	for _, err := range l.TransactionsBy(ctx, ledger.Filter{}) {
		got = err
	}
	assert.True(t, errors.Is(got, context.Canceled))
}

func TestSummaries(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	earn(t, l, "a", 10, "steps", t0)
	earn(t, l, "b", 4, "water", t0.Add(time.Hour))
	_, err := l.Append(ctx, ledger.Entry{Delta: -6, Reason: model.UnlockReason("p"), AppID: "p", IdempotencyKey: "c", Timestamp: t0.Add(2 * time.Hour)})
	require.NoError(t, err)

	sum, err := l.Summary(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, ledger.Summary{Earned: 14, Spent: 6, Net: 8, Count: 3}, sum)

	since, err := l.BalanceSince(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(-2), since)

	byHabit, err := l.CreditsByHabit(ctx, time.Time{}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"steps": 10}, byHabit)
}

func TestWelcomeBonusOnce(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	res, err := l.GrantWelcomeBonus(ctx, 100)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, model.ReasonWelcomeBonus, res.Transaction.Reason)

	res, err = l.GrantWelcomeBonus(ctx, 100)
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	bal, err := l.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	_, err = l.GrantWelcomeBonus(ctx, 0)
	assert.ErrorIs(t, err, heikeErrors.ErrInvalidConfig)
}

func TestPurgeKeepsBalanceAndBlocksReplay(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	earn(t, l, "old1", 10, "steps", t0.Add(-48*time.Hour))
	earn(t, l, "old2", 5, "water", t0.Add(-47*time.Hour))
	earn(t, l, "new", 3, "water", t0)

	n, err := l.PurgeOlderThan(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bal, err := l.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(18), bal)

	_, err = l.Append(ctx, ledger.Entry{Delta: 10, Reason: model.HabitReason("steps"), IdempotencyKey: "old1"})
	assert.ErrorIs(t, err, heikeErrors.ErrNotFound)

	fwd, err := l.Page(ctx, ledger.Filter{Reason: model.ReasonBalanceForward}, 0, 10)
	require.NoError(t, err)
	require.Len(t, fwd, 1)
	assert.Equal(t, int64(15), fwd[0].Delta)
}
