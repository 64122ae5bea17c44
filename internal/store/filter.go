package store

import (
	"sort"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/stepunlock/internal/model"
)

func (f TxFilter) Match(tx model.Transaction) bool {
	if f.Reason != "" && tx.Reason != f.Reason {
		return false
	}
	if f.HabitID != "" && tx.HabitID != f.HabitID {
		return false
	}
	if f.AppID != "" && tx.AppID != f.AppID {
		return false
	}
	if f.BeforeID > 0 && tx.ID >= f.BeforeID {
		return false
	}
	return inWindow(tx.Timestamp, f.Since, f.Until)
}

func (f ProgressFilter) Match(p model.HabitProgress) bool {
	if f.HabitID != "" && p.HabitID != f.HabitID {
		return false
	}
	if !f.From.IsZero() && p.Day.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && p.Day.After(f.To) {
		return false
	}
	return !f.CompletedOnly || p.IsCompleted
}

func (f SessionFilter) Match(s model.UnlockSession) bool {
	if f.PackageID != "" && s.PackageID != f.PackageID {
		return false
	}
	if f.OpenOnly && s.EndedAt != nil {
		return false
	}
	return inWindow(s.StartedAt, f.Since, f.Until)
}

func inWindow(at, since, until time.Time) bool {
	if !since.IsZero() && at.Before(since) {
		return false
	}
	if !until.IsZero() && !at.Before(until) {
		return false
	}
	return true
}

// SortProgress orders by day, then habit id.
func SortProgress(rows []model.HabitProgress) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Day != rows[j].Day {
			return rows[i].Day.Before(rows[j].Day)
		}
		return rows[i].HabitID < rows[j].HabitID
	})
}

// SortSessions orders newest first; ties break on id for a stable listing.
func SortSessions(rows []model.UnlockSession) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].StartedAt.Equal(rows[j].StartedAt) {
			return rows[i].StartedAt.After(rows[j].StartedAt)
		}
		return rows[i].ID > rows[j].ID
	})
}

// BalanceForward builds the entry that carries purged deltas. Every purge gets
// its own key, so purging twice with the same cutoff adds a second row.
func BalanceForward(delta int64, purged int, before time.Time) model.Transaction {
	return model.Transaction{
		Delta:          delta,
		Reason:         model.ReasonBalanceForward,
		IdempotencyKey: model.ReasonBalanceForward + ":" + before.UTC().Format(time.RFC3339Nano) + ":" + ulid.Make().String(),
		Timestamp:      before,
		Metadata: map[string]string{
			"purged_count": strconv.Itoa(purged),
		},
	}
}
