package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"
)

const txColumns = `id, delta, reason, habit_id, app_id, idempotency_key, ts, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (model.Transaction, error) {
	var (
		tx   model.Transaction
		ts   int64
		meta string
	)
	if err := row.Scan(&tx.ID, &tx.Delta, &tx.Reason, &tx.HabitID, &tx.AppID, &tx.IdempotencyKey, &ts, &meta); err != nil {
		return model.Transaction{}, err
	}
	tx.Timestamp = fromNanos(ts)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &tx.Metadata); err != nil {
			return model.Transaction{}, fmt.Errorf("decode metadata for transaction %d: %w", tx.ID, err)
		}
	}
	return tx, nil
}

func encodeMetadata(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balanceOf(ctx context.Context, q querier) (int64, error) {
	var balance int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(delta), 0) FROM transactions`).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func transactionByKey(ctx context.Context, q querier, key string) (model.Transaction, bool, error) {
	tx, err := scanTransaction(q.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Transaction{}, false, nil
	}
	if err != nil {
		return model.Transaction{}, false, err
	}
	return tx, true, nil
}

func (s *Store) AppendTransaction(ctx context.Context, tx model.Transaction, enforceFloor bool) (store.AppendResult, error) {
	if err := s.ready(ctx); err != nil {
		return store.AppendResult{}, err
	}
	if strings.TrimSpace(tx.IdempotencyKey) == "" {
		return store.AppendResult{}, heikeErrors.InvalidConfig("transaction requires an idempotency key")
	}
	meta, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return store.AppendResult{}, heikeErrors.StorageFailure("append transaction", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	dbtx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return store.AppendResult{}, heikeErrors.StorageFailure("append transaction", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	balance, err := balanceOf(ctx, dbtx)
	if err != nil {
		return store.AppendResult{}, heikeErrors.StorageFailure("append transaction", err)
	}

	existing, found, err := transactionByKey(ctx, dbtx, tx.IdempotencyKey)
	if err != nil {
		return store.AppendResult{}, heikeErrors.StorageFailure("append transaction", err)
	}
	if found {
		return store.AppendResult{Transaction: existing, Duplicate: true, Balance: balance}, nil
	}

	var purgedID int64
	err = dbtx.QueryRowContext(ctx, `SELECT transaction_id FROM purged_keys WHERE idempotency_key = ?`, tx.IdempotencyKey).Scan(&purgedID)
	switch {
	case err == nil:
		return store.AppendResult{}, heikeErrors.NotFound(fmt.Sprintf("transaction with idempotency key %q was purged", tx.IdempotencyKey))
	case !errors.Is(err, sql.ErrNoRows):
		return store.AppendResult{}, heikeErrors.StorageFailure("append transaction", err)
	}

	if enforceFloor && tx.Delta < 0 && balance+tx.Delta < 0 {
		return store.AppendResult{Balance: balance}, heikeErrors.InsufficientCredits(balance, -tx.Delta)
	}

	res, err := dbtx.ExecContext(ctx,
		`INSERT INTO transactions (delta, reason, habit_id, app_id, idempotency_key, ts, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.Delta, tx.Reason, tx.HabitID, tx.AppID, tx.IdempotencyKey, toNanos(tx.Timestamp), meta,
	)
	if err != nil {
		return store.AppendResult{}, heikeErrors.StorageFailure("append transaction", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return store.AppendResult{}, heikeErrors.StorageFailure("append transaction", err)
	}
	if err := dbtx.Commit(); err != nil {
		return store.AppendResult{}, heikeErrors.StorageFailure("append transaction", err)
	}

	tx.ID = id
	tx.Timestamp = fromNanos(toNanos(tx.Timestamp))
	return store.AppendResult{Transaction: tx, Balance: balance + tx.Delta}, nil
}

func (s *Store) TransactionByKey(ctx context.Context, key string) (model.Transaction, bool, error) {
	if err := s.ready(ctx); err != nil {
		return model.Transaction{}, false, err
	}
	tx, found, err := transactionByKey(ctx, s.sqlDB, key)
	if err != nil {
		return model.Transaction{}, false, heikeErrors.StorageFailure("transaction by key", err)
	}
	return tx, found, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter store.TxFilter) ([]model.Transaction, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.Reason != "" {
		where = append(where, "reason = ?")
		args = append(args, filter.Reason)
	}
	if filter.HabitID != "" {
		where = append(where, "habit_id = ?")
		args = append(args, filter.HabitID)
	}
	if filter.AppID != "" {
		where = append(where, "app_id = ?")
		args = append(args, filter.AppID)
	}
	if filter.BeforeID > 0 {
		where = append(where, "id < ?")
		args = append(args, filter.BeforeID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, toNanos(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, toNanos(filter.Until))
	}

	query := `SELECT ` + txColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, heikeErrors.StorageFailure("list transactions", err)
	}
	defer rows.Close()

	out := make([]model.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, heikeErrors.StorageFailure("list transactions", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, heikeErrors.StorageFailure("list transactions", err)
	}
	return out, nil
}

func (s *Store) Balance(ctx context.Context) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	balance, err := balanceOf(ctx, s.sqlDB)
	if err != nil {
		return 0, heikeErrors.StorageFailure("balance", err)
	}
	return balance, nil
}

func (s *Store) LedgerTotals(ctx context.Context, since, until time.Time) (store.Totals, error) {
	if err := s.ready(ctx); err != nil {
		return store.Totals{}, err
	}

	lo := int64(math.MinInt64)
	hi := int64(math.MaxInt64)
	if !since.IsZero() {
		lo = toNanos(since)
	}
	if !until.IsZero() {
		hi = toNanos(until)
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT habit_id,
		        COALESCE(SUM(CASE WHEN delta > 0 THEN delta ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN delta < 0 THEN -delta ELSE 0 END), 0),
		        COUNT(*)
		   FROM transactions
		  WHERE ts >= ? AND ts < ?
		  GROUP BY habit_id`,
		lo, hi,
	)
	if err != nil {
		return store.Totals{}, heikeErrors.StorageFailure("ledger totals", err)
	}
	defer rows.Close()

	totals := store.Totals{ByHabit: make(map[string]int64)}
	for rows.Next() {
		var (
			habitID       string
			earned, spent int64
			count         int
		)
		if err := rows.Scan(&habitID, &earned, &spent, &count); err != nil {
			return store.Totals{}, heikeErrors.StorageFailure("ledger totals", err)
		}
		totals.Earned += earned
		totals.Spent += spent
		totals.Count += count
		if habitID != "" && earned > 0 {
			totals.ByHabit[habitID] += earned
		}
	}
	if err := rows.Err(); err != nil {
		return store.Totals{}, heikeErrors.StorageFailure("ledger totals", err)
	}
	return totals, nil
}

func (s *Store) PurgeTransactions(ctx context.Context, before time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	dbtx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, heikeErrors.StorageFailure("purge transactions", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	cutoff := toNanos(before)
	var (
		count   int
		carried int64
	)
	if err := dbtx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(delta), 0) FROM transactions WHERE ts < ?`, cutoff,
	).Scan(&count, &carried); err != nil {
		return 0, heikeErrors.StorageFailure("purge transactions", err)
	}
	if count == 0 {
		return 0, nil
	}

	if _, err := dbtx.ExecContext(ctx,
		`INSERT OR IGNORE INTO purged_keys (idempotency_key, transaction_id, purged_at)
		 SELECT idempotency_key, id, ? FROM transactions WHERE ts < ?`,
		toNanos(time.Now()), cutoff,
	); err != nil {
		return 0, heikeErrors.StorageFailure("purge transactions", err)
	}
	if _, err := dbtx.ExecContext(ctx, `DELETE FROM transactions WHERE ts < ?`, cutoff); err != nil {
		return 0, heikeErrors.StorageFailure("purge transactions", err)
	}

	if carried != 0 {
		fwd := store.BalanceForward(carried, count, before)
		meta, err := encodeMetadata(fwd.Metadata)
		if err != nil {
			return 0, heikeErrors.StorageFailure("purge transactions", err)
		}
		if _, err := dbtx.ExecContext(ctx,
			`INSERT INTO transactions (delta, reason, habit_id, app_id, idempotency_key, ts, metadata)
			 VALUES (?, ?, '', '', ?, ?, ?)`,
			fwd.Delta, fwd.Reason, fwd.IdempotencyKey, cutoff, meta,
		); err != nil {
			return 0, heikeErrors.StorageFailure("purge transactions", err)
		}
	}

	if err := dbtx.Commit(); err != nil {
		return 0, heikeErrors.StorageFailure("purge transactions", err)
	}
	return count, nil
}
