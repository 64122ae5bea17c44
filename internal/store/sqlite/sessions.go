package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"
)

const sessionColumns = `id, package_id, started_at, granted_ns, credits_spent, ended_at, end_reason, idempotency_key, transaction_id`

func scanSession(row rowScanner) (model.UnlockSession, error) {
	var (
		sess    model.UnlockSession
		started int64
		granted int64
		ended   sql.NullInt64
		reason  string
	)
	if err := row.Scan(&sess.ID, &sess.PackageID, &started, &granted, &sess.CreditsSpent, &ended, &reason, &sess.IdempotencyKey, &sess.TransactionID); err != nil {
		return model.UnlockSession{}, err
	}
	sess.StartedAt = fromNanos(started)
	sess.GrantedDuration = time.Duration(granted)
	if ended.Valid {
		at := fromNanos(ended.Int64)
		sess.EndedAt = &at
	}
	sess.EndReason = model.SessionEndReason(reason)
	return sess, nil
}

func endedAtValue(sess model.UnlockSession) sql.NullInt64 {
	if sess.EndedAt == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*sess.EndedAt), Valid: true}
}

func (s *Store) PutSession(ctx context.Context, sess model.UnlockSession) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO unlock_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   package_id = excluded.package_id,
		   started_at = excluded.started_at,
		   granted_ns = excluded.granted_ns,
		   credits_spent = excluded.credits_spent,
		   ended_at = excluded.ended_at,
		   end_reason = excluded.end_reason,
		   idempotency_key = excluded.idempotency_key,
		   transaction_id = excluded.transaction_id`,
		sess.ID, sess.PackageID, toNanos(sess.StartedAt), int64(sess.GrantedDuration), sess.CreditsSpent,
		endedAtValue(sess), string(sess.EndReason), sess.IdempotencyKey, sess.TransactionID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return heikeErrors.Wrap(heikeErrors.ErrInvalidConfig,
				fmt.Sprintf("session idempotency key %q already used", sess.IdempotencyKey))
		}
		return heikeErrors.StorageFailure("put session", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (model.UnlockSession, error) {
	if err := s.ready(ctx); err != nil {
		return model.UnlockSession{}, err
	}
	sess, err := scanSession(s.sqlDB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM unlock_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.UnlockSession{}, heikeErrors.NotFound(fmt.Sprintf("unlock session %q not found", id))
	}
	if err != nil {
		return model.UnlockSession{}, heikeErrors.StorageFailure("get session", err)
	}
	return sess, nil
}

func (s *Store) SessionByKey(ctx context.Context, key string) (model.UnlockSession, bool, error) {
	if err := s.ready(ctx); err != nil {
		return model.UnlockSession{}, false, err
	}
	if key == "" {
		return model.UnlockSession{}, false, nil
	}
	sess, err := scanSession(s.sqlDB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM unlock_sessions WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return model.UnlockSession{}, false, nil
	}
	if err != nil {
		return model.UnlockSession{}, false, heikeErrors.StorageFailure("session by key", err)
	}
	return sess, true, nil
}

func (s *Store) ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.UnlockSession, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.PackageID != "" {
		where = append(where, "package_id = ?")
		args = append(args, filter.PackageID)
	}
	if filter.OpenOnly {
		where = append(where, "ended_at IS NULL")
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, toNanos(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, toNanos(filter.Until))
	}

	query := `SELECT ` + sessionColumns + ` FROM unlock_sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, id DESC`

	return s.querySessions(ctx, "list sessions", query, args...)
}

func (s *Store) querySessions(ctx context.Context, op, query string, args ...any) ([]model.UnlockSession, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, heikeErrors.StorageFailure(op, err)
	}
	defer rows.Close()

	out := make([]model.UnlockSession, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, heikeErrors.StorageFailure(op, err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, heikeErrors.StorageFailure(op, err)
	}
	return out, nil
}

func (s *Store) EndSession(ctx context.Context, id string, at time.Time, reason model.SessionEndReason) (model.UnlockSession, error) {
	if err := s.ready(ctx); err != nil {
		return model.UnlockSession{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.sqlDB.ExecContext(ctx,
		`UPDATE unlock_sessions SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL`,
		toNanos(at), string(reason), id,
	); err != nil {
		return model.UnlockSession{}, heikeErrors.StorageFailure("end session", err)
	}
	return s.GetSession(ctx, id)
}

func (s *Store) EndExpiredSessions(ctx context.Context, at time.Time) ([]model.UnlockSession, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	dbtx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, heikeErrors.StorageFailure("end expired sessions", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	rows, err := dbtx.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM unlock_sessions
		  WHERE ended_at IS NULL AND started_at + granted_ns <= ?
		  ORDER BY started_at DESC, id DESC`,
		toNanos(at),
	)
	if err != nil {
		return nil, heikeErrors.StorageFailure("end expired sessions", err)
	}
	var expired []model.UnlockSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, heikeErrors.StorageFailure("end expired sessions", err)
		}
		expired = append(expired, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, heikeErrors.StorageFailure("end expired sessions", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}

	for i := range expired {
		expiry := expired[i].ExpiresAt()
		if _, err := dbtx.ExecContext(ctx,
			`UPDATE unlock_sessions SET ended_at = ?, end_reason = ? WHERE id = ?`,
			toNanos(expiry), string(model.EndExpired), expired[i].ID,
		); err != nil {
			return nil, heikeErrors.StorageFailure("end expired sessions", err)
		}
		expired[i].EndedAt = &expiry
		expired[i].EndReason = model.EndExpired
	}

	if err := dbtx.Commit(); err != nil {
		return nil, heikeErrors.StorageFailure("end expired sessions", err)
	}
	return expired, nil
}

func (s *Store) PurgeSessions(ctx context.Context, before time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM unlock_sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, toNanos(before))
	if err != nil {
		return 0, heikeErrors.StorageFailure("purge sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, heikeErrors.StorageFailure("purge sessions", err)
	}
	return int(n), nil
}
