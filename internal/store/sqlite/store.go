// Package sqlite provides the SQLite-backed economy store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/store"
	"github.com/harunnryd/stepunlock/internal/store/sqlite/migrations"
	"github.com/harunnryd/stepunlock/internal/store/sqlitemigrate"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists the ledger and all derived state in one SQLite file.
// Writes are serialized by writeMu so the balance check and the insert of a
// spend see the same ledger; reads run concurrently on the pool.
type Store struct {
	sqlDB   *sql.DB
	writeMu sync.Mutex
	lock    *store.FileLock
}

// Instants are stored as Unix nanoseconds so cooldown and expiry
// comparisons see exactly what the caller passed in.
func toNanos(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(0, value).UTC()
}

func toNullNanos(value time.Time) sql.NullInt64 {
	if value.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(value), Valid: true}
}

func fromNullNanos(value sql.NullInt64) time.Time {
	if !value.Valid {
		return time.Time{}
	}
	return fromNanos(value.Int64)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Open opens a SQLite store at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// OpenWorkspace takes the workspace file lock and opens the workspace database.
func OpenWorkspace(workspaceID, workspaceRootPath, file string, lockCfg *store.FileLockConfig) (*Store, error) {
	base, err := store.GetWorkspacePath(workspaceID, workspaceRootPath)
	if err != nil {
		return nil, err
	}
	path, err := store.GetSQLitePath(workspaceID, workspaceRootPath, file)
	if err != nil {
		return nil, err
	}

	lock, err := store.NewFileLock(workspaceID, base, lockCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	s, err := Open(path)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	s.lock = lock
	return s, nil
}

// Close closes the SQLite handle and releases the workspace lock.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	err := s.sqlDB.Close()
	if s.lock != nil && s.lock.IsLocked() {
		s.lock.Unlock()
	}
	return err
}

// Ping is used by the daemon health check.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return heikeErrors.StorageFailure("sqlite", fmt.Errorf("storage is not configured"))
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ store.Store = (*Store)(nil)
