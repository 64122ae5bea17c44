package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/stepunlock/internal/model"
	"github.com/harunnryd/stepunlock/internal/store"
	"github.com/harunnryd/stepunlock/internal/store/sqlite"
	"github.com/harunnryd/stepunlock/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := sqlite.Open(filepath.Join(t.TempDir(), "economy.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := sqlite.Open("  ")
	assert.Error(t, err)
}

func TestReopenKeepsLedgerAndMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "economy.db")
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	s, err := sqlite.Open(path)
	require.NoError(t, err)
	_, err = s.AppendTransaction(ctx, model.Transaction{Delta: 100, Reason: model.ReasonWelcomeBonus, IdempotencyKey: "welcome_bonus", Timestamp: at}, true)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.Open(path)
	require.NoError(t, err)
	defer s.Close()

	bal, err := s.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	// instants survive a reopen unscaled
	tx, ok, err := s.TransactionByKey(ctx, "welcome_bonus")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, tx.Timestamp.Equal(at), "got %s", tx.Timestamp)

	res, err := s.AppendTransaction(ctx, model.Transaction{Delta: 100, Reason: model.ReasonWelcomeBonus, IdempotencyKey: "welcome_bonus", Timestamp: at}, true)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestOpenWorkspaceHoldsLock(t *testing.T) {
	root := t.TempDir()
	cfg := &store.FileLockConfig{LockTimeout: 50 * time.Millisecond, LockRetry: 10 * time.Millisecond}

	s, err := sqlite.OpenWorkspace("ws", root, "", cfg)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))

	_, err = sqlite.OpenWorkspace("ws", root, "", cfg)
	require.Error(t, err)

	require.NoError(t, s.Close())

	again, err := sqlite.OpenWorkspace("ws", root, "", cfg)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}
