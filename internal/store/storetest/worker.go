package storetest

import (
	"testing"
	"time"

	"github.com/harunnryd/stepunlock/internal/store"

	"github.com/stretchr/testify/require"
)

// NewWorker starts a file-backed store in a temp workspace and stops it
// when the test ends.
func NewWorker(t *testing.T) *store.Worker {
	t.Helper()
	w, err := store.NewWorker("test", t.TempDir(), store.RuntimeConfig{
		LockTimeout: 200 * time.Millisecond,
		LockRetry:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	w.Start()
	t.Cleanup(w.Stop)
	return w
}
