package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWorkspaceRootPath_ExpandsHomeShortcut(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("user home dir: %v", err)
	}

	got, err := ResolveWorkspaceRootPath("~/.stepunlock/workspaces")
	if err != nil {
		t.Fatalf("resolve workspace root path: %v", err)
	}

	want := filepath.Join(home, ".stepunlock", "workspaces")
	if got != want {
		t.Fatalf("path mismatch: got %q want %q", got, want)
	}
}

func TestWorkspaceSubdirectories(t *testing.T) {
	root := t.TempDir()

	ledger, err := GetLedgerDir("ws", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "ws", "ledger"), ledger)

	state, err := GetStateDir("ws", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "ws", "state"), state)

	lock, err := GetLockPath("ws", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "ws", "workspace.lock"), lock)
}

func TestGetSQLitePath(t *testing.T) {
	root := t.TempDir()

	p, err := GetSQLitePath("ws", root, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "ws", "economy.db"), p)

	abs := filepath.Join(t.TempDir(), "other.db")
	p, err = GetSQLitePath("ws", root, abs)
	require.NoError(t, err)
	assert.Equal(t, abs, p)
}
