package idempotency

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreCreatesFileAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "purged_keys.json")

	s, err := NewStore(path)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
	assert.FileExists(t, path)

	require.NoError(t, s.MarkAll(map[string]int64{"k1": 3, "k2": 7}))
	id, ok := s.Lookup("k2")
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, int64(7), s.MaxID())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())
	id, ok = reopened.Lookup("k1")
	assert.True(t, ok)
	assert.Equal(t, int64(3), id)
}

func TestMarkAllKeepsFirstID(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, err)

	require.NoError(t, s.MarkAll(map[string]int64{"k": 1}))
	require.NoError(t, s.MarkAll(map[string]int64{"k": 9}))

	id, _ := s.Lookup("k")
	assert.Equal(t, int64(1), id)
	_, ok := s.Lookup("missing")
	assert.False(t, ok)
}
