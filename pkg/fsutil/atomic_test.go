package fsutil_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ModeShape/modeshape-sub003/pkg/fsutil"
)

func TestAtomicWrite_CreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lockd", "lockd.yaml")
	require.NoError(t, fsutil.AtomicWrite(path, []byte("repository: docs\n"), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "repository: docs\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestAtomicWrite_ReplacesWithoutLeftovers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockd.yaml")
	require.NoError(t, fsutil.AtomicWrite(path, []byte("a"), 0644))
	require.NoError(t, fsutil.AtomicWrite(path, []byte("b"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAtomicCreate_RefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockd.yaml")
	require.NoError(t, fsutil.AtomicCreate(path, []byte("first"), 0644))

	err := fsutil.AtomicCreate(path, []byte("second"), 0644)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrExist))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFsyncDir_Missing(t *testing.T) {
	assert.Error(t, fsutil.FsyncDir(filepath.Join(t.TempDir(), "missing")))
}
