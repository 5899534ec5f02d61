package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		_, err := ResolvePath("")
		require.Error(t, err)
	})

	t.Run("relative path", func(t *testing.T) {
		got, err := ResolvePath("./data")
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(got))
	})

	t.Run("absolute path", func(t *testing.T) {
		got, err := ResolvePath("/tmp/a/../b")
		require.NoError(t, err)
		assert.Equal(t, "/tmp/b", got)
	})

	t.Run("home expansion", func(t *testing.T) {
		home, err := os.UserHomeDir()
		require.NoError(t, err)

		got, err := ResolvePath("~/backups")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "backups"), got)
	})
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")

	require.NoError(t, EnsureDir(dir))
	assert.True(t, DirExists(dir))

	// Idempotent on an existing directory.
	require.NoError(t, EnsureDir(dir))
}

func TestEnsureParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "snapbakd.log")

	require.NoError(t, EnsureParent(path))
	assert.True(t, DirExists(filepath.Dir(path)))
	assert.False(t, FileExists(path))
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(file, []byte("{}"), 0o644))

	assert.True(t, DirExists(dir))
	assert.False(t, DirExists(file))
	assert.True(t, FileExists(file))
	assert.False(t, FileExists(dir))
	assert.False(t, FileExists(filepath.Join(dir, "missing")))
}
