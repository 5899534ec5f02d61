package snapfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLocalEngine_EnableCreateList_RoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	eng := NewLocalEngine()

	writeFile(t, root, "docs/readme.txt", "hello")

	require.NoError(t, eng.EnableSnapshots(ctx, root))
	require.NoError(t, eng.CreateSnapshot(ctx, root, "snap-a"))
	require.NoError(t, eng.CreateSnapshot(ctx, root, "snap-b"))

	names, err := eng.ListSnapshots(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"snap-a", "snap-b"}, names)

	// Snapshot contents mirror the root without snapshot state.
	assert.FileExists(t, filepath.Join(root, ".snapbak", "snapshots", "snap-a", "docs", "readme.txt"))
	assert.NoDirExists(t, filepath.Join(root, ".snapbak", "snapshots", "snap-a", ".snapbak"))
}

func TestLocalEngine_CreateSnapshot_RequiresEnable(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	eng := NewLocalEngine()

	err := eng.CreateSnapshot(ctx, root, "snap")
	require.ErrorIs(t, err, ErrSnapshotsDisabled)
}

func TestLocalEngine_CreateSnapshot_DuplicateName(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	eng := NewLocalEngine()

	require.NoError(t, eng.EnableSnapshots(ctx, root))
	require.NoError(t, eng.CreateSnapshot(ctx, root, "snap"))

	err := eng.CreateSnapshot(ctx, root, "snap")
	require.ErrorIs(t, err, ErrSnapshotExists)
}

func TestLocalEngine_DisableSnapshots_DiscardsState(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	eng := NewLocalEngine()

	require.NoError(t, eng.EnableSnapshots(ctx, root))
	require.NoError(t, eng.CreateSnapshot(ctx, root, "snap"))
	require.NoError(t, eng.DisableSnapshots(ctx, root))

	assert.NoDirExists(t, filepath.Join(root, ".snapbak"))
	require.ErrorIs(t, eng.DisableSnapshots(ctx, root), ErrSnapshotsDisabled)
}

func TestLocalEngine_RenameSnapshot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	eng := NewLocalEngine()

	require.NoError(t, eng.EnableSnapshots(ctx, root))
	require.NoError(t, eng.CreateSnapshot(ctx, root, "cycle-1"))

	require.NoError(t, eng.RenameSnapshot(ctx, root, "cycle-1", "cycle-1-synced"))

	names, err := eng.ListSnapshots(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"cycle-1-synced"}, names)

	err = eng.RenameSnapshot(ctx, root, "missing", "whatever")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestLocalEngine_DeleteSnapshot_NotFound(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	eng := NewLocalEngine()

	require.NoError(t, eng.EnableSnapshots(ctx, root))
	require.ErrorIs(t, eng.DeleteSnapshot(ctx, root, "missing"), ErrSnapshotNotFound)
}

func TestLocalEngine_Diff_ReportsCreateModifyDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	eng := NewLocalEngine()

	writeFile(t, root, "keep.txt", "same")
	writeFile(t, root, "changed.txt", "v1")
	writeFile(t, root, "gone.txt", "bye")

	require.NoError(t, eng.EnableSnapshots(ctx, root))
	require.NoError(t, eng.CreateSnapshot(ctx, root, "before"))

	writeFile(t, root, "changed.txt", "v2 with more bytes")
	writeFile(t, root, "new/added.txt", "hi")
	require.NoError(t, os.Remove(filepath.Join(root, "gone.txt")))

	require.NoError(t, eng.CreateSnapshot(ctx, root, "after"))

	report, err := eng.Diff(ctx, root, "before", "after")
	require.NoError(t, err)
	require.False(t, report.Empty())

	byPath := make(map[string]DiffEntry)
	for _, entry := range report.Entries {
		byPath[entry.Path] = entry
	}
	assert.NotContains(t, byPath, "keep.txt")

	require.Contains(t, byPath, "changed.txt")
	assert.Equal(t, ChangeModify, byPath["changed.txt"].Change)
	assert.Equal(t, InodeFile, byPath["changed.txt"].Inode)

	require.Contains(t, byPath, "new")
	assert.Equal(t, ChangeCreate, byPath["new"].Change)
	assert.Equal(t, InodeDirectory, byPath["new"].Inode)

	require.Contains(t, byPath, filepath.Join("new", "added.txt"))
	assert.Equal(t, ChangeCreate, byPath[filepath.Join("new", "added.txt")].Change)

	require.Contains(t, byPath, "gone.txt")
	assert.Equal(t, ChangeDelete, byPath["gone.txt"].Change)
}

func TestLocalEngine_Diff_AgainstLiveState(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	eng := NewLocalEngine()

	writeFile(t, root, "a.txt", "v1")
	require.NoError(t, eng.EnableSnapshots(ctx, root))
	require.NoError(t, eng.CreateSnapshot(ctx, root, "snap"))

	report, err := eng.Diff(ctx, root, "snap", "")
	require.NoError(t, err)
	assert.True(t, report.Empty(), "unchanged live tree should produce an empty diff")

	writeFile(t, root, "a.txt", "v2 longer")
	report, err = eng.Diff(ctx, root, "snap", "")
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, "a.txt", report.Entries[0].Path)
	assert.Equal(t, ChangeModify, report.Entries[0].Change)
}

func TestLocalEngine_Diff_TypeFlipIsDeleteThenCreate(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	eng := NewLocalEngine()

	writeFile(t, root, "thing", "file for now")
	require.NoError(t, eng.EnableSnapshots(ctx, root))
	require.NoError(t, eng.CreateSnapshot(ctx, root, "before"))

	require.NoError(t, os.Remove(filepath.Join(root, "thing")))
	require.NoError(t, os.Mkdir(filepath.Join(root, "thing"), 0o755))
	require.NoError(t, eng.CreateSnapshot(ctx, root, "after"))

	report, err := eng.Diff(ctx, root, "before", "after")
	require.NoError(t, err)
	require.Len(t, report.Entries, 2)
	assert.Equal(t, ChangeDelete, report.Entries[0].Change)
	assert.Equal(t, InodeFile, report.Entries[0].Inode)
	assert.Equal(t, ChangeCreate, report.Entries[1].Change)
	assert.Equal(t, InodeDirectory, report.Entries[1].Inode)
}

func TestLocalEngine_Diff_SymlinkTargetChange(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	eng := NewLocalEngine()

	writeFile(t, root, "one.txt", "1")
	writeFile(t, root, "two.txt", "2")
	require.NoError(t, os.Symlink("one.txt", filepath.Join(root, "current")))

	require.NoError(t, eng.EnableSnapshots(ctx, root))
	require.NoError(t, eng.CreateSnapshot(ctx, root, "before"))

	require.NoError(t, os.Remove(filepath.Join(root, "current")))
	require.NoError(t, os.Symlink("two.txt", filepath.Join(root, "current")))
	require.NoError(t, eng.CreateSnapshot(ctx, root, "after"))

	report, err := eng.Diff(ctx, root, "before", "after")
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, "current", report.Entries[0].Path)
	assert.Equal(t, InodeSymlink, report.Entries[0].Inode)
	assert.Equal(t, ChangeModify, report.Entries[0].Change)
}

func TestLocalEngine_Diff_MissingSnapshot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	eng := NewLocalEngine()

	require.NoError(t, eng.EnableSnapshots(ctx, root))
	_, err := eng.Diff(ctx, root, "missing", "")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestLocalEngine_Roots_DiscoversEnabledDirs(t *testing.T) {
	ctx := context.Background()
	search := t.TempDir()

	enabledRoot := filepath.Join(search, "backed-up")
	plainRoot := filepath.Join(search, "plain")
	require.NoError(t, os.MkdirAll(enabledRoot, 0o755))
	require.NoError(t, os.MkdirAll(plainRoot, 0o755))

	eng := NewLocalEngine(search)
	require.NoError(t, eng.EnableSnapshots(ctx, enabledRoot))

	roots, err := eng.Roots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{enabledRoot}, roots)
}

func TestLocalEngine_SnapshotRoot_ResolvesContents(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	eng := NewLocalEngine()

	writeFile(t, root, "a.txt", "A")
	require.NoError(t, eng.EnableSnapshots(ctx, root))
	require.NoError(t, eng.CreateSnapshot(ctx, root, "snap"))

	dir, err := eng.SnapshotRoot(root, "snap")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "a.txt"))

	_, err = eng.SnapshotRoot(root, "missing")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}
