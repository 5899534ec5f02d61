package snapfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/snapbak/snapbak/internal/utils"
)

const (
	stateDirName    = ".snapbak"
	snapshotsSubdir = "snapshots"
	enabledMarker   = "enabled"
	capturedSuffix  = ".captured"
)

// LocalEngine implements Engine with plain directory copies. Snapshots of a
// path live under <path>/.snapbak/snapshots/<name>/ and diffs walk the two
// trees comparing size, mode, mtime and symlink targets. It never reports
// ChangeRename; engines backed by a real snapshot filesystem may.
type LocalEngine struct {
	searchRoots []string
}

var _ Engine = (*LocalEngine)(nil)

// NewLocalEngine returns a LocalEngine that discovers snapshot-enabled roots
// under the given search roots (each search root and its immediate children
// are considered).
func NewLocalEngine(searchRoots ...string) *LocalEngine {
	return &LocalEngine{searchRoots: searchRoots}
}

// StateDir returns the engine's metadata directory for a tree. Files placed
// there never show up in diffs or snapshot copies, so the daemon keeps its
// own state (lock file, attribute database) there too.
func StateDir(path string) string {
	return stateDir(path)
}

func stateDir(path string) string {
	return filepath.Join(path, stateDirName)
}

func snapshotsDir(path string) string {
	return filepath.Join(path, stateDirName, snapshotsSubdir)
}

func snapshotDir(path, name string) string {
	return filepath.Join(snapshotsDir(path), name)
}

// capturedPath is the capture-time marker kept next to the snapshot
// directory, so snapshot contents stay an exact mirror of the tree.
func capturedPath(path, name string) string {
	return snapshotDir(path, name) + capturedSuffix
}

// IsStateArtifact reports whether path points into the engine's on-disk
// snapshot state rather than user data. File watchers use it to drop events
// the engine generates about itself.
func IsStateArtifact(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == stateDirName {
			return true
		}
	}
	return false
}

func (e *LocalEngine) enabled(path string) bool {
	return utils.FileExists(filepath.Join(stateDir(path), enabledMarker))
}

func (e *LocalEngine) EnableSnapshots(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !utils.DirExists(path) {
		return fmt.Errorf("enable snapshots %q: %w", path, os.ErrNotExist)
	}
	if err := utils.EnsureDir(snapshotsDir(path)); err != nil {
		return fmt.Errorf("enable snapshots %q: %w", path, err)
	}
	marker := filepath.Join(stateDir(path), enabledMarker)
	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("enable snapshots %q: %w", path, err)
	}
	return nil
}

func (e *LocalEngine) DisableSnapshots(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.enabled(path) {
		return fmt.Errorf("disable snapshots %q: %w", path, ErrSnapshotsDisabled)
	}
	if err := os.RemoveAll(stateDir(path)); err != nil {
		return fmt.Errorf("disable snapshots %q: %w", path, err)
	}
	return nil
}

func (e *LocalEngine) CreateSnapshot(ctx context.Context, path string, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.enabled(path) {
		return fmt.Errorf("create snapshot %q on %q: %w", name, path, ErrSnapshotsDisabled)
	}
	dst := snapshotDir(path, name)
	if utils.DirExists(dst) {
		return fmt.Errorf("create snapshot %q on %q: %w", name, path, ErrSnapshotExists)
	}
	if err := e.copyTree(path, dst); err != nil {
		os.RemoveAll(dst)
		return fmt.Errorf("create snapshot %q on %q: %w", name, path, err)
	}
	marker := capturedPath(path, name)
	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339Nano)+"\n"), 0o644); err != nil {
		os.RemoveAll(dst)
		return fmt.Errorf("create snapshot %q on %q: %w", name, path, err)
	}
	return nil
}

func (e *LocalEngine) DeleteSnapshot(ctx context.Context, path string, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := snapshotDir(path, name)
	if !utils.DirExists(dir) {
		return fmt.Errorf("delete snapshot %q on %q: %w", name, path, ErrSnapshotNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete snapshot %q on %q: %w", name, path, err)
	}
	if err := os.Remove(capturedPath(path, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot %q on %q: %w", name, path, err)
	}
	return nil
}

func (e *LocalEngine) RenameSnapshot(ctx context.Context, path string, from string, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src := snapshotDir(path, from)
	dst := snapshotDir(path, to)
	if !utils.DirExists(src) {
		return fmt.Errorf("rename snapshot %q on %q: %w", from, path, ErrSnapshotNotFound)
	}
	if utils.DirExists(dst) {
		return fmt.Errorf("rename snapshot %q to %q on %q: %w", from, to, path, ErrSnapshotExists)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename snapshot %q to %q on %q: %w", from, to, path, err)
	}
	if err := os.Rename(capturedPath(path, from), capturedPath(path, to)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename snapshot %q to %q on %q: %w", from, to, path, err)
	}
	return nil
}

func (e *LocalEngine) ListSnapshots(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.enabled(path) {
		return nil, fmt.Errorf("list snapshots %q: %w", path, ErrSnapshotsDisabled)
	}
	entries, err := os.ReadDir(snapshotsDir(path))
	if err != nil {
		return nil, fmt.Errorf("list snapshots %q: %w", path, err)
	}

	type stamped struct {
		name string
		at   time.Time
	}
	snaps := make([]stamped, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		snaps = append(snaps, stamped{name: entry.Name(), at: e.capturedAt(path, entry)})
	}
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].at.Equal(snaps[j].at) {
			return snaps[i].at.Before(snaps[j].at)
		}
		return snaps[i].name < snaps[j].name
	})

	names := make([]string, len(snaps))
	for i, s := range snaps {
		names[i] = s.name
	}
	return names, nil
}

func (e *LocalEngine) SnapshotRoot(path string, name string) (string, error) {
	dir := snapshotDir(path, name)
	if !utils.DirExists(dir) {
		return "", fmt.Errorf("snapshot root %q on %q: %w", name, path, ErrSnapshotNotFound)
	}
	return dir, nil
}

// capturedAt reads the snapshot's capture marker, falling back to the
// directory mtime for snapshots that predate the marker.
func (e *LocalEngine) capturedAt(path string, entry os.DirEntry) time.Time {
	raw, err := os.ReadFile(capturedPath(path, entry.Name()))
	if err == nil {
		if at, perr := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw))); perr == nil {
			return at
		}
	}
	if info, err := entry.Info(); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}

func (e *LocalEngine) Roots(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var roots []string
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		if e.enabled(path) {
			seen[path] = struct{}{}
			roots = append(roots, path)
		}
	}

	for _, search := range e.searchRoots {
		add(search)
		entries, err := os.ReadDir(search)
		if err != nil {
			continue // search roots may not exist yet
		}
		for _, entry := range entries {
			if entry.IsDir() {
				add(filepath.Join(search, entry.Name()))
			}
		}
	}
	sort.Strings(roots)
	return roots, nil
}

func (e *LocalEngine) Diff(ctx context.Context, path string, from string, to string) (*DiffReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fromDir := snapshotDir(path, from)
	if !utils.DirExists(fromDir) {
		return nil, fmt.Errorf("diff on %q: from snapshot %q: %w", path, from, ErrSnapshotNotFound)
	}

	var toDir string
	if to == "" {
		toDir = path // live state
	} else {
		toDir = snapshotDir(path, to)
		if !utils.DirExists(toDir) {
			return nil, fmt.Errorf("diff on %q: to snapshot %q: %w", path, to, ErrSnapshotNotFound)
		}
	}

	fromTree := make(map[string]*node)
	if err := buildTree(fromDir, "", fromTree); err != nil {
		return nil, fmt.Errorf("diff on %q: walk from snapshot %q: %w", path, from, err)
	}
	toTree := make(map[string]*node)
	if err := buildTree(toDir, "", toTree); err != nil {
		return nil, fmt.Errorf("diff on %q: walk to tree: %w", path, err)
	}

	report := &DiffReport{Path: path, From: from, To: to}
	for rel, after := range toTree {
		before, ok := fromTree[rel]
		switch {
		case !ok:
			report.Entries = append(report.Entries, DiffEntry{Inode: after.inode, Change: ChangeCreate, Path: rel})
		case before.inode != after.inode:
			// Type flips surface as delete + create.
			report.Entries = append(report.Entries,
				DiffEntry{Inode: before.inode, Change: ChangeDelete, Path: rel},
				DiffEntry{Inode: after.inode, Change: ChangeCreate, Path: rel})
		case !before.equal(after):
			report.Entries = append(report.Entries, DiffEntry{Inode: after.inode, Change: ChangeModify, Path: rel})
		}
	}
	for rel, before := range fromTree {
		if _, ok := toTree[rel]; !ok {
			report.Entries = append(report.Entries, DiffEntry{Inode: before.inode, Change: ChangeDelete, Path: rel})
		}
	}

	sort.Slice(report.Entries, func(i, j int) bool {
		a, b := report.Entries[i], report.Entries[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Change == ChangeDelete // delete half of a type flip first
	})
	return report, nil
}

type node struct {
	inode  InodeType
	size   int64
	mode   os.FileMode
	mtime  time.Time
	target string
}

func (n *node) equal(other *node) bool {
	if n.inode != other.inode {
		return false
	}
	switch n.inode {
	case InodeSymlink:
		return n.target == other.target
	case InodeDirectory:
		return true
	default:
		return n.size == other.size &&
			n.mode.Perm() == other.mode.Perm() &&
			n.mtime.Equal(other.mtime)
	}
}

func buildTree(root, rel string, tree map[string]*node) error {
	entries, err := os.ReadDir(filepath.Join(root, rel))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if rel == "" && name == stateDirName {
			continue
		}
		entryRel := filepath.Join(rel, name)
		entryPath := filepath.Join(root, entryRel)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(entryPath)
			if err != nil {
				return err
			}
			tree[entryRel] = &node{inode: InodeSymlink, target: target}
		case info.IsDir():
			tree[entryRel] = &node{inode: InodeDirectory, mode: info.Mode()}
			if err := buildTree(root, entryRel, tree); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			tree[entryRel] = &node{
				inode: InodeFile,
				size:  info.Size(),
				mode:  info.Mode(),
				mtime: info.ModTime(),
			}
		}
	}
	return nil
}

// copyTree mirrors src into dst, skipping the snapshot state directory at
// the tree root.
func (e *LocalEngine) copyTree(src, dst string) error {
	return copyTreeRel(src, dst, "")
}

func copyTreeRel(src, dst, rel string) error {
	if err := utils.EnsureDir(filepath.Join(dst, rel)); err != nil {
		return err
	}
	entries, err := os.ReadDir(filepath.Join(src, rel))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if rel == "" && name == stateDirName {
			continue
		}
		entryRel := filepath.Join(rel, name)
		srcPath := filepath.Join(src, entryRel)
		dstPath := filepath.Join(dst, entryRel)

		switch {
		case entry.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(srcPath)
			if err != nil {
				return err
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return err
			}
		case entry.IsDir():
			if err := copyTreeRel(src, dst, entryRel); err != nil {
				return err
			}
		default:
			if err := utils.CopyFile(srcPath, dstPath); err != nil {
				return err
			}
		}
	}
	return nil
}
