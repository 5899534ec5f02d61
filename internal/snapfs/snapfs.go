// Package snapfs abstracts the snapshot-capable filesystem that backup
// mounts live on. The sync controller only ever talks to the Engine
// interface; the concrete engine decides how snapshots are stored.
package snapfs

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrSnapshotsDisabled = errors.New("snapshots not enabled on path")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrSnapshotExists    = errors.New("snapshot already exists")
)

// InodeType classifies a diff entry's filesystem object.
type InodeType int

const (
	InodeFile InodeType = iota
	InodeDirectory
	InodeSymlink
)

func (t InodeType) String() string {
	switch t {
	case InodeFile:
		return "file"
	case InodeDirectory:
		return "directory"
	case InodeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("inode(%d)", int(t))
	}
}

// ChangeType classifies what happened to a path between two snapshots.
type ChangeType int

const (
	ChangeCreate ChangeType = iota
	ChangeModify
	ChangeDelete
	ChangeRename
)

func (c ChangeType) String() string {
	switch c {
	case ChangeCreate:
		return "create"
	case ChangeModify:
		return "modify"
	case ChangeDelete:
		return "delete"
	case ChangeRename:
		return "rename"
	default:
		return fmt.Sprintf("change(%d)", int(c))
	}
}

// DiffEntry is one changed path in a snapshot diff. Path is relative to the
// snapshot root. Target is only set for renames (the new relative path).
type DiffEntry struct {
	Inode  InodeType
	Change ChangeType
	Path   string
	Target string
}

func (e DiffEntry) String() string {
	if e.Change == ChangeRename {
		return fmt.Sprintf("%s %s %s -> %s", e.Change, e.Inode, e.Path, e.Target)
	}
	return fmt.Sprintf("%s %s %s", e.Change, e.Inode, e.Path)
}

// DiffReport is the ordered set of changes between two snapshots of a path.
// An empty To means the diff was taken against the live state.
type DiffReport struct {
	Path    string
	From    string
	To      string
	Entries []DiffEntry
}

// Empty reports whether the diff contains no changes.
func (r *DiffReport) Empty() bool {
	return r == nil || len(r.Entries) == 0
}

// Engine is the snapshot facility a mount's local path lives on.
// Implementations must tolerate concurrent calls on distinct paths; calls on
// the same path are serialized by the caller.
type Engine interface {
	// EnableSnapshots makes path snapshot-capable.
	EnableSnapshots(ctx context.Context, path string) error

	// DisableSnapshots reverts EnableSnapshots and discards snapshot state.
	DisableSnapshots(ctx context.Context, path string) error

	// CreateSnapshot captures the current state of path under the given name.
	CreateSnapshot(ctx context.Context, path string, name string) error

	// DeleteSnapshot removes a named snapshot.
	DeleteSnapshot(ctx context.Context, path string, name string) error

	// RenameSnapshot renames a snapshot in place.
	RenameSnapshot(ctx context.Context, path string, from string, to string) error

	// Diff reports the changes between two snapshots of path. An empty to
	// name diffs from against the live state of path.
	Diff(ctx context.Context, path string, from string, to string) (*DiffReport, error)

	// ListSnapshots returns the snapshot names on path in creation order.
	ListSnapshots(ctx context.Context, path string) ([]string, error)

	// SnapshotRoot resolves the directory a snapshot's contents are read
	// from. The path stays valid until the snapshot is deleted or renamed.
	SnapshotRoot(path string, name string) (string, error)

	// Roots returns every snapshot-enabled path known to the engine.
	Roots(ctx context.Context) ([]string, error)
}
