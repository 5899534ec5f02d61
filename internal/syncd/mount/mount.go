// Package mount tracks backup mounts and drives their snapshot-diff sync
// cycles. A mount pairs a snapshot-enabled local directory with a remote
// location; the Manager owns the registry of mounts, their accumulated
// transfer statistics, and the progress markers persisted as extended
// attributes on each mount root.
package mount

import (
	"fmt"
)

// SyncMount is one backup mount. Name is the identity: it is generated at
// creation time, never changes, and keys the Manager's registry. Paused is
// runtime state only and is not persisted in the mount descriptor.
type SyncMount struct {
	Name           string
	LocalPath      string
	RemoteLocation string
	Paused         bool
}

func (s SyncMount) String() string {
	state := "active"
	if s.Paused {
		state = "paused"
	}
	return fmt.Sprintf("%s: %s -> %s (%s)", s.Name, s.LocalPath, s.RemoteLocation, state)
}
