package mount

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Attribute keys persisted on each mount root. The from/to pair records the
// snapshot span of the sync cycle in flight; the descriptor lets a restarted
// daemon rediscover the mount without any local database.
const (
	attrPrevFrom  = "snapbak.sync.prev_from"
	attrPrevTo    = "snapbak.sync.prev_to"
	attrName      = "snapbak.sync.name"
	attrRemote    = "snapbak.sync.remote"
	attrMountInfo = "snapbak.sync.mount_details"
)

// NoSnapshotYet is the marker value recorded before the first sync cycle. It
// is also the literal name of the initial snapshot taken at creation time, so
// a diff against it yields everything written since the mount was created.
const NoSnapshotYet = "no_snapshot_yet"

// SyncedSuffix is appended to a snapshot name once the cycle it closed has
// been fully applied remotely. The suffix on the live snapshot, together with
// the persisted to-marker, forms the durable commit record of a cycle.
const SyncedSuffix = "-synced"

// newSnapshotName returns the snapshot name for a cycle starting at t.
// Millisecond precision keeps names unique across back-to-back cycles.
func newSnapshotName(t time.Time) string {
	return "s" + t.UTC().Format("20060102-150405.000")
}

type descriptor struct {
	Name           string `json:"name"`
	LocalPath      string `json:"localPath"`
	RemoteLocation string `json:"remoteLocation"`
}

func marshalDescriptor(mnt SyncMount) ([]byte, error) {
	return json.Marshal(descriptor{
		Name:           mnt.Name,
		LocalPath:      mnt.LocalPath,
		RemoteLocation: mnt.RemoteLocation,
	})
}

func unmarshalDescriptor(value []byte) (SyncMount, error) {
	var d descriptor
	if err := json.Unmarshal(value, &d); err != nil {
		return SyncMount{}, fmt.Errorf("decode mount descriptor: %w", err)
	}
	if d.Name == "" || d.LocalPath == "" {
		return SyncMount{}, fmt.Errorf("mount descriptor missing name or path")
	}
	return SyncMount{
		Name:           d.Name,
		LocalPath:      d.LocalPath,
		RemoteLocation: d.RemoteLocation,
	}, nil
}
