package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/snapbak/snapbak/internal/snapfs"
	"github.com/snapbak/snapbak/internal/syncd/task"
	"github.com/snapbak/snapbak/internal/xattr"
)

var (
	ErrMountExists       = errors.New("mount already exists")
	ErrMountNotFound     = errors.New("mount not found")
	ErrPolicyUnsupported = errors.New("remove policy not supported")
)

// RemovePolicy selects how RemoveBackup disconnects a mount from its remote.
type RemovePolicy int

const (
	// RemoveGraceful leaves remote data in place and only detaches the mount.
	RemoveGraceful RemovePolicy = iota + 1
	// RemoveDestructive would also delete remote data. Not implemented.
	RemoveDestructive
)

func (p RemovePolicy) String() string {
	switch p {
	case RemoveGraceful:
		return "graceful"
	case RemoveDestructive:
		return "destructive"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

type entry struct {
	mount SyncMount
	stats *SyncStats
}

// Manager is the registry of backup mounts. It owns mount lifecycle, the
// per-mount statistics fold, and the snapshot-diff machinery of each sync
// cycle. All methods are safe for concurrent use; cycle operations on the
// same mount must not run concurrently with each other.
type Manager struct {
	engine snapfs.Engine
	attrs  xattr.Store

	mu     sync.RWMutex
	mounts map[string]*entry

	// attrMu serializes attribute writes across cycles: the from/to markers
	// are a pair and must never interleave with another writer's pair.
	attrMu sync.Mutex
}

func NewManager(engine snapfs.Engine, attrs xattr.Store) *Manager {
	return &Manager{
		engine: engine,
		attrs:  attrs,
		mounts: make(map[string]*entry),
	}
}

// CreateBackup configures localPath as a new backup mount of remoteLocation
// and returns the generated mount name. The path gains the initial progress
// markers, snapshot support, an initial snapshot named after the no-snapshot
// sentinel, and the identity attributes a restarted daemon rediscovers the
// mount by. If any step after enabling snapshots fails, snapshot support is
// unwound before the error is surfaced so no orphaned snapshot root is left
// behind.
func (m *Manager) CreateBackup(ctx context.Context, localPath, remoteLocation string) (string, error) {
	mnt := SyncMount{
		Name:           uuid.NewString(),
		LocalPath:      localPath,
		RemoteLocation: remoteLocation,
	}

	err := m.writeMarkers(ctx, localPath, NoSnapshotYet, NoSnapshotYet, xattr.Create)
	if err != nil {
		if errors.Is(err, xattr.ErrAttrExists) {
			return "", fmt.Errorf("backup already configured on %s: %w", localPath, ErrMountExists)
		}
		return "", fmt.Errorf("record initial markers on %s: %w", localPath, err)
	}
	if err := m.engine.EnableSnapshots(ctx, localPath); err != nil {
		return "", fmt.Errorf("enable snapshots on %s: %w", localPath, err)
	}
	if err := m.engine.CreateSnapshot(ctx, localPath, NoSnapshotYet); err != nil {
		m.unwindEnable(ctx, localPath)
		return "", fmt.Errorf("create initial snapshot on %s: %w", localPath, err)
	}
	if err := m.writeIdentity(ctx, mnt); err != nil {
		m.unwindEnable(ctx, localPath)
		return "", fmt.Errorf("record mount identity on %s: %w", localPath, err)
	}
	m.storeDescriptor(ctx, mnt)

	m.mu.Lock()
	m.mounts[mnt.Name] = &entry{mount: mnt, stats: EmptyStats()}
	m.mu.Unlock()

	slog.Info("created backup mount", "name", mnt.Name, "path", localPath, "remote", remoteLocation)
	return mnt.Name, nil
}

func (m *Manager) unwindEnable(ctx context.Context, localPath string) {
	if err := m.engine.DisableSnapshots(ctx, localPath); err != nil {
		slog.Error("could not unwind snapshot enable", "path", localPath, "error", err)
	}
}

// writeIdentity persists the mount name and remote location attributes. Each
// key is probed first so re-creating a mount on a previously used path
// replaces the old identity instead of failing.
func (m *Manager) writeIdentity(ctx context.Context, mnt SyncMount) error {
	m.attrMu.Lock()
	defer m.attrMu.Unlock()

	present, err := m.attrs.Get(ctx, mnt.LocalPath, nil)
	if err != nil {
		return fmt.Errorf("probe attributes: %w", err)
	}
	have := make(map[string]bool, len(present))
	for _, a := range present {
		have[a.Key] = true
	}
	flagFor := func(key string) xattr.Flag {
		if have[key] {
			return xattr.Replace
		}
		return xattr.Create
	}
	if err := m.attrs.Set(ctx, mnt.LocalPath, xattr.NewAttr(attrName, []byte(mnt.Name)), flagFor(attrName)); err != nil {
		return fmt.Errorf("set %s: %w", attrName, err)
	}
	if err := m.attrs.Set(ctx, mnt.LocalPath, xattr.NewAttr(attrRemote, []byte(mnt.RemoteLocation)), flagFor(attrRemote)); err != nil {
		return fmt.Errorf("set %s: %w", attrRemote, err)
	}
	return nil
}

// storeDescriptor writes the serialized mount descriptor. Best effort: a
// mount without a descriptor still syncs, it just cannot be rediscovered
// after a restart.
func (m *Manager) storeDescriptor(ctx context.Context, mnt SyncMount) {
	value, err := marshalDescriptor(mnt)
	if err != nil {
		slog.Error("could not encode mount descriptor", "name", mnt.Name, "error", err)
		return
	}
	if err := m.attrs.Set(ctx, mnt.LocalPath, xattr.NewAttr(attrMountInfo, value), xattr.Create); err != nil {
		slog.Error("could not store mount descriptor", "name", mnt.Name, "path", mnt.LocalPath, "error", err)
	}
}

// LoadMounts rebuilds the registry from the mount descriptors found on the
// engine's snapshot roots. Roots without a readable descriptor are skipped.
// Restored mounts start with empty statistics.
func (m *Manager) LoadMounts(ctx context.Context) error {
	roots, err := m.engine.Roots(ctx)
	if err != nil {
		return fmt.Errorf("list snapshot roots: %w", err)
	}
	for _, root := range roots {
		attrs, err := m.attrs.Get(ctx, root, []string{attrMountInfo})
		if err != nil {
			slog.Warn("could not read mount descriptor", "path", root, "error", err)
			continue
		}
		if len(attrs) == 0 {
			slog.Debug("snapshot root has no mount descriptor", "path", root)
			continue
		}
		mnt, err := unmarshalDescriptor(attrs[0].Value)
		if err != nil {
			slog.Warn("skipping snapshot root", "path", root, "error", err)
			continue
		}
		m.mu.Lock()
		m.mounts[mnt.Name] = &entry{mount: mnt, stats: EmptyStats()}
		m.mu.Unlock()
		slog.Info("restored backup mount", "name", mnt.Name, "path", mnt.LocalPath, "remote", mnt.RemoteLocation)
	}
	return nil
}

// Pause suspends sync cycles for the named mount. Unknown names are ignored.
func (m *Manager) Pause(name string) {
	m.setPaused(name, true)
}

// Resume lifts a pause. Unknown names are ignored.
func (m *Manager) Resume(name string) {
	m.setPaused(name, false)
}

func (m *Manager) setPaused(name string, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.mounts[name]
	if !ok {
		slog.Debug("pause state change for unknown mount ignored", "name", name, "paused", paused)
		return
	}
	e.mount.Paused = paused
}

// RemoveBackup detaches the named mount. Only the graceful policy is
// supported: remote data stays where it is and the mount descriptor is
// removed from the local path so a restart does not resurrect the mount.
// Returns the mount's local path.
func (m *Manager) RemoveBackup(ctx context.Context, name string, policy RemovePolicy) (string, error) {
	m.mu.RLock()
	e, ok := m.mounts[name]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("mount %q: %w", name, ErrMountNotFound)
	}
	if policy != RemoveGraceful {
		return "", fmt.Errorf("remove mount %q with policy %s: %w", name, policy, ErrPolicyUnsupported)
	}

	if err := m.attrs.Remove(ctx, e.mount.LocalPath, attrMountInfo); err != nil && !errors.Is(err, xattr.ErrAttrNotFound) {
		slog.Warn("could not remove mount descriptor", "name", name, "path", e.mount.LocalPath, "error", err)
	}

	m.mu.Lock()
	delete(m.mounts, name)
	m.mu.Unlock()

	slog.Info("removed backup mount", "name", name, "path", e.mount.LocalPath)
	return e.mount.LocalPath, nil
}

// Mounts returns every registered mount, sorted by name.
func (m *Manager) Mounts() []SyncMount {
	m.mu.RLock()
	out := make([]SyncMount, 0, len(m.mounts))
	for _, e := range m.mounts {
		out = append(out, e.mount)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Mount returns the named mount.
func (m *Manager) Mount(name string) (SyncMount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.mounts[name]
	if !ok {
		return SyncMount{}, fmt.Errorf("mount %q: %w", name, ErrMountNotFound)
	}
	return e.mount, nil
}

// Statistics returns the current stats aggregate for the named mount.
func (m *Manager) Statistics(name string) (*SyncStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.mounts[name]
	if !ok {
		return nil, fmt.Errorf("mount %q: %w", name, ErrMountNotFound)
	}
	return e.stats, nil
}

func (m *Manager) statsOrEmpty(name string) *SyncStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.mounts[name]; ok {
		return e.stats
	}
	return EmptyStats()
}

// MetaSuccesses returns the success metrics one mount recorded for an
// operation kind. Unknown mounts read as zero.
func (m *Manager) MetaSuccesses(name string, op task.Operation) Metrics {
	return m.statsOrEmpty(name).MetaSuccesses(op)
}

// TransportedBytes returns the total bytes one mount carried to the remote.
// Unknown mounts read as zero.
func (m *Manager) TransportedBytes(name string) int64 {
	return m.statsOrEmpty(name).TransportedBytes()
}

// BlockSuccesses returns one mount's successful block upload metrics.
// Unknown mounts read as zero.
func (m *Manager) BlockSuccesses(name string) Metrics {
	return m.statsOrEmpty(name).BlockSuccesses()
}

// BlockFailures returns one mount's failed block upload count. Unknown
// mounts read as zero.
func (m *Manager) BlockFailures(name string) int64 {
	return m.statsOrEmpty(name).BlockFailures()
}

// UpdateMetaStats folds one metadata task outcome into the mount's stats.
func (m *Manager) UpdateMetaStats(fb task.MetaFeedback) error {
	return m.fold(fb.MountName, FromMetaFeedback(fb))
}

// UpdateBlockStats folds one block task outcome into the mount's stats.
func (m *Manager) UpdateBlockStats(fb task.BlockFeedback) error {
	return m.fold(fb.MountName, FromBlockFeedback(fb))
}

// UpdateBulkStats folds a batch of block outcomes. Outcomes for unknown
// mounts are reported in the joined error; the rest still land.
func (m *Manager) UpdateBulkStats(fb task.BulkFeedback) error {
	var errs []error
	for _, b := range fb.Blocks {
		if err := m.fold(b.MountName, FromBlockFeedback(b)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) fold(name string, delta *SyncStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.mounts[name]
	if !ok {
		return fmt.Errorf("mount %q: %w", name, ErrMountNotFound)
	}
	e.stats = e.stats.Merge(delta)
	return nil
}

// MakeSnapshotAndDiff opens the next sync cycle for localPath and returns
// the changes it must apply remotely. If the previous cycle's snapshot still
// exists but was never marked synced the previous diff is recomputed
// instead, which makes the operation idempotent across crashed or abandoned
// cycles. If the recorded snapshot never materialized at all the cycle
// restarts from the last committed base. Otherwise the stale from-snapshot
// is deleted, a fresh snapshot is taken, and the diff spans the last synced
// snapshot to the fresh one.
func (m *Manager) MakeSnapshotAndDiff(ctx context.Context, localPath string) (*snapfs.DiffReport, error) {
	from, err := m.readMarker(ctx, localPath, attrPrevTo)
	if err != nil {
		return nil, fmt.Errorf("read sync marker on %s: %w", localPath, err)
	}
	if from != NoSnapshotYet {
		live, err := m.liveSnapshotFor(ctx, localPath, from)
		if err != nil {
			return nil, fmt.Errorf("list snapshots on %s: %w", localPath, err)
		}
		switch {
		case live == "":
			// Marker recorded but its snapshot never landed: the previous
			// cycle died between the marker write and the snapshot. Restart
			// from the base the markers still point at.
			base, err := m.readMarker(ctx, localPath, attrPrevFrom)
			if err != nil {
				return nil, fmt.Errorf("read sync marker on %s: %w", localPath, err)
			}
			slog.Warn("recorded snapshot missing, restarting cycle", "path", localPath, "snapshot", from, "base", base)
			return m.beginCycle(ctx, localPath, base)
		case !strings.HasSuffix(live, SyncedSuffix):
			slog.Info("previous cycle not yet applied, reusing its diff", "path", localPath, "snapshot", from)
			return m.PerformPreviousDiff(ctx, localPath)
		default:
			if err := m.deleteStaleFromSnapshot(ctx, localPath); err != nil {
				return nil, err
			}
		}
	}
	return m.beginCycle(ctx, localPath, from)
}

// ForceInitialSnapshot starts a first-cycle sync regardless of any recorded
// markers, reporting the whole mount as newly created.
func (m *Manager) ForceInitialSnapshot(ctx context.Context, localPath string) (*snapfs.DiffReport, error) {
	return m.beginCycle(ctx, localPath, NoSnapshotYet)
}

func (m *Manager) beginCycle(ctx context.Context, localPath, from string) (*snapfs.DiffReport, error) {
	to := newSnapshotName(time.Now())
	// Markers land before the snapshot exists: a crash in between is caught
	// by the resync scan, which treats a marker without its snapshot as an
	// unfinished cycle.
	if err := m.writeMarkers(ctx, localPath, from, to, xattr.Replace); err != nil {
		return nil, fmt.Errorf("record sync markers on %s: %w", localPath, err)
	}
	if err := m.engine.CreateSnapshot(ctx, localPath, to); err != nil {
		return nil, fmt.Errorf("create snapshot %s on %s: %w", to, localPath, err)
	}
	slog.Info("opened sync cycle", "path", localPath, "from", from, "to", to)
	if from == NoSnapshotYet {
		return initialDiffReport(localPath, to), nil
	}
	return m.engine.Diff(ctx, localPath, from+SyncedSuffix, to)
}

// PerformPreviousDiff recomputes the diff of the cycle recorded in the
// from/to markers without taking new snapshots. Used to retry a cycle whose
// remote application never completed.
func (m *Manager) PerformPreviousDiff(ctx context.Context, localPath string) (*snapfs.DiffReport, error) {
	from, err := m.readMarker(ctx, localPath, attrPrevFrom)
	if err != nil {
		return nil, fmt.Errorf("read sync marker on %s: %w", localPath, err)
	}
	to, err := m.readMarker(ctx, localPath, attrPrevTo)
	if err != nil {
		return nil, fmt.Errorf("read sync marker on %s: %w", localPath, err)
	}
	if from == NoSnapshotYet {
		return m.engine.Diff(ctx, localPath, from, to)
	}
	return m.engine.Diff(ctx, localPath, from+SyncedSuffix, to)
}

// IsEmptyDiff reports whether localPath has no changes since its last synced
// snapshot. Any failure to compute the diff reads as false: callers must
// assume changes exist and run the cycle, which will surface the real error.
func (m *Manager) IsEmptyDiff(ctx context.Context, localPath string) bool {
	to, err := m.readMarker(ctx, localPath, attrPrevTo)
	if err != nil {
		slog.Error("could not determine last synced snapshot", "path", localPath, "error", err)
		return false
	}
	snap := to
	if to != NoSnapshotYet {
		snap += SyncedSuffix
	}
	report, err := m.engine.Diff(ctx, localPath, snap, "")
	if err != nil {
		slog.Error("could not diff against live state", "path", localPath, "snapshot", snap, "error", err)
		return false
	}
	return report.Empty()
}

// MarkSynced commits the named mount's current cycle by renaming its to
// snapshot with the synced suffix. The renamed snapshot is the durable
// record that the cycle was fully applied remotely; the next cycle diffs
// from it.
func (m *Manager) MarkSynced(ctx context.Context, name string) error {
	mnt, err := m.Mount(name)
	if err != nil {
		return err
	}
	to, err := m.readMarker(ctx, mnt.LocalPath, attrPrevTo)
	if err != nil {
		return fmt.Errorf("read sync marker on %s: %w", mnt.LocalPath, err)
	}
	if err := m.engine.RenameSnapshot(ctx, mnt.LocalPath, to, to+SyncedSuffix); err != nil {
		return fmt.Errorf("mark snapshot %s synced on %s: %w", to, mnt.LocalPath, err)
	}
	slog.Info("sync cycle committed", "mount", name, "snapshot", to+SyncedSuffix)
	return nil
}

// MountsForResync returns the mounts whose last cycle never reached its
// commit point: the recorded to-marker has no matching synced snapshot. A
// mount whose markers or snapshots cannot be read at all is included too;
// rerunning a finished cycle is safe, skipping an unfinished one is not.
func (m *Manager) MountsForResync(ctx context.Context) []SyncMount {
	var out []SyncMount
	for _, mnt := range m.Mounts() {
		if m.needsResync(ctx, mnt) {
			out = append(out, mnt)
		}
	}
	return out
}

func (m *Manager) needsResync(ctx context.Context, mnt SyncMount) bool {
	to, err := m.readMarker(ctx, mnt.LocalPath, attrPrevTo)
	if err != nil {
		slog.Warn("could not read sync marker, scheduling resync", "mount", mnt.Name, "error", err)
		return true
	}
	if to == NoSnapshotYet {
		// No cycle has started, so there is nothing to recover.
		return false
	}
	snaps, err := m.engine.ListSnapshots(ctx, mnt.LocalPath)
	if err != nil {
		slog.Warn("could not list snapshots, scheduling resync", "mount", mnt.Name, "error", err)
		return true
	}
	live := mapset.NewThreadUnsafeSet(snaps...)
	return !live.Contains(to + SyncedSuffix)
}

// liveSnapshotFor returns the live snapshot name the marker currently
// resolves to, either the bare name or its synced form. Returns "" when no
// snapshot matches.
func (m *Manager) liveSnapshotFor(ctx context.Context, localPath, marker string) (string, error) {
	snaps, err := m.engine.ListSnapshots(ctx, localPath)
	if err != nil {
		return "", err
	}
	for _, s := range snaps {
		if strings.HasPrefix(s, marker) {
			return s, nil
		}
	}
	return "", nil
}

// deleteStaleFromSnapshot removes the synced snapshot of the cycle before
// the one just committed. Each mount keeps at most one synced snapshot.
func (m *Manager) deleteStaleFromSnapshot(ctx context.Context, localPath string) error {
	prevFrom, err := m.readMarker(ctx, localPath, attrPrevFrom)
	if err != nil {
		return fmt.Errorf("read sync marker on %s: %w", localPath, err)
	}
	if prevFrom == NoSnapshotYet {
		return nil
	}
	stale := prevFrom + SyncedSuffix
	err = m.engine.DeleteSnapshot(ctx, localPath, stale)
	if errors.Is(err, snapfs.ErrSnapshotNotFound) {
		// Deleted by an earlier attempt that died before rewriting markers.
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete stale snapshot %s on %s: %w", stale, localPath, err)
	}
	slog.Debug("deleted stale snapshot", "path", localPath, "snapshot", stale)
	return nil
}

func (m *Manager) readMarker(ctx context.Context, path, key string) (string, error) {
	attrs, err := m.attrs.Get(ctx, path, []string{key})
	if err != nil {
		return "", err
	}
	if len(attrs) == 0 {
		return "", fmt.Errorf("attribute %s on %s: %w", key, path, xattr.ErrAttrNotFound)
	}
	return string(attrs[0].Value), nil
}

// writeMarkers records the from/to snapshot pair under one flag. The pair is
// written together under attrMu so two cycles can never interleave halves.
func (m *Manager) writeMarkers(ctx context.Context, path, from, to string, flag xattr.Flag) error {
	m.attrMu.Lock()
	defer m.attrMu.Unlock()
	if err := m.attrs.Set(ctx, path, xattr.NewAttr(attrPrevFrom, []byte(from)), flag); err != nil {
		return err
	}
	return m.attrs.Set(ctx, path, xattr.NewAttr(attrPrevTo, []byte(to)), flag)
}

func initialDiffReport(localPath, to string) *snapfs.DiffReport {
	return &snapfs.DiffReport{
		Path: localPath,
		To:   to,
		Entries: []snapfs.DiffEntry{
			{Inode: snapfs.InodeDirectory, Change: snapfs.ChangeCreate, Path: "."},
		},
	}
}
