package syncd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/snapbak/snapbak/internal/snapfs"
	"github.com/snapbak/snapbak/internal/syncd/mount"
	"github.com/snapbak/snapbak/internal/syncd/plan"
	"github.com/snapbak/snapbak/internal/utils"
)

// wakeDebounce collapses a burst of filesystem events into one sync cycle.
const wakeDebounce = 500 * time.Millisecond

var ErrSyncAlreadyRunning = errors.New("sync already running")

// Controller owns the sync loop: it restores and bootstraps mounts, recovers
// cycles interrupted by a crash, and then keeps every active mount in sync
// on an interval, waking early when the file watcher sees changes.
type Controller struct {
	cfg        *Config
	manager    *mount.Manager
	translator *Translator
	executor   *Executor
	watcher    *Watcher
	wake       chan struct{}
	wg         sync.WaitGroup
	muSync     sync.Mutex
}

func NewController(cfg *Config, manager *mount.Manager, translator *Translator, executor *Executor) *Controller {
	return &Controller{
		cfg:        cfg,
		manager:    manager,
		translator: translator,
		executor:   executor,
		watcher:    NewWatcher(),
		wake:       make(chan struct{}, 1),
	}
}

func (c *Controller) Start(ctx context.Context) error {
	slog.Info("sync controller start")

	if err := c.manager.LoadMounts(ctx); err != nil {
		return fmt.Errorf("load mounts: %w", err)
	}
	if err := c.bootstrapMounts(ctx); err != nil {
		return fmt.Errorf("bootstrap mounts: %w", err)
	}

	c.recoverInterrupted(ctx)

	// watches are registered before the first pass so changes made while it
	// runs queue up instead of slipping through
	for _, mnt := range c.manager.Mounts() {
		if err := c.watcher.Watch(mnt.LocalPath); err != nil {
			slog.Warn("watch failed, falling back to interval sync", "mount", mnt.Name, "error", err)
		}
	}

	slog.Info("running initial sync")
	if err := c.syncAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("initial sync failed", "error", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		// using a timer and not a ticker to avoid queued ticks when a
		// cycle takes longer than the sync interval
		timer := time.NewTimer(c.cfg.Sync.Interval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(wakeDebounce)
			case <-timer.C:
				if err := c.syncAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Debug("sync pass skipped", "reason", err)
				}
				timer.Reset(c.cfg.Sync.Interval)
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.handleWatcherEvents(ctx)
	}()

	return nil
}

// Stop waits for the sync loops to finish. The context passed to Start must
// already be cancelled.
func (c *Controller) Stop() {
	slog.Info("sync controller stop")
	c.watcher.Stop()
	c.wg.Wait()
}

// SyncNow runs one full pass over all mounts outside the timer schedule.
// Returns ErrSyncAlreadyRunning if a pass is in flight.
func (c *Controller) SyncNow(ctx context.Context) error {
	return c.syncAll(ctx)
}

// bootstrapMounts creates backups for mounts declared in the mounts file
// that are not registered yet. Declared mounts that already exist are left
// untouched.
func (c *Controller) bootstrapMounts(ctx context.Context) error {
	specs, err := LoadMountSpecs(c.cfg.MountsFile)
	if err != nil {
		return err
	}

	dataDir, err := utils.ResolvePath(c.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	registered := make(map[string]bool)
	for _, mnt := range c.manager.Mounts() {
		registered[mnt.LocalPath] = true
	}

	for _, spec := range specs {
		local, err := utils.ResolvePath(spec.Local)
		if err != nil {
			return fmt.Errorf("resolve mount path %s: %w", spec.Local, err)
		}
		// the daemon keeps its lock and attribute database under the data
		// dir's state directory; disconnecting such a mount would take them
		if local == dataDir {
			return fmt.Errorf("mount %s: the data dir itself cannot be a backup mount", spec.Local)
		}
		if registered[local] {
			continue
		}
		name, err := c.manager.CreateBackup(ctx, local, spec.Remote)
		if errors.Is(err, mount.ErrMountExists) {
			// Markers exist but the mount never registered, usually a lost
			// descriptor. Syncing cannot resume without its identity.
			slog.Warn("path carries sync markers but no registered mount", "path", local)
			continue
		}
		if err != nil {
			return fmt.Errorf("create backup for %s: %w", local, err)
		}
		slog.Info("mount created", "mount", name, "path", local, "remote", spec.Remote)
	}
	return nil
}

// recoverInterrupted reruns the cycle of every mount whose last cycle never
// reached its commit point.
func (c *Controller) recoverInterrupted(ctx context.Context) {
	for _, mnt := range c.manager.MountsForResync(ctx) {
		slog.Warn("recovering interrupted sync cycle", "mount", mnt.Name)
		report, err := c.manager.MakeSnapshotAndDiff(ctx, mnt.LocalPath)
		if err != nil {
			slog.Error("recovery failed", "mount", mnt.Name, "error", err)
			continue
		}
		if err := c.runCycle(ctx, mnt, report); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("recovery failed", "mount", mnt.Name, "error", err)
		}
	}
}

func (c *Controller) handleWatcherEvents(ctx context.Context) {
	events := c.watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if snapfs.IsStateArtifact(event.Path()) {
				continue
			}
			slog.Debug("fs event", "path", event.Path(), "event", event.Event())
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}
	}
}

func (c *Controller) syncAll(ctx context.Context) error {
	if !c.muSync.TryLock() {
		return ErrSyncAlreadyRunning
	}
	defer c.muSync.Unlock()

	for _, mnt := range c.manager.Mounts() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.syncMount(ctx, mnt); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("sync cycle failed", "mount", mnt.Name, "error", err)
		}
	}
	return nil
}

func (c *Controller) syncMount(ctx context.Context, mnt mount.SyncMount) error {
	if mnt.Paused {
		slog.Debug("mount paused", "mount", mnt.Name)
		return nil
	}
	if c.manager.IsEmptyDiff(ctx, mnt.LocalPath) {
		return nil
	}

	report, err := c.manager.MakeSnapshotAndDiff(ctx, mnt.LocalPath)
	if err != nil {
		return err
	}
	return c.runCycle(ctx, mnt, report)
}

// runCycle applies one diff report remotely and, only when every task of
// the cycle succeeded, commits it. A cycle that fails partway is left
// uncommitted; the next pass recomputes the same diff and retries.
func (c *Controller) runCycle(ctx context.Context, mnt mount.SyncMount, report *snapfs.DiffReport) error {
	tstart := time.Now()

	metas, files, err := c.translator.Translate(mnt, report)
	if err != nil {
		return fmt.Errorf("translate diff: %w", err)
	}

	if err := c.executor.RunMeta(ctx, metas); err != nil {
		return fmt.Errorf("apply namespace changes: %w", err)
	}

	var totalBytes int64
	for _, f := range files {
		totalBytes += f.Size
	}

	p := plan.New(files, plan.WithMaxAttempts(c.cfg.Sync.MaxAttempts))
	for ctx.Err() == nil && !p.IsFinished() && !p.Terminated() {
		batch := p.HandlePhase()
		if batch.Empty() {
			continue
		}
		c.executor.RunBatch(ctx, p, batch)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.IsFinished() {
		c.executor.AbortUploads(ctx, p)
		return fmt.Errorf("upload plan for snapshot %s did not finish", report.To)
	}

	if err := c.manager.MarkSynced(ctx, mnt.Name); err != nil {
		return err
	}

	slog.Info("sync cycle applied",
		"mount", mnt.Name,
		"took", time.Since(tstart),
		"changes", len(report.Entries),
		"meta", len(metas),
		"files", len(files),
		"transported", humanize.Bytes(uint64(totalBytes)),
	)
	return nil
}
