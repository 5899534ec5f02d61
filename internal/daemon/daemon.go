// Package daemon wires the backup daemon together: one locked data
// directory, an attribute store for sync markers, the snapshot engine and
// the sync controller that pushes cycles to the remote store.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/snapbak/snapbak/internal/blob"
	"github.com/snapbak/snapbak/internal/snapfs"
	"github.com/snapbak/snapbak/internal/syncd"
	"github.com/snapbak/snapbak/internal/syncd/mount"
	"github.com/snapbak/snapbak/internal/utils"
	"github.com/snapbak/snapbak/internal/xattr"
)

const (
	lockFile    = "snapbakd.lock"
	attrsDBFile = "attrs.db"
)

var ErrDataDirLocked = errors.New("data dir locked by another process")

// Daemon owns the daemon's process-wide resources. New builds all
// collaborators; Start locks the data dir, runs the sync controller and
// blocks until the context is cancelled.
type Daemon struct {
	cfg        *syncd.Config
	dataDir    string
	flock      *flock.Flock
	attrs      xattr.Store
	sqlite     *xattr.SqliteStore // nil when the os backend is selected
	controller *syncd.Controller
}

func New(cfg *syncd.Config) (*Daemon, error) {
	dataDir, err := utils.ResolvePath(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.DataDir, err)
	}

	// Daemon state lives in the engine's metadata dir so it never shows up
	// in diffs or watch events.
	stateDir := snapfs.StateDir(dataDir)
	if err := utils.EnsureDir(stateDir); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", stateDir, err)
	}

	var attrs xattr.Store
	var sqlite *xattr.SqliteStore
	switch cfg.AttrBackend {
	case "os":
		attrs = xattr.NewOSStore()
	default:
		sqlite, err = xattr.NewSqliteStore(filepath.Join(stateDir, attrsDBFile))
		if err != nil {
			return nil, fmt.Errorf("failed to create attr store: %w", err)
		}
		attrs = sqlite
	}

	uploader, err := blob.NewS3UploaderWithConfig(&cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("failed to create uploader: %w", err)
	}

	engine := snapfs.NewLocalEngine(dataDir)
	manager := mount.NewManager(engine, attrs)
	translator := syncd.NewTranslator(engine, cfg.Sync.PartSize, cfg.Sync.Ignore)
	executor := syncd.NewExecutor(uploader, manager, cfg.Sync.Workers)

	return &Daemon{
		cfg:        cfg,
		dataDir:    dataDir,
		flock:      flock.New(filepath.Join(stateDir, lockFile)),
		attrs:      attrs,
		sqlite:     sqlite,
		controller: syncd.NewController(cfg, manager, translator, executor),
	}, nil
}

func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("snapbak daemon start", "datadir", d.dataDir, "bucket", d.cfg.S3.Bucket)

	if err := d.acquireLock(); err != nil {
		return err
	}
	defer d.releaseLock()

	if d.sqlite != nil {
		if err := d.sqlite.Open(); err != nil {
			return fmt.Errorf("failed to open attr store: %w", err)
		}
		defer func() {
			if err := d.sqlite.Close(); err != nil {
				slog.Error("failed to close attr store", "error", err)
			}
		}()
	}

	if err := d.controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync controller: %w", err)
	}

	<-ctx.Done()
	slog.Info("received interrupt signal, stopping daemon")

	d.controller.Stop()
	slog.Info("snapbak daemon stop")
	return nil
}

// acquireLock takes the data dir lock so other daemon instances cannot sync
// the same trees.
func (d *Daemon) acquireLock() error {
	locked, err := d.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock data dir: %w", err)
	}
	if !locked {
		return ErrDataDirLocked
	}
	return nil
}

// releaseLock is a no-op if this process never held the lock, so the lock
// file of a running instance survives a failed second start.
func (d *Daemon) releaseLock() {
	if !d.flock.Locked() {
		return
	}
	if err := d.flock.Unlock(); err != nil {
		slog.Error("failed to unlock data dir", "error", err)
		return
	}
	_ = os.Remove(d.flock.Path())
}
