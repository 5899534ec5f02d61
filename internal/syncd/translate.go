package syncd

import (
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/snapbak/snapbak/internal/snapfs"
	"github.com/snapbak/snapbak/internal/syncd/mount"
	"github.com/snapbak/snapbak/internal/syncd/plan"
	"github.com/snapbak/snapbak/internal/syncd/task"
)

// Translator turns a snapshot diff into executable work: a pre-pass of
// metadata tasks applied in report order, plus the create-file intents the
// multipart plan phases through the remote store. File bytes are always read
// from the cycle's to-snapshot, never the live tree, so uploads see a
// consistent state. Symlinks have no remote representation and are skipped.
type Translator struct {
	engine   snapfs.Engine
	partSize int64
	ignore   []string
}

func NewTranslator(engine snapfs.Engine, partSize int64, ignore []string) *Translator {
	return &Translator{
		engine:   engine,
		partSize: partSize,
		ignore:   ignore,
	}
}

// Translate maps each diff entry to work. Created and modified files become
// plan intents; directory creates, deletes and renames become pre-pass
// metadata tasks in report order. A root-create entry means the whole
// snapshot tree is new and is expanded by walking it.
func (t *Translator) Translate(mnt mount.SyncMount, report *snapfs.DiffReport) ([]*task.Metadata, []plan.CreateFile, error) {
	snapRoot, err := t.engine.SnapshotRoot(report.Path, report.To)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve snapshot %q: %w", report.To, err)
	}
	prefix := remotePrefix(mnt.RemoteLocation)

	var pre []*task.Metadata
	var files []plan.CreateFile
	for _, entry := range report.Entries {
		if entry.Change == snapfs.ChangeCreate && entry.Inode == snapfs.InodeDirectory && entry.Path == "." {
			treePre, treeFiles, err := t.expandTree(mnt, snapRoot, prefix)
			if err != nil {
				return nil, nil, err
			}
			pre = append(pre, treePre...)
			files = append(files, treeFiles...)
			continue
		}
		if t.ignored(entry.Path) {
			slog.Debug("translate: ignoring path", "mount", mnt.Name, "path", entry.Path)
			continue
		}
		if entry.Inode == snapfs.InodeSymlink {
			slog.Debug("translate: skipping symlink", "mount", mnt.Name, "path", entry.Path)
			continue
		}

		switch entry.Change {
		case snapfs.ChangeCreate:
			if entry.Inode == snapfs.InodeDirectory {
				pre = append(pre, task.NewMetadata(mnt.Name, entry.Path, remoteKey(prefix, entry.Path), task.OpCreateDirectory))
				continue
			}
			file, err := t.createFile(mnt, snapRoot, prefix, entry.Path)
			if err != nil {
				return nil, nil, err
			}
			files = append(files, file)
		case snapfs.ChangeModify:
			if entry.Inode != snapfs.InodeFile {
				continue // directory metadata has no remote shape
			}
			file, err := t.createFile(mnt, snapRoot, prefix, entry.Path)
			if err != nil {
				return nil, nil, err
			}
			files = append(files, file)
		case snapfs.ChangeDelete:
			op := task.OpDeleteFile
			if entry.Inode == snapfs.InodeDirectory {
				op = task.OpDeleteDirectory
			}
			pre = append(pre, task.NewMetadata(mnt.Name, entry.Path, remoteKey(prefix, entry.Path), op))
		case snapfs.ChangeRename:
			op := task.OpRenameFile
			if entry.Inode == snapfs.InodeDirectory {
				op = task.OpRenameDirectory
			}
			md := task.NewMetadata(mnt.Name, entry.Path, remoteKey(prefix, entry.Path), op)
			md.Target = remoteKey(prefix, entry.Target)
			pre = append(pre, md)
		}
	}
	return pre, files, nil
}

// expandTree emits create work for every entry under the snapshot root.
func (t *Translator) expandTree(mnt mount.SyncMount, snapRoot, prefix string) ([]*task.Metadata, []plan.CreateFile, error) {
	var pre []*task.Metadata
	var files []plan.CreateFile

	err := filepath.WalkDir(snapRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(snapRoot, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			pre = append(pre, task.NewMetadata(mnt.Name, ".", remoteKey(prefix, "."), task.OpCreateDirectory))
			return nil
		}
		if t.ignored(rel) {
			slog.Debug("translate: ignoring path", "mount", mnt.Name, "path", rel)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case d.IsDir():
			pre = append(pre, task.NewMetadata(mnt.Name, rel, remoteKey(prefix, rel), task.OpCreateDirectory))
		case d.Type().IsRegular():
			file, err := t.createFile(mnt, snapRoot, prefix, rel)
			if err != nil {
				return err
			}
			files = append(files, file)
		default:
			slog.Debug("translate: skipping irregular file", "mount", mnt.Name, "path", rel)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk snapshot tree %q: %w", snapRoot, err)
	}
	return pre, files, nil
}

func (t *Translator) createFile(mnt mount.SyncMount, snapRoot, prefix, rel string) (plan.CreateFile, error) {
	full := filepath.Join(snapRoot, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return plan.CreateFile{}, fmt.Errorf("stat %q: %w", full, err)
	}
	return plan.CreateFile{
		Mount:     mnt.Name,
		Path:      full,
		RemoteKey: remoteKey(prefix, rel),
		Size:      info.Size(),
		Parts:     chunkParts(info.Size(), t.partSize),
	}, nil
}

func (t *Translator) ignored(rel string) bool {
	for _, pattern := range t.ignore {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// chunkParts splits size bytes into part-sized ranges. A zero-byte file
// still carries one empty part so the upload has something to complete.
func chunkParts(size, partSize int64) []plan.PartSpec {
	if size == 0 {
		return []plan.PartSpec{{Number: 1, Offset: 0, Length: 0}}
	}
	parts := make([]plan.PartSpec, 0, (size+partSize-1)/partSize)
	number := 1
	for offset := int64(0); offset < size; offset += partSize {
		parts = append(parts, plan.PartSpec{
			Number: number,
			Offset: offset,
			Length: min(partSize, size-offset),
		})
		number++
	}
	return parts
}

// remotePrefix extracts the object key prefix from a mount's remote
// location, e.g. "s3://bucket/backups/alpha" yields "backups/alpha".
func remotePrefix(remoteLocation string) string {
	if u, err := url.Parse(remoteLocation); err == nil && u.Scheme != "" {
		return strings.Trim(u.Path, "/")
	}
	return strings.Trim(remoteLocation, "/")
}

func remoteKey(prefix, rel string) string {
	if rel == "." || rel == "" {
		return prefix
	}
	return path.Join(prefix, filepath.ToSlash(rel))
}
