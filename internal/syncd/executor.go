package syncd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/snapbak/snapbak/internal/blob"
	"github.com/snapbak/snapbak/internal/syncd/plan"
	"github.com/snapbak/snapbak/internal/syncd/task"
)

// FeedbackSink receives one feedback record per executed task. The mount
// manager implements it to fold execution outcomes into per-mount stats.
type FeedbackSink interface {
	UpdateMetaStats(fb task.MetaFeedback) error
	UpdateBlockStats(fb task.BlockFeedback) error
}

// Executor runs translated tasks against the remote store. Metadata tasks
// run sequentially in report order; block tasks fan out over a bounded
// worker pool.
type Executor struct {
	uploader blob.Uploader
	sink     FeedbackSink
	workers  int
}

func NewExecutor(uploader blob.Uploader, sink FeedbackSink, workers int) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Executor{
		uploader: uploader,
		sink:     sink,
		workers:  workers,
	}
}

// RunMeta executes standalone metadata tasks one by one, preserving report
// order. Deletes and renames depend on their parents still existing
// remotely, so reordering them is not safe. Errors are collected rather
// than aborting the pass; a later cycle retries whatever failed.
func (e *Executor) RunMeta(ctx context.Context, tasks []*task.Metadata) error {
	var errs []error
	for _, md := range tasks {
		res, err := e.runMeta(ctx, md)
		outcome := task.Succeeded
		if err != nil {
			outcome = task.Failed
			errs = append(errs, fmt.Errorf("%s: %w", md, err))
			slog.Error("metadata task failed", "task", md.String(), "error", err)
		}
		e.feedbackMeta(md, outcome, res)
	}
	return errors.Join(errs...)
}

// RunBatch executes one plan batch over the worker pool. Every task ends in
// exactly one MarkFinished or MarkFailed call on the plan plus one feedback
// record, and a single failing task never cancels the rest of the batch.
func (e *Executor) RunBatch(ctx context.Context, p *plan.Plan, batch *plan.Batch) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, md := range batch.Meta {
		g.Go(func() error {
			res, err := e.runMeta(ctx, md)
			if err != nil {
				slog.Error("metadata task failed", "task", md.String(), "error", err)
				p.MarkFailed(md.ID, task.Result{})
				e.feedbackMeta(md, task.Failed, task.Result{})
				return nil
			}
			p.MarkFinished(md.ID, res)
			e.feedbackMeta(md, task.Succeeded, res)
			return nil
		})
	}

	for _, b := range batch.Blocks {
		g.Go(func() error {
			res, err := e.runBlock(ctx, b)
			if err != nil {
				slog.Error("block task failed", "task", b.String(), "error", err)
				p.MarkFailed(b.ID, task.Result{})
				e.feedbackBlock(b, task.Failed, task.Result{})
				return nil
			}
			p.MarkFinished(b.ID, res)
			e.feedbackBlock(b, task.Succeeded, res)
			return nil
		})
	}

	_ = g.Wait()
}

// AbortUploads aborts every abandoned multipart upload left behind by a
// plan that could not finish. Best effort: a failed abort is only logged,
// the remote store expires unfinished uploads on its own schedule.
func (e *Executor) AbortUploads(ctx context.Context, p *plan.Plan) {
	for _, up := range p.AbandonedUploads() {
		if err := e.uploader.AbortMultipart(ctx, up.RemoteKey, up.UploadHandle); err != nil {
			slog.Warn("abort upload failed", "mount", up.Mount, "key", up.RemoteKey, "error", err)
			continue
		}
		slog.Info("aborted abandoned upload", "mount", up.Mount, "key", up.RemoteKey)
	}
}

func (e *Executor) runMeta(ctx context.Context, md *task.Metadata) (task.Result, error) {
	switch md.Op {
	case task.OpCreateFile:
		handle, err := e.uploader.CreateMultipart(ctx, md.RemoteKey)
		if err != nil {
			return task.Result{}, err
		}
		return task.Result{Payload: handle}, nil

	case task.OpCompleteFile:
		etag, err := e.uploader.CompleteMultipart(ctx, md.RemoteKey, md.UploadHandle, md.PartHandles)
		if err != nil {
			return task.Result{}, err
		}
		return task.Result{Payload: []byte(etag)}, nil

	case task.OpDeleteFile:
		if err := e.uploader.DeleteObject(ctx, md.RemoteKey); err != nil {
			return task.Result{}, err
		}
		return task.Result{}, nil

	case task.OpRenameFile:
		if err := e.uploader.CopyObject(ctx, md.RemoteKey, md.Target); err != nil {
			return task.Result{}, err
		}
		if err := e.uploader.DeleteObject(ctx, md.RemoteKey); err != nil {
			return task.Result{}, err
		}
		return task.Result{}, nil

	case task.OpCreateDirectory, task.OpDeleteDirectory, task.OpRenameDirectory, task.OpModifyFile, task.OpTouchFile:
		// Object stores have no directories; these acknowledge without a
		// remote call so ordering and stats still see them.
		return task.Result{}, nil

	default:
		return task.Result{}, fmt.Errorf("unsupported operation %s", md.Op)
	}
}

func (e *Executor) runBlock(ctx context.Context, b *task.Block) (task.Result, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		return task.Result{}, fmt.Errorf("open block source: %w", err)
	}
	defer f.Close()

	section := io.NewSectionReader(f, b.Offset, b.Length)
	handle, err := e.uploader.UploadPart(ctx, b.RemoteKey, b.UploadHandle, b.PartNumber, section, b.Length)
	if err != nil {
		return task.Result{}, err
	}
	return task.Result{Bytes: b.Length, Payload: handle}, nil
}

func (e *Executor) feedbackMeta(md *task.Metadata, outcome task.Outcome, res task.Result) {
	fb := task.MetaFeedback{
		MountName: md.Mount,
		Op:        md.Op,
		Outcome:   outcome,
		Result:    res,
	}
	if err := e.sink.UpdateMetaStats(fb); err != nil {
		slog.Debug("stats feedback dropped", "mount", md.Mount, "error", err)
	}
}

func (e *Executor) feedbackBlock(b *task.Block, outcome task.Outcome, res task.Result) {
	fb := task.BlockFeedback{
		MountName: b.Mount,
		Outcome:   outcome,
		Result:    res,
	}
	if err := e.sink.UpdateBlockStats(fb); err != nil {
		slog.Debug("stats feedback dropped", "mount", b.Mount, "error", err)
	}
}
