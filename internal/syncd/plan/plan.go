// Package plan turns a set of file-upload intents into phased multipart
// work. A plan owns one shared phase for all of its units; each unit owns
// the per-task bookkeeping for one file. The phase only advances when no
// unit has outstanding work for it, so slow files hold the whole plan back
// rather than being finalized early.
package plan

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/snapbak/snapbak/internal/syncd/task"
)

// DefaultMaxAttempts is the per-task retry budget before a unit is written
// off.
const DefaultMaxAttempts = 3

// Batch is one round of schedulable work, all belonging to a single phase.
type Batch struct {
	Meta   []*task.Metadata
	Blocks []*task.Block
}

func (b *Batch) Empty() bool {
	return len(b.Meta) == 0 && len(b.Blocks) == 0
}

// Size returns the number of tasks in the batch.
func (b *Batch) Size() int {
	return len(b.Meta) + len(b.Blocks)
}

type Option func(*Plan)

// WithMaxAttempts overrides the per-task retry budget.
func WithMaxAttempts(n int) Option {
	return func(p *Plan) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// Plan coordinates the multipart upload of many files through the shared
// phase state machine. All methods are safe for concurrent use; one mutex
// serializes phase decisions against completion callbacks.
type Plan struct {
	mu          sync.Mutex
	phase       Phase
	units       []*singleMultipart
	index       map[uuid.UUID]*singleMultipart
	maxAttempts int
}

// New wraps each intent into one unit, all starting in PhaseInit, and builds
// the task routing index.
func New(files []CreateFile, opts ...Option) *Plan {
	p := &Plan{
		phase:       PhaseInit,
		maxAttempts: DefaultMaxAttempts,
		index:       make(map[uuid.UUID]*singleMultipart),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.units = make([]*singleMultipart, 0, len(files))
	for _, file := range files {
		unit := newSingleMultipart(file, p.maxAttempts)
		p.units = append(p.units, unit)
		for _, id := range unit.taskIDs() {
			p.index[id] = unit
		}
	}
	return p
}

// Phase returns the plan's current phase.
func (p *Plan) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// HandlePhase returns the batch of schedulable work for the current phase.
// If any unit still has outstanding work for it the phase holds and the same
// batch shape is returned again; otherwise the phase advances once and the
// new phase's batch is returned. This is the plan's backpressure point.
func (p *Plan) HandlePhase() *Batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inProgressLocked(p.phase) && p.phase != PhaseDone {
		p.phase = p.phase.Next()
		slog.Debug("plan phase advanced", "phase", p.phase)
	}

	batch := &Batch{}
	for _, unit := range p.units {
		unit.appendBatch(p.phase, batch)
	}
	return batch
}

// MarkFinished records a successful task execution. The owning unit
// interprets the result against the plan's current phase; unknown ids are
// ignored.
func (p *Plan) MarkFinished(id uuid.UUID, res task.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	unit, ok := p.index[id]
	if !ok {
		slog.Debug("finish callback for unknown task", "task", id)
		return
	}
	unit.markFinished(id, p.phase, res)
}

// MarkFailed records a failed task execution. The owning unit consumes one
// retry attempt; a task with budget left returns to pending and the phase
// cannot advance past it. MarkFailed reports true only when every unit is
// terminated, meaning the plan as a whole can make no further progress.
func (p *Plan) MarkFailed(id uuid.UUID, res task.Result) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	unit, ok := p.index[id]
	if !ok {
		slog.Debug("failure callback for unknown task", "task", id)
		return p.terminatedLocked()
	}
	unit.markFailed(id)
	if unit.dead {
		slog.Warn("multipart unit failed terminally", "path", unit.file.Path, "mount", unit.file.Mount)
	}
	return p.terminatedLocked()
}

// IsFinished reports whether every unit passed its complete phase.
func (p *Plan) IsFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, unit := range p.units {
		if !unit.finished() {
			return false
		}
	}
	return true
}

// Terminated reports whether no unit can make further progress, finished or
// otherwise. A terminated, unfinished plan is abandoned by the caller.
func (p *Plan) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminatedLocked()
}

func (p *Plan) inProgressLocked(phase Phase) bool {
	for _, unit := range p.units {
		if unit.inProgress(phase) {
			return true
		}
	}
	return false
}

func (p *Plan) terminatedLocked() bool {
	for _, unit := range p.units {
		if !unit.terminated() {
			return false
		}
	}
	return true
}

// Upload identifies one in-flight multipart upload at the remote store.
type Upload struct {
	Mount        string
	RemoteKey    string
	UploadHandle []byte
}

// AbandonedUploads returns the uploads of dead units whose init phase had
// already opened a remote multipart upload. Callers abort these so the
// remote store does not accumulate half-finished uploads.
func (p *Plan) AbandonedUploads() []Upload {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Upload
	for _, unit := range p.units {
		if unit.dead && len(unit.uploadHandle) > 0 {
			out = append(out, Upload{
				Mount:        unit.file.Mount,
				RemoteKey:    unit.file.RemoteKey,
				UploadHandle: unit.uploadHandle,
			})
		}
	}
	return out
}
