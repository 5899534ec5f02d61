package plan

import (
	"github.com/google/uuid"

	"github.com/snapbak/snapbak/internal/syncd/task"
)

// CreateFile is the translator's intent to upload one file in parts.
type CreateFile struct {
	Mount     string
	Path      string
	RemoteKey string
	Size      int64
	Parts     []PartSpec
}

// PartSpec is one part's byte range; Number is the 1-based multipart
// position.
type PartSpec struct {
	Number int
	Offset int64
	Length int64
}

type taskState int

const (
	taskPending taskState = iota
	taskFinished
	taskFailed
)

type taskStatus struct {
	state    taskState
	attempts int
}

// singleMultipart drives one file through init, put and complete. The unit
// owns its three task sets and the handles the earlier phases produced; the
// plan mutex guards all access.
type singleMultipart struct {
	file        CreateFile
	maxAttempts int

	init     *task.Metadata
	puts     map[uuid.UUID]*task.Block
	complete *task.Metadata
	status   map[uuid.UUID]*taskStatus

	uploadHandle []byte
	partHandles  map[int][]byte

	dead bool
}

func newSingleMultipart(file CreateFile, maxAttempts int) *singleMultipart {
	unit := &singleMultipart{
		file:        file,
		maxAttempts: maxAttempts,
		init:        task.NewMetadata(file.Mount, file.Path, file.RemoteKey, task.OpCreateFile),
		puts:        make(map[uuid.UUID]*task.Block, len(file.Parts)),
		complete:    task.NewMetadata(file.Mount, file.Path, file.RemoteKey, task.OpCompleteFile),
		status:      make(map[uuid.UUID]*taskStatus, len(file.Parts)+2),
		partHandles: make(map[int][]byte, len(file.Parts)),
	}

	unit.status[unit.init.ID] = &taskStatus{}
	for _, part := range file.Parts {
		block := task.NewBlock(file.Mount, file.Path, file.RemoteKey, part.Number, part.Offset, part.Length)
		unit.puts[block.ID] = block
		unit.status[block.ID] = &taskStatus{}
	}
	unit.status[unit.complete.ID] = &taskStatus{}

	return unit
}

// taskIDs lists every task id the unit owns, for the plan's routing index.
func (u *singleMultipart) taskIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(u.status))
	for id := range u.status {
		ids = append(ids, id)
	}
	return ids
}

// phaseOf resolves which phase a task id belongs to.
func (u *singleMultipart) phaseOf(id uuid.UUID) (Phase, bool) {
	switch {
	case id == u.init.ID:
		return PhaseInit, true
	case id == u.complete.ID:
		return PhaseComplete, true
	default:
		_, ok := u.puts[id]
		return PhasePut, ok
	}
}

// inProgress reports whether the unit still has schedulable or in-flight
// work for the phase. Dead units never hold a phase open.
func (u *singleMultipart) inProgress(phase Phase) bool {
	if u.dead {
		return false
	}
	switch phase {
	case PhaseInit:
		return u.status[u.init.ID].state == taskPending
	case PhasePut:
		for id := range u.puts {
			if u.status[id].state == taskPending {
				return true
			}
		}
		return false
	case PhaseComplete:
		return u.status[u.complete.ID].state == taskPending
	default:
		return false
	}
}

// appendBatch adds the unit's pending tasks for the phase, stamped with the
// handles collected so far.
func (u *singleMultipart) appendBatch(phase Phase, batch *Batch) {
	if u.dead {
		return
	}
	switch phase {
	case PhaseInit:
		if u.status[u.init.ID].state == taskPending {
			batch.Meta = append(batch.Meta, u.init)
		}
	case PhasePut:
		for id, block := range u.puts {
			if u.status[id].state == taskPending {
				block.UploadHandle = u.uploadHandle
				batch.Blocks = append(batch.Blocks, block)
			}
		}
	case PhaseComplete:
		if u.status[u.complete.ID].state == taskPending {
			u.complete.UploadHandle = u.uploadHandle
			u.complete.PartHandles = u.partHandles
			batch.Meta = append(batch.Meta, u.complete)
		}
	}
}

// markFinished records a completion for the plan's current phase. Callbacks
// for a task outside the current phase are stale and ignored.
func (u *singleMultipart) markFinished(id uuid.UUID, phase Phase, res task.Result) bool {
	taskPhase, ok := u.phaseOf(id)
	if !ok || taskPhase != phase {
		return false
	}
	st := u.status[id]
	if st.state != taskPending {
		return false
	}
	st.state = taskFinished

	switch taskPhase {
	case PhaseInit:
		u.uploadHandle = res.Payload
	case PhasePut:
		u.partHandles[u.puts[id].PartNumber] = res.Payload
	}
	return true
}

// markFailed consumes one retry attempt for the task. With budget left the
// task stays pending and will be re-batched; once the budget is spent the
// whole unit is dead and none of its later-phase tasks are ever scheduled.
func (u *singleMultipart) markFailed(id uuid.UUID) {
	st, ok := u.status[id]
	if !ok || st.state != taskPending {
		return
	}
	st.attempts++
	if st.attempts >= u.maxAttempts {
		st.state = taskFailed
		u.dead = true
	}
}

// finished reports whether the unit passed its complete task successfully.
func (u *singleMultipart) finished() bool {
	return !u.dead && u.status[u.complete.ID].state == taskFinished
}

// terminated reports whether the unit can make no further progress: it
// either finished or died.
func (u *singleMultipart) terminated() bool {
	return u.dead || u.finished()
}
