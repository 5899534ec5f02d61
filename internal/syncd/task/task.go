// Package task defines the unit of work the sync executor runs: metadata
// operations that shape the remote namespace and block operations that carry
// file bytes. Tasks are produced by the translator and the multipart plan,
// and every execution reports back exactly one feedback record.
package task

import (
	"fmt"

	"github.com/google/uuid"
)

// Operation enumerates the metadata task kinds.
type Operation int

const (
	OpCreateFile Operation = iota
	OpCompleteFile
	OpCreateDirectory
	OpDeleteFile
	OpDeleteDirectory
	OpRenameFile
	OpRenameDirectory
	OpModifyFile
	OpTouchFile
)

func (o Operation) String() string {
	switch o {
	case OpCreateFile:
		return "create_file"
	case OpCompleteFile:
		return "complete_file"
	case OpCreateDirectory:
		return "create_directory"
	case OpDeleteFile:
		return "delete_file"
	case OpDeleteDirectory:
		return "delete_directory"
	case OpRenameFile:
		return "rename_file"
	case OpRenameDirectory:
		return "rename_directory"
	case OpModifyFile:
		return "modify_file"
	case OpTouchFile:
		return "touch_file"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// Metadata is a namespace-shaping task. For rename operations Target carries
// the new path. CreateFile and CompleteFile bracket a multipart upload:
// CreateFile opens it, CompleteFile presents the collected part handles.
type Metadata struct {
	ID           uuid.UUID
	Mount        string
	Path         string
	RemoteKey    string
	Op           Operation
	Target       string
	UploadHandle []byte
	PartHandles  map[int][]byte
}

func NewMetadata(mount, path, remoteKey string, op Operation) *Metadata {
	return &Metadata{
		ID:        uuid.New(),
		Mount:     mount,
		Path:      path,
		RemoteKey: remoteKey,
		Op:        op,
	}
}

func (m *Metadata) String() string {
	return fmt.Sprintf("%s %s (%s)", m.Op, m.Path, m.ID)
}

// Block uploads one part of one file. Offset and Length bound the byte range
// read from the local file; PartNumber is the 1-based multipart position.
type Block struct {
	ID           uuid.UUID
	Mount        string
	Path         string
	RemoteKey    string
	UploadHandle []byte
	PartNumber   int
	Offset       int64
	Length       int64
}

func NewBlock(mount, path, remoteKey string, partNumber int, offset, length int64) *Block {
	return &Block{
		ID:         uuid.New(),
		Mount:      mount,
		Path:       path,
		RemoteKey:  remoteKey,
		PartNumber: partNumber,
		Offset:     offset,
		Length:     length,
	}
}

func (b *Block) String() string {
	return fmt.Sprintf("block %d of %s [%d+%d] (%s)", b.PartNumber, b.Path, b.Offset, b.Length, b.ID)
}

// Result is what a finished task execution produced. Payload carries the
// upload handle for a CreateFile task and the encoded part handle for a
// block task; it is empty otherwise.
type Result struct {
	Bytes   int64
	Payload []byte
}

// Outcome classifies a task execution for stats folding.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MetaFeedback reports one metadata task execution to the stats fold.
type MetaFeedback struct {
	MountName string
	Op        Operation
	Outcome   Outcome
	Result    Result
}

// BlockFeedback reports one block task execution to the stats fold.
type BlockFeedback struct {
	MountName string
	Outcome   Outcome
	Result    Result
}

// BulkFeedback batches block feedback from one dispatch round.
type BulkFeedback struct {
	Blocks []BlockFeedback
}
