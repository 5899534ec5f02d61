package mount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapbak/snapbak/internal/syncd/task"
)

func metaOK(op task.Operation, bytes int64) task.MetaFeedback {
	return task.MetaFeedback{
		MountName: "m",
		Op:        op,
		Outcome:   task.Succeeded,
		Result:    task.Result{Bytes: bytes},
	}
}

func blockOK(bytes int64) task.BlockFeedback {
	return task.BlockFeedback{
		MountName: "m",
		Outcome:   task.Succeeded,
		Result:    task.Result{Bytes: bytes},
	}
}

func TestSyncStats_Merge_SumsCounters(t *testing.T) {
	s := EmptyStats().
		Merge(FromMetaFeedback(metaOK(task.OpCreateFile, 0))).
		Merge(FromMetaFeedback(metaOK(task.OpCreateFile, 0))).
		Merge(FromMetaFeedback(metaOK(task.OpCreateDirectory, 0))).
		Merge(FromBlockFeedback(blockOK(100))).
		Merge(FromBlockFeedback(blockOK(250))).
		Merge(FromBlockFeedback(task.BlockFeedback{Outcome: task.Failed}))

	assert.Equal(t, int64(2), s.MetaSuccesses(task.OpCreateFile).Ops)
	assert.Equal(t, int64(1), s.MetaSuccesses(task.OpCreateDirectory).Ops)
	assert.Equal(t, Metrics{Ops: 2, Bytes: 350}, s.BlockSuccesses())
	assert.Equal(t, int64(1), s.BlockFailures())
	assert.Equal(t, int64(350), s.TransportedBytes())
}

func TestSyncStats_Merge_OrderIndependent(t *testing.T) {
	a := FromMetaFeedback(metaOK(task.OpRenameFile, 0))
	b := FromBlockFeedback(blockOK(64))
	c := FromMetaFeedback(task.MetaFeedback{Op: task.OpDeleteFile, Outcome: task.Failed})

	left := a.Merge(b).Merge(c)
	right := c.Merge(b).Merge(a)

	assert.Equal(t, left.MetaSuccesses(task.OpRenameFile), right.MetaSuccesses(task.OpRenameFile))
	assert.Equal(t, left.MetaFailures(task.OpDeleteFile), right.MetaFailures(task.OpDeleteFile))
	assert.Equal(t, left.BlockSuccesses(), right.BlockSuccesses())
	assert.Equal(t, left.TransportedBytes(), right.TransportedBytes())
}

func TestSyncStats_Merge_LeavesInputsUntouched(t *testing.T) {
	base := FromBlockFeedback(blockOK(10))
	delta := FromBlockFeedback(blockOK(32))

	merged := base.Merge(delta)
	require.Equal(t, Metrics{Ops: 2, Bytes: 42}, merged.BlockSuccesses())

	assert.Equal(t, Metrics{Ops: 1, Bytes: 10}, base.BlockSuccesses())
	assert.Equal(t, Metrics{Ops: 1, Bytes: 32}, delta.BlockSuccesses())
}

func TestSyncStats_FailedFeedback_CountsNoBytes(t *testing.T) {
	s := FromBlockFeedback(task.BlockFeedback{
		Outcome: task.Failed,
		Result:  task.Result{Bytes: 999},
	})

	assert.Equal(t, int64(1), s.BlockFailures())
	assert.Equal(t, Metrics{}, s.BlockSuccesses())
	assert.Equal(t, int64(0), s.TransportedBytes())
}

func TestSyncStats_String_Humanized(t *testing.T) {
	s := EmptyStats().
		Merge(FromBlockFeedback(blockOK(2048))).
		Merge(FromMetaFeedback(metaOK(task.OpCreateFile, 0)))

	out := s.String()
	assert.Contains(t, out, "meta 1 ok")
	assert.Contains(t, out, "blocks 1 ok")
	assert.Contains(t, out, "kB")
}
