package mount

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/snapbak/snapbak/internal/syncd/task"
)

// Metrics is an (operation count, byte count) pair.
type Metrics struct {
	Ops   int64
	Bytes int64
}

func (m Metrics) add(o Metrics) Metrics {
	return Metrics{Ops: m.Ops + o.Ops, Bytes: m.Bytes + o.Bytes}
}

// SyncStats is an immutable aggregate of task execution outcomes for one
// mount. Instances are never mutated after construction; folding feedback in
// produces a fresh aggregate via Merge, so a reader holding a *SyncStats can
// never observe a half-applied update. Merge is associative and commutative,
// which lets concurrent feedback land in any order.
type SyncStats struct {
	metaSuccesses  map[task.Operation]Metrics
	metaFailures   map[task.Operation]int64
	blockSuccesses Metrics
	blockFailures  int64
}

// EmptyStats returns a zero aggregate.
func EmptyStats() *SyncStats {
	return &SyncStats{
		metaSuccesses: map[task.Operation]Metrics{},
		metaFailures:  map[task.Operation]int64{},
	}
}

// FromMetaFeedback returns a one-event aggregate for a metadata task outcome.
func FromMetaFeedback(fb task.MetaFeedback) *SyncStats {
	s := EmptyStats()
	switch fb.Outcome {
	case task.Succeeded:
		s.metaSuccesses[fb.Op] = Metrics{Ops: 1, Bytes: fb.Result.Bytes}
	case task.Failed:
		s.metaFailures[fb.Op] = 1
	}
	return s
}

// FromBlockFeedback returns a one-event aggregate for a block task outcome.
func FromBlockFeedback(fb task.BlockFeedback) *SyncStats {
	s := EmptyStats()
	switch fb.Outcome {
	case task.Succeeded:
		s.blockSuccesses = Metrics{Ops: 1, Bytes: fb.Result.Bytes}
	case task.Failed:
		s.blockFailures = 1
	}
	return s
}

// Merge returns a new aggregate holding the per-counter sums of s and o.
// Neither input is modified.
func (s *SyncStats) Merge(o *SyncStats) *SyncStats {
	out := &SyncStats{
		metaSuccesses:  make(map[task.Operation]Metrics, len(s.metaSuccesses)),
		metaFailures:   make(map[task.Operation]int64, len(s.metaFailures)),
		blockSuccesses: s.blockSuccesses.add(o.blockSuccesses),
		blockFailures:  s.blockFailures + o.blockFailures,
	}
	for op, m := range s.metaSuccesses {
		out.metaSuccesses[op] = m
	}
	for op, m := range o.metaSuccesses {
		out.metaSuccesses[op] = out.metaSuccesses[op].add(m)
	}
	for op, n := range s.metaFailures {
		out.metaFailures[op] = n
	}
	for op, n := range o.metaFailures {
		out.metaFailures[op] += n
	}
	return out
}

// MetaSuccesses returns the success metrics recorded for one operation kind.
func (s *SyncStats) MetaSuccesses(op task.Operation) Metrics {
	return s.metaSuccesses[op]
}

// MetaFailures returns the failure count recorded for one operation kind.
func (s *SyncStats) MetaFailures(op task.Operation) int64 {
	return s.metaFailures[op]
}

// BlockSuccesses returns the aggregate over all successful block uploads.
func (s *SyncStats) BlockSuccesses() Metrics {
	return s.blockSuccesses
}

// BlockFailures returns the count of failed block uploads.
func (s *SyncStats) BlockFailures() int64 {
	return s.blockFailures
}

// TransportedBytes returns the total bytes carried to the remote, block
// payloads plus any bytes metadata operations reported.
func (s *SyncStats) TransportedBytes() int64 {
	total := s.blockSuccesses.Bytes
	for _, m := range s.metaSuccesses {
		total += m.Bytes
	}
	return total
}

func (s *SyncStats) String() string {
	var metaOps, metaFails int64
	for _, m := range s.metaSuccesses {
		metaOps += m.Ops
	}
	for _, n := range s.metaFailures {
		metaFails += n
	}
	return fmt.Sprintf("meta %d ok %d failed, blocks %d ok %d failed, %s transported",
		metaOps, metaFails, s.blockSuccesses.Ops, s.blockFailures,
		humanize.Bytes(uint64(s.TransportedBytes())))
}
