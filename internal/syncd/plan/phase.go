package plan

import "fmt"

// Phase is the stage a multipart plan is in. Phases only move forward:
// remote objects are initiated before any part is uploaded, and parts are
// all uploaded before any object is finalized.
type Phase int

const (
	PhaseInit Phase = iota
	PhasePut
	PhaseComplete
	PhaseDone
)

// Next returns the following phase. PhaseDone is a fixed point.
func (p Phase) Next() Phase {
	switch p {
	case PhaseInit:
		return PhasePut
	case PhasePut:
		return PhaseComplete
	default:
		return PhaseDone
	}
}

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhasePut:
		return "put"
	case PhaseComplete:
		return "complete"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}
