package importer

import "fmt"

// State is the engine's position in a run.
type State int32

const (
	Idle State = iota
	Discovering
	Reading
	Coercing
	Materializing
	Deduping
	Writing
	FileDone
	Completed
	Aborted
)

var stateNames = [...]string{
	Idle:          "idle",
	Discovering:   "discovering",
	Reading:       "reading",
	Coercing:      "coercing",
	Materializing: "materializing",
	Deduping:      "deduping",
	Writing:       "writing",
	FileDone:      "file_done",
	Completed:     "completed",
	Aborted:       "aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool { return s == Completed || s == Aborted }
