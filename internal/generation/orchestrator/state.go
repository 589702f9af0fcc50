package orchestrator

import (
	"github.com/vietddude/genrelay/internal/core/domain"
)

// State is a node of the per-job selection state machine.
type State string

const (
	StateIdle             State = "idle"
	StateSelectingBackend State = "selecting_backend"
	StateAttempting       State = "attempting"
	StateRetrying         State = "retrying"
	StateFailingOver      State = "failing_over"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Transition is emitted on every state change of a run.
type Transition struct {
	JobID   string
	From    State
	To      State
	Backend domain.BackendID
	Attempt int
	Kind    domain.ErrorKind
}
