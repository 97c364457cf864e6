// Package intervention implements the operator pause / instruct / query-back
// state machine for one run.
package intervention

import (
	"errors"
	"fmt"
	"time"
)

// #region state

// State is the intervention state of a run.
type State string

const (
	StateRunning    State = "RUNNING"
	StatePaused     State = "PAUSED"
	StateProcessing State = "PROCESSING"
	StateQueryBack  State = "QUERY_BACK"
	StateResuming   State = "RESUMING"
)

// Blocking reports whether turns must wait in this state.
func (s State) Blocking() bool {
	return s == StatePaused || s == StateProcessing || s == StateQueryBack
}

// #endregion

// #region log

// Actor identifies who caused a transition.
type Actor string

const (
	ActorOperator     Actor = "operator"
	ActorOrchestrator Actor = "orchestrator"
	ActorAgent        Actor = "agent"
	ActorSystem       Actor = "system"
)

// Entry is one line of the session log. Each transition appends exactly one.
type Entry struct {
	Seq     int       `json:"seq"`
	Actor   Actor     `json:"actor"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Content string    `json:"content,omitempty"`
	At      time.Time `json:"at"`
}

// Question is a clarifying question raised by an agent.
type Question struct {
	Text    string    `json:"text"`
	Target  string    `json:"target"` // agent that asks and will receive the answer
	Options []string  `json:"options,omitempty"`
	Message string    `json:"message"` // operator message that triggered it
	AskedAt time.Time `json:"asked_at"`
}

// SendResult reports what happened to an operator message.
type SendResult struct {
	Accepted bool      `json:"accepted"` // message became an instruction and the run is resuming
	Question *Question `json:"question,omitempty"`
}

// #endregion

// #region errors

// ErrInvalidTransition is the sentinel behind every TransitionError.
var ErrInvalidTransition = errors.New("invalid intervention transition")

// TransitionError reports an operation attempted from a state that does not
// allow it. The controller state is unchanged.
type TransitionError struct {
	Op    string
	State State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// #endregion
