// Package evaluator judges generated turns and drives the bounded
// generate/evaluate retry loop.
package evaluator

import (
	"context"
	"errors"
)

// #region verdict

// Kind is the outcome of judging one candidate.
type Kind string

const (
	Pass   Kind = "PASS"
	Retry  Kind = "RETRY"
	Modify Kind = "MODIFY"
)

// Verdict is a judge's decision on a candidate.
type Verdict struct {
	Kind     Kind
	Reason   string
	Guidance string // corrective instruction for the next attempt (RETRY)
	Edited   string // replacement text (MODIFY)
	Attempt  int    // 1-based attempt the verdict was issued for
}

// #endregion

// #region candidate

// Candidate is one generated utterance under evaluation.
type Candidate struct {
	Text      string
	Speaker   string
	Preceding string // the utterance this one replies to
	Attempt   int
}

// Judge decides whether a candidate is acceptable.
type Judge interface {
	Judge(ctx context.Context, c Candidate) (Verdict, error)
}

// JudgeFunc adapts a function to Judge.
type JudgeFunc func(ctx context.Context, c Candidate) (Verdict, error)

func (f JudgeFunc) Judge(ctx context.Context, c Candidate) (Verdict, error) { return f(ctx, c) }

// #endregion

// #region phase

// Phase is a state of the per-turn evaluation machine.
type Phase string

const (
	PhaseInit       Phase = "INIT"
	PhaseGenerating Phase = "GENERATING"
	PhaseEvaluating Phase = "EVALUATING"
	PhaseAccepted   Phase = "ACCEPTED"
	PhaseForced     Phase = "FORCED"
	PhaseFailed     Phase = "FAILED"
)

// Transition is emitted on every phase change.
type Transition struct {
	From    Phase
	To      Phase
	Attempt int
	Verdict *Verdict // set when leaving EVALUATING
}

// #endregion

// #region outcome

// Outcome is the terminal result of one evaluation loop.
type Outcome struct {
	Text     string
	Attempts int
	Final    Verdict
	Override bool // accepted only because attempts ran out
	History  []Verdict
}

// ErrNoCandidate is returned when generation fails before any candidate exists.
var ErrNoCandidate = errors.New("no candidate generated")

// #endregion
