package evaluator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// DefaultMaxAttempts bounds generation per turn (two retries).
const DefaultMaxAttempts = 3

// #region machine

// Generator produces a candidate for the given attempt. guidance holds the
// corrective text accumulated from earlier RETRY verdicts, oldest first.
type Generator func(ctx context.Context, attempt int, guidance []string) (string, error)

// Machine runs INIT → GENERATING → EVALUATING until a candidate is accepted
// or the attempt budget runs out.
type Machine struct {
	judge       Judge
	maxAttempts int
	logger      *zap.Logger
}

// NewMachine creates an evaluation machine. maxAttempts below 1 uses
// DefaultMaxAttempts; a nil judge accepts everything.
func NewMachine(judge Judge, maxAttempts int, logger *zap.Logger) *Machine {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if judge == nil {
		judge = JudgeFunc(func(context.Context, Candidate) (Verdict, error) {
			return Verdict{Kind: Pass, Reason: "no judge"}, nil
		})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{judge: judge, maxAttempts: maxAttempts, logger: logger.With(zap.String("component", "evaluator"))}
}

// MaxAttempts returns the attempt budget.
func (m *Machine) MaxAttempts() int { return m.maxAttempts }

// Run drives one turn. base carries speaker and preceding utterance; its
// Text and Attempt are filled per attempt. observe may be nil.
//
// A generation error ends the loop: with no candidate yet it is returned
// wrapped, otherwise the last candidate is force-accepted.
func (m *Machine) Run(ctx context.Context, base Candidate, gen Generator, observe func(Transition)) (Outcome, error) {
	emit := func(tr Transition) {
		if observe != nil {
			observe(tr)
		}
	}

	var (
		out      Outcome
		guidance []string
		last     string
		have     bool
	)

	emit(Transition{From: PhaseInit, To: PhaseGenerating, Attempt: 1})
	for attempt := 1; ; attempt++ {
		text, err := gen(ctx, attempt, guidance)
		if err != nil {
			if !have {
				emit(Transition{From: PhaseGenerating, To: PhaseFailed, Attempt: attempt})
				return out, fmt.Errorf("attempt %d: %w: %w", attempt, ErrNoCandidate, err)
			}
			m.logger.Warn("generation failed after a candidate existed, forcing last one",
				zap.Int("attempt", attempt), zap.Error(err))
			emit(Transition{From: PhaseGenerating, To: PhaseForced, Attempt: attempt})
			out.Text, out.Override = last, true
			out.Final = out.History[len(out.History)-1]
			return out, nil
		}
		last, have = text, true
		out.Attempts = attempt

		emit(Transition{From: PhaseGenerating, To: PhaseEvaluating, Attempt: attempt})

		c := base
		c.Text = text
		c.Attempt = attempt
		v, err := m.judge.Judge(ctx, c)
		if err != nil {
			m.logger.Warn("judge failed, accepting candidate", zap.Int("attempt", attempt), zap.Error(err))
			v = Verdict{Kind: Pass, Reason: "judge error: " + err.Error()}
		}
		v.Attempt = attempt
		if v.Kind != Retry && v.Kind != Modify {
			v.Kind = Pass
		}
		if v.Kind == Modify && strings.TrimSpace(v.Edited) == "" {
			v.Kind = Pass
		}
		out.History = append(out.History, v)
		verdict := v

		switch v.Kind {
		case Pass:
			emit(Transition{From: PhaseEvaluating, To: PhaseAccepted, Attempt: attempt, Verdict: &verdict})
			out.Text, out.Final = text, v
			return out, nil
		case Modify:
			emit(Transition{From: PhaseEvaluating, To: PhaseAccepted, Attempt: attempt, Verdict: &verdict})
			out.Text, out.Final = v.Edited, v
			return out, nil
		}

		if attempt >= m.maxAttempts {
			emit(Transition{From: PhaseEvaluating, To: PhaseForced, Attempt: attempt, Verdict: &verdict})
			m.logger.Info("attempts exhausted, forcing last candidate", zap.Int("attempts", attempt))
			out.Text, out.Final, out.Override = last, v, true
			return out, nil
		}
		switch {
		case v.Guidance != "":
			guidance = append(guidance, v.Guidance)
		case v.Reason != "":
			guidance = append(guidance, "The previous attempt was rejected: "+v.Reason+".")
		}
		emit(Transition{From: PhaseEvaluating, To: PhaseGenerating, Attempt: attempt + 1, Verdict: &verdict})
	}
}

// #endregion
