// Package events defines the observability event emitted by a run and the
// sinks that receive it.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind identifies the category of an event.
type Kind string

const (
	KindRunStart     Kind = "run_start"
	KindFrame        Kind = "frame"
	KindTurnStart    Kind = "turn_start"
	KindSilence      Kind = "silence"
	KindLoopDetected Kind = "loop_detected"
	KindEvalAttempt  Kind = "eval_attempt"
	KindEvalVerdict  Kind = "eval_verdict"
	KindTurnAccepted Kind = "turn_accepted"
	KindTurnFailed   Kind = "turn_failed"
	KindIntervention Kind = "intervention"
	KindRunEnd       Kind = "run_end"
)

// Event is one structured observation of a run. Fields not relevant to the
// kind are left empty.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Turn      int       `json:"turn"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text,omitempty"`
	Topic   string `json:"topic,omitempty"`

	// Evaluator
	Attempt  int    `json:"attempt,omitempty"`
	Verdict  string `json:"verdict,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Guidance string `json:"guidance,omitempty"`
	Override bool   `json:"override,omitempty"`

	// Novelty
	Strategy   string   `json:"strategy,omitempty"`
	StuckTerms []string `json:"stuck_terms,omitempty"`
	Correction string   `json:"correction,omitempty"`
	TopicDepth int      `json:"topic_depth,omitempty"`

	// Silence
	Silence    string   `json:"silence,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
	AllowShort bool     `json:"allow_short,omitempty"`
	AudioCues  []string `json:"audio_cues,omitempty"`

	// Intervention
	Actor string `json:"actor,omitempty"`
	State string `json:"state,omitempty"`

	// Run lifecycle and failures
	Mode    string `json:"mode,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Fanout delivers every event to all sinks. A failing sink is logged and
// never stops delivery to the others.
type Fanout struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewFanout creates a fanout over sinks. Nil sinks are skipped.
func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fanout{logger: logger.With(zap.String("component", "events"))}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Emit stamps ID and Timestamp when missing and delivers ev.
func (f *Fanout) Emit(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	for _, s := range f.sinks {
		if err := s.Emit(ctx, ev); err != nil {
			f.logger.Warn("sink failed",
				zap.String("kind", string(ev.Kind)),
				zap.String("run_id", ev.RunID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })
