package orchestrator

// #region imports
import (
	"context"
	"errors"
	"time"

	"github.com/danielpatrickdp/duet/go-controller/internal/evaluator"
	"github.com/danielpatrickdp/duet/go-controller/internal/memory"
	"github.com/danielpatrickdp/duet/go-controller/internal/novelty"
	"github.com/danielpatrickdp/duet/go-controller/internal/silence"
	"github.com/danielpatrickdp/duet/go-controller/internal/state"
)

// #endregion

// #region errors

var (
	// ErrBackend wraps a generation failure that survived the retry.
	ErrBackend = errors.New("backend failure")
	// ErrRunActive is returned when a run is started while another is active.
	ErrRunActive = errors.New("a run is already active")
	// ErrNoActiveRun is returned by operations that need an active run.
	ErrNoActiveRun = errors.New("no active run")
	// ErrInvalidInput wraps rejected external input.
	ErrInvalidInput = errors.New("invalid input")
)

// #endregion

// #region collaborators

// Backend is the text generation call. It may block for seconds and may
// ignore ctx; the orchestrator abandons it when ctx ends.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Recall returns remembered highlights relevant to a query.
type Recall interface {
	Relevant(ctx context.Context, query string, n, window int) ([]memory.Highlight, error)
}

// GenerationObserver records backend call latency.
type GenerationObserver interface {
	ObserveGeneration(d time.Duration, err error)
}

// #endregion

// #region config

// FailurePolicy decides what a failed turn does to the run.
type FailurePolicy string

const (
	FailSkip  FailurePolicy = "skip"
	FailAbort FailurePolicy = "abort"
)

// Config tunes the turn loop.
type Config struct {
	FirstSpeaker    string // empty = first persona agent
	OnFailure       FailurePolicy
	RetryBackoff    time.Duration
	GenerateTimeout time.Duration // per backend call, 0 = none
	HistoryTurns    int
	StaleAfter      time.Duration
	PollInterval    time.Duration
	KnowledgeTopK   int
	MemoryTopK      int
	RequiredSlots   []string // nil = every slot whose depth threshold is reached
	Novelty         novelty.Config
	Silence         silence.Config
	MaxAttempts     int
}

// DefaultConfig returns the standard loop settings.
func DefaultConfig() Config {
	return Config{
		OnFailure:     FailSkip,
		RetryBackoff:  500 * time.Millisecond,
		HistoryTurns:  6,
		StaleAfter:    10 * time.Second,
		PollInterval:  200 * time.Millisecond,
		KnowledgeTopK: 2,
		MemoryTopK:    3,
		Novelty:       novelty.DefaultConfig(),
		Silence:       silence.DefaultConfig(),
		MaxAttempts:   evaluator.DefaultMaxAttempts,
	}
}

// #endregion

// #region transcript

// TurnStatus is how a turn ended.
type TurnStatus string

const (
	TurnAccepted  TurnStatus = "accepted"
	TurnSilent    TurnStatus = "silent"
	TurnFailed    TurnStatus = "failed"
	TurnCancelled TurnStatus = "cancelled"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed" // turn or frame budget used up
	OutcomeExhausted Outcome = "exhausted" // input source ran dry
	OutcomeStopped   Outcome = "stopped"   // stop condition met
	OutcomeCancelled Outcome = "cancelled" // context ended
	OutcomeAborted   Outcome = "aborted"   // failed turn under FailAbort
	OutcomeError     Outcome = "error"
)

// TurnRecord is one entry of a transcript.
type TurnRecord struct {
	Number      int               `json:"turn"`
	Frame       int               `json:"frame,omitempty"`
	Speaker     string            `json:"speaker"`
	Status      TurnStatus        `json:"status"`
	Text        string            `json:"text,omitempty"`
	Topic       string            `json:"topic,omitempty"`
	TopicDepth  int               `json:"topic_depth,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	Override    bool              `json:"override,omitempty"`
	Verdict     evaluator.Kind    `json:"verdict,omitempty"`
	Silence     *silence.Decision `json:"silence,omitempty"`
	Loop        *novelty.Result   `json:"loop,omitempty"`
	ForcedSlots []string          `json:"forced_slots,omitempty"`
	Prompt      string            `json:"-"`
	Error       string            `json:"error,omitempty"`
	At          time.Time         `json:"at"`
}

// Transcript is the result of a run.
type Transcript struct {
	RunID     string       `json:"run_id"`
	Mode      string       `json:"mode"`
	Turns     []TurnRecord `json:"turns"`
	Frames    int          `json:"frames,omitempty"`
	Outcome   Outcome      `json:"outcome"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
}

// Accepted returns the turns that produced text.
func (t Transcript) Accepted() []TurnRecord {
	var out []TurnRecord
	for _, tr := range t.Turns {
		if tr.Status == TurnAccepted {
			out = append(out, tr)
		}
	}
	return out
}

// #endregion

// #region continuous-options

// ContinuousOptions bound a continuous run. Zero MaxFrames means no cap.
type ContinuousOptions struct {
	MaxFrames     int
	FrameInterval time.Duration
	TurnsPerFrame int
	Stop          func(state.Snapshot) bool
}

// #endregion
