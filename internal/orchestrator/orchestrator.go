// Package orchestrator drives the turn loop: it alternates the two agents,
// honours operator intervention, decides silence, assembles layered prompts,
// runs the generate/evaluate loop and records every accepted line.
package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/duet/go-controller/internal/evaluator"
	"github.com/danielpatrickdp/duet/go-controller/internal/events"
	"github.com/danielpatrickdp/duet/go-controller/internal/intervention"
	"github.com/danielpatrickdp/duet/go-controller/internal/novelty"
	"github.com/danielpatrickdp/duet/go-controller/internal/persona"
	"github.com/danielpatrickdp/duet/go-controller/internal/prompt"
	"github.com/danielpatrickdp/duet/go-controller/internal/signals"
	"github.com/danielpatrickdp/duet/go-controller/internal/silence"
	"github.com/danielpatrickdp/duet/go-controller/internal/state"
)

// #endregion

// #region deps

// Deps are the collaborators of an Orchestrator. Store, Persona and Backend
// are required.
type Deps struct {
	Store     *state.Store
	Persona   *persona.Library
	Backend   Backend
	Describer signals.Describer // continuous mode images; nil skips them
	Judge     evaluator.Judge   // nil accepts every candidate
	Extractor novelty.Extractor // nil = novelty.DefaultExtractor
	Recall    Recall
	Sink      events.Sink
	Metrics   GenerationObserver
	Clock     func() time.Time
	Logger    *zap.Logger
}

// #endregion

// #region orchestrator-struct

// Orchestrator runs sessions over one shared state store. Runs on the same
// Orchestrator must not overlap; the Supervisor enforces that.
type Orchestrator struct {
	cfg       Config
	store     *state.Store
	persona   *persona.Library
	backend   Backend
	machine   *evaluator.Machine
	extractor novelty.Extractor
	silence   silence.Decider
	recall    Recall
	sink      events.Sink
	metrics   GenerationObserver
	producer  *signals.Producer
	now       func() time.Time
	logger    *zap.Logger

	mu         sync.Mutex
	activeRun  string
	activeTurn int
	interrupts []string
}

// New wires an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Persona == nil:
		return nil, errors.New("orchestrator: persona library is required")
	case deps.Backend == nil:
		return nil, errors.New("orchestrator: backend is required")
	}
	def := DefaultConfig()
	if cfg.OnFailure != FailAbort {
		cfg.OnFailure = FailSkip
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Sink == nil {
		deps.Sink = events.Discard
	}
	if deps.Extractor == nil {
		deps.Extractor = novelty.DefaultExtractor()
	}
	if cfg.FirstSpeaker != "" {
		if _, ok := deps.Persona.Current().Agent(cfg.FirstSpeaker); !ok {
			return nil, fmt.Errorf("orchestrator: first speaker %q is not a persona agent", cfg.FirstSpeaker)
		}
	}
	logger := deps.Logger.With(zap.String("component", "orchestrator"))
	o := &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		persona:   deps.Persona,
		backend:   deps.Backend,
		machine:   evaluator.NewMachine(deps.Judge, cfg.MaxAttempts, deps.Logger),
		extractor: deps.Extractor,
		silence:   silence.NewDecider(cfg.Silence),
		recall:    deps.Recall,
		sink:      deps.Sink,
		metrics:   deps.Metrics,
		now:       deps.Clock,
		logger:    logger,
	}
	var describer signals.Describer
	if deps.Describer != nil {
		describer = retryDescriber{orch: o, describer: deps.Describer}
	}
	o.producer = signals.NewProducer(describer, deps.Logger)
	return o, nil
}

// Store returns the shared state store.
func (o *Orchestrator) Store() *state.Store { return o.store }

// #endregion

// #region run-options

type runOptions struct {
	id      string
	control *intervention.Controller
}

// RunOption customises a single run.
type RunOption func(*runOptions)

// WithRunID sets the run id instead of generating one.
func WithRunID(id string) RunOption { return func(r *runOptions) { r.id = id } }

// WithControl attaches an intervention controller. Without one the run
// cannot be paused.
func WithControl(c *intervention.Controller) RunOption {
	return func(r *runOptions) { r.control = c }
}

// #endregion

// #region session

// session is the per-run state owned by the orchestration goroutine.
type session struct {
	id         string
	control    *intervention.Controller
	guard      *novelty.Guard
	speakers   []string
	next       int
	turn       int
	frame      int
	correction string
	history    []line
	transcript Transcript
}

func (o *Orchestrator) newSession(mode string, opts []RunOption) (*session, error) {
	ro := runOptions{}
	for _, fn := range opts {
		fn(&ro)
	}
	if ro.id == "" {
		ro.id = uuid.NewString()
	}
	if ro.control == nil {
		ro.control = intervention.New(nil, o.logger)
	}

	speakers := o.persona.Current().AgentNames()
	if len(speakers) == 2 && speakers[1] == o.cfg.FirstSpeaker {
		speakers[0], speakers[1] = speakers[1], speakers[0]
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeRun != "" {
		return nil, ErrRunActive
	}
	o.activeRun = ro.id
	o.activeTurn = 0
	o.interrupts = nil

	return &session{
		id:       ro.id,
		control:  ro.control,
		guard:    novelty.NewGuard(o.cfg.Novelty, o.extractor, o.logger),
		speakers: speakers,
		transcript: Transcript{
			RunID:     ro.id,
			Mode:      mode,
			StartedAt: o.now(),
		},
	}, nil
}

// speaker returns whose slot the next turn is and advances the rotation.
// Silent and failed turns consume their slot too.
func (s *session) speaker() string {
	name := s.speakers[s.next]
	s.next = (s.next + 1) % len(s.speakers)
	return name
}

// #endregion

// #region run

// ValidateInput checks batch input without touching the store.
func ValidateInput(input string) error {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	if _, err := state.NewVisionEvent(state.VisionPayload{Description: input, Source: "text"}, time.Time{}); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// Run executes up to maxTurns turns seeded by input, which is applied as a
// text observation first. Cancellation ends the run with OutcomeCancelled
// and a nil error; an aborted run returns an ErrBackend error.
func (o *Orchestrator) Run(ctx context.Context, input string, maxTurns int, opts ...RunOption) (Transcript, error) {
	if err := ValidateInput(input); err != nil {
		return Transcript{}, err
	}
	s, err := o.newSession("batch", opts)
	if err != nil {
		return Transcript{}, err
	}
	defer o.release()

	if strings.TrimSpace(input) != "" {
		ev, _ := state.NewVisionEvent(state.VisionPayload{Description: input, Source: "text"}, o.now())
		if _, err := o.store.Apply(ev); err != nil {
			return Transcript{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}

	o.logger.Info("run started", zap.String("run_id", s.id), zap.Int("max_turns", maxTurns))
	o.emit(ctx, s, events.Event{Kind: events.KindRunStart, Mode: s.transcript.Mode, Text: input})

	for range maxTurns {
		rec, err := o.executeTurn(ctx, s)
		if rec.Status != "" {
			s.transcript.Turns = append(s.transcript.Turns, rec)
		}
		if err != nil {
			return o.finish(ctx, s, err)
		}
	}
	return o.finish(ctx, s, nil)
}

// RunContinuous pulls frames from src, applies their events and runs
// TurnsPerFrame turns after each one. It ends on EOF, the frame cap, the
// stop condition or cancellation.
func (o *Orchestrator) RunContinuous(ctx context.Context, src signals.Source, opts ContinuousOptions, runOpts ...RunOption) (Transcript, error) {
	if src == nil {
		return Transcript{}, fmt.Errorf("%w: no frame source", ErrInvalidInput)
	}
	if opts.TurnsPerFrame <= 0 {
		opts.TurnsPerFrame = 1
	}
	s, err := o.newSession("continuous", runOpts)
	if err != nil {
		return Transcript{}, err
	}
	defer o.release()

	o.logger.Info("continuous run started", zap.String("run_id", s.id),
		zap.Int("max_frames", opts.MaxFrames), zap.Int("turns_per_frame", opts.TurnsPerFrame))
	o.emit(ctx, s, events.Event{Kind: events.KindRunStart, Mode: s.transcript.Mode})

	for {
		if ctx.Err() != nil {
			return o.finish(ctx, s, ctx.Err())
		}
		if opts.MaxFrames > 0 && s.frame >= opts.MaxFrames {
			return o.finish(ctx, s, nil)
		}
		f, err := src.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return o.finishAs(ctx, s, OutcomeExhausted, nil)
		case err != nil && ctx.Err() != nil:
			return o.finish(ctx, s, ctx.Err())
		case errors.Is(err, signals.ErrMalformedFrame):
			o.logger.Warn("skipping malformed frame", zap.Error(err))
			o.emit(ctx, s, events.Event{Kind: events.KindFrame, Error: err.Error()})
			continue
		case err != nil:
			return o.finishAs(ctx, s, OutcomeError, fmt.Errorf("read frame: %w", err))
		}
		s.frame++
		s.transcript.Frames = s.frame

		if err := o.applyFrame(ctx, s, f); err != nil {
			if ctx.Err() != nil {
				return o.finish(ctx, s, ctx.Err())
			}
			o.emit(ctx, s, events.Event{Kind: events.KindFrame, Error: err.Error()})
			if errors.Is(err, ErrBackend) && o.cfg.OnFailure == FailAbort {
				o.logger.Warn("frame failed", zap.Int("frame", s.frame), zap.Error(err))
				return o.finish(ctx, s, err)
			}
			o.logger.Warn("skipping frame", zap.Int("frame", s.frame), zap.Error(err))
		} else {
			for range opts.TurnsPerFrame {
				rec, err := o.executeTurn(ctx, s)
				if rec.Status != "" {
					s.transcript.Turns = append(s.transcript.Turns, rec)
				}
				if err != nil {
					return o.finish(ctx, s, err)
				}
			}
		}

		if opts.Stop != nil && opts.Stop(o.store.Snapshot()) {
			return o.finishAs(ctx, s, OutcomeStopped, nil)
		}
		if err := sleep(ctx, opts.FrameInterval); err != nil {
			return o.finish(ctx, s, err)
		}
	}
}

// applyFrame turns a frame into events and applies them. Nothing is applied
// when any part of the frame is invalid.
func (o *Orchestrator) applyFrame(ctx context.Context, s *session, f signals.Frame) error {
	evs, err := o.producer.Produce(ctx, f)
	if err != nil {
		return err
	}
	var (
		summaries []string
		outcome   string
	)
	for _, ev := range evs {
		if _, err := o.store.Apply(ev); err != nil {
			return err
		}
		summaries = append(summaries, ev.Summary())
		if r, ok := ev.RunResult(); ok {
			outcome = string(r.Outcome)
		}
	}
	o.emit(ctx, s, events.Event{Kind: events.KindFrame, Text: strings.Join(summaries, "; "), Outcome: outcome})
	return nil
}

// finish maps the loop's exit error to an outcome.
func (o *Orchestrator) finish(ctx context.Context, s *session, err error) (Transcript, error) {
	switch {
	case err == nil:
		return o.finishAs(ctx, s, OutcomeCompleted, nil)
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return o.finishAs(ctx, s, OutcomeCancelled, nil)
	default:
		return o.finishAs(ctx, s, OutcomeAborted, err)
	}
}

func (o *Orchestrator) finishAs(ctx context.Context, s *session, outcome Outcome, err error) (Transcript, error) {
	s.transcript.Outcome = outcome
	s.transcript.EndedAt = o.now()
	ev := events.Event{Kind: events.KindRunEnd, Outcome: string(outcome)}
	if err != nil {
		ev.Error = err.Error()
	}
	o.emit(context.WithoutCancel(ctx), s, ev)
	o.logger.Info("run ended",
		zap.String("run_id", s.id),
		zap.String("outcome", string(outcome)),
		zap.Int("turns", len(s.transcript.Turns)),
		zap.Error(err),
	)
	return s.transcript, err
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.activeRun = ""
	o.activeTurn = 0
	o.interrupts = nil
	o.mu.Unlock()
}

// #endregion

// #region turn

// executeTurn runs one turn. A non-nil error ends the run.
func (o *Orchestrator) executeTurn(ctx context.Context, s *session) (TurnRecord, error) {
	if err := ctx.Err(); err != nil {
		return TurnRecord{}, err
	}
	o.drainInterrupts(s)
	if err := s.control.Wait(ctx, o.cfg.PollInterval); err != nil {
		return TurnRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return TurnRecord{}, err
	}
	o.drainInterrupts(s)

	s.turn++
	o.mu.Lock()
	o.activeTurn = s.turn
	o.mu.Unlock()
	now := o.now()
	rec := TurnRecord{Number: s.turn, Frame: s.frame, Speaker: s.speaker(), At: now}
	o.emit(ctx, s, events.Event{Kind: events.KindTurnStart, Turn: rec.Number, Speaker: rec.Speaker})

	snap := o.store.Snapshot()
	if d, ok := o.silence.Decide(snap, now); ok {
		return o.silent(ctx, s, rec, d), nil
	}

	tc := turnContext{
		content:      o.persona.Current(),
		snap:         snap,
		speaker:      rec.Speaker,
		stale:        snap.IsStale(o.cfg.StaleAfter, now),
		history:      s.history,
		correction:   s.correction,
		instructions: s.control.TakeInstructions(),
	}
	s.correction = ""
	base, forced, err := o.assemble(ctx, tc)
	if err != nil {
		return o.failed(ctx, s, rec, fmt.Errorf("assemble: %w", err))
	}
	for _, sl := range forced {
		rec.ForcedSlots = append(rec.ForcedSlots, sl.Name)
	}
	rec.Prompt = base.Build().Text

	cand := evaluator.Candidate{Speaker: rec.Speaker}
	if prev, ok := tc.preceding(); ok {
		cand.Preceding = prev.Text
	}
	gen := func(ctx context.Context, attempt int, guidance []string) (string, error) {
		a := base
		if len(guidance) > 0 {
			a = base.Clone()
			for _, g := range guidance {
				if err := a.AddToBand(prompt.BandEvaluatorGuidance, "evaluator", g); err != nil {
					return "", err
				}
			}
		}
		return o.generate(ctx, a.Build().Text)
	}
	out, err := o.machine.Run(ctx, cand, gen, o.observer(ctx, s, rec.Number))
	if ctx.Err() != nil {
		rec.Status = TurnCancelled
		return rec, ctx.Err()
	}
	if err != nil {
		return o.failed(ctx, s, rec, err)
	}
	return o.accept(ctx, s, rec, out)
}

func (o *Orchestrator) silent(ctx context.Context, s *session, rec TurnRecord, d silence.Decision) TurnRecord {
	rec.Status = TurnSilent
	rec.Silence = &d
	if ev, err := state.NewTurnEvent(state.TurnPayload{Speaker: rec.Speaker, Silent: true}, rec.At); err == nil {
		if _, err := o.store.Apply(ev); err != nil {
			o.logger.Warn("apply silent turn", zap.Error(err))
		}
	}
	o.logger.Debug("turn silenced",
		zap.Int("turn", rec.Number), zap.String("kind", string(d.Kind)), zap.String("reason", d.Reason))
	o.emit(ctx, s, events.Event{
		Kind:       events.KindSilence,
		Turn:       rec.Number,
		Speaker:    rec.Speaker,
		Silence:    string(d.Kind),
		Reason:     d.Reason,
		DurationMS: d.Duration.Milliseconds(),
		AllowShort: d.AllowShort,
		AudioCues:  d.AudioCues,
	})
	return rec
}

// failed records a turn that produced nothing. Under FailSkip the run goes
// on; under FailAbort err is returned and ends it.
func (o *Orchestrator) failed(ctx context.Context, s *session, rec TurnRecord, err error) (TurnRecord, error) {
	rec.Status = TurnFailed
	rec.Error = err.Error()
	o.logger.Warn("turn failed",
		zap.String("run_id", s.id), zap.Int("turn", rec.Number),
		zap.String("policy", string(o.cfg.OnFailure)), zap.Error(err))
	o.emit(ctx, s, events.Event{Kind: events.KindTurnFailed, Turn: rec.Number, Speaker: rec.Speaker, Error: rec.Error})
	if o.cfg.OnFailure == FailAbort {
		return rec, err
	}
	return rec, nil
}

func (o *Orchestrator) accept(ctx context.Context, s *session, rec TurnRecord, out evaluator.Outcome) (TurnRecord, error) {
	loop := s.guard.CheckAndUpdate(out.Text)
	ev, err := state.NewTurnEvent(state.TurnPayload{Speaker: rec.Speaker, Text: out.Text, Topic: loop.Topic, TopicDepth: loop.TopicDepth}, o.now())
	if err != nil {
		return o.failed(ctx, s, rec, err)
	}
	snap, err := o.store.Apply(ev)
	if err != nil {
		return o.failed(ctx, s, rec, err)
	}

	rec.Status = TurnAccepted
	rec.Text = out.Text
	rec.Topic = snap.Topic
	rec.TopicDepth = snap.TopicDepth
	rec.Attempts = out.Attempts
	rec.Override = out.Override
	rec.Verdict = out.Final.Kind
	s.history = append(s.history, line{Speaker: rec.Speaker, Text: out.Text})

	o.emit(ctx, s, events.Event{
		Kind:       events.KindTurnAccepted,
		Turn:       rec.Number,
		Speaker:    rec.Speaker,
		Text:       rec.Text,
		Topic:      rec.Topic,
		TopicDepth: rec.TopicDepth,
		Attempt:    rec.Attempts,
		Verdict:    string(rec.Verdict),
		Override:   rec.Override,
	})

	if loop.Detected {
		rec.Loop = &loop
		s.correction = loop.Correction
		o.logger.Info("loop detected",
			zap.Int("turn", rec.Number),
			zap.Strings("stuck_terms", loop.StuckTerms),
			zap.String("strategy", string(loop.Strategy)))
		o.emit(ctx, s, events.Event{
			Kind:       events.KindLoopDetected,
			Turn:       rec.Number,
			Speaker:    rec.Speaker,
			Topic:      loop.Topic,
			TopicDepth: loop.TopicDepth,
			Strategy:   string(loop.Strategy),
			StuckTerms: loop.StuckTerms,
			Correction: loop.Correction,
		})
	}
	return rec, nil
}

// observer forwards evaluator transitions as attempt and verdict events.
func (o *Orchestrator) observer(ctx context.Context, s *session, turn int) func(evaluator.Transition) {
	return func(tr evaluator.Transition) {
		if tr.To == evaluator.PhaseEvaluating {
			o.emit(ctx, s, events.Event{Kind: events.KindEvalAttempt, Turn: turn, Attempt: tr.Attempt})
		}
		if tr.Verdict == nil {
			return
		}
		o.emit(ctx, s, events.Event{
			Kind:     events.KindEvalVerdict,
			Turn:     turn,
			Attempt:  tr.Verdict.Attempt,
			Verdict:  string(tr.Verdict.Kind),
			Reason:   tr.Verdict.Reason,
			Guidance: tr.Verdict.Guidance,
			Override: tr.To == evaluator.PhaseForced,
		})
	}
}

// #endregion

// #region interrupt

// Interrupt injects an operator line into the shared state and, when a run
// is active, into its conversation history before the next turn.
func (o *Orchestrator) Interrupt(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	ev, err := state.NewTurnEvent(state.TurnPayload{Speaker: string(intervention.ActorOperator), Text: text}, o.now())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if _, err := o.store.Apply(ev); err != nil {
		return err
	}
	o.mu.Lock()
	runID := o.activeRun
	if runID != "" {
		o.interrupts = append(o.interrupts, text)
	}
	o.mu.Unlock()

	o.logger.Info("operator interrupt", zap.String("run_id", runID))
	o.emitIntervention(ctx, runID, events.Event{
		Actor: string(intervention.ActorOperator),
		Text:  text,
	})
	return nil
}

func (o *Orchestrator) drainInterrupts(s *session) {
	o.mu.Lock()
	texts := o.interrupts
	o.interrupts = nil
	o.mu.Unlock()
	for _, t := range texts {
		s.history = append(s.history, line{Speaker: string(intervention.ActorOperator), Text: t})
	}
}

// #endregion

// #region emit

func (o *Orchestrator) emit(ctx context.Context, s *session, ev events.Event) {
	ev.RunID = s.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now().UTC()
	}
	if err := o.sink.Emit(ctx, ev); err != nil {
		o.logger.Warn("emit failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// emitIntervention records an operator action that happens outside the run
// loop. It is stamped with the turn in progress, 0 before the first one.
func (o *Orchestrator) emitIntervention(ctx context.Context, runID string, ev events.Event) {
	o.mu.Lock()
	ev.Turn = o.activeTurn
	o.mu.Unlock()
	ev.Kind = events.KindIntervention
	ev.RunID = runID
	ev.Timestamp = o.now().UTC()
	if err := o.sink.Emit(ctx, ev); err != nil {
		o.logger.Warn("emit failed", zap.String("kind", string(ev.Kind)), zap.String("run_id", runID), zap.Error(err))
	}
}

// #endregion
