package orchestrator

// #region imports
import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/duet/go-controller/internal/events"
	"github.com/danielpatrickdp/duet/go-controller/internal/intervention"
	"github.com/danielpatrickdp/duet/go-controller/internal/signals"
)

// #endregion

// #region supervisor

// Status describes the supervisor's current or most recent run.
type Status struct {
	Active      bool               `json:"active"`
	RunID       string             `json:"run_id,omitempty"`
	Mode        string             `json:"mode,omitempty"`
	State       intervention.State `json:"state,omitempty"`
	StartedAt   time.Time          `json:"started_at,omitzero"`
	LastRunID   string             `json:"last_run_id,omitempty"`
	LastOutcome Outcome            `json:"last_outcome,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
}

type activeRun struct {
	id        string
	mode      string
	startedAt time.Time
	control   *intervention.Controller
	cancel    context.CancelFunc
	done      chan struct{}
}

// Supervisor owns at most one run at a time and gives the control surface
// its handles: start, stop, interrupt and the active intervention controller.
type Supervisor struct {
	orch      *Orchestrator
	clarifier intervention.Clarifier
	logger    *zap.Logger

	mu      sync.Mutex
	active  *activeRun
	last    Transcript
	lastErr error
}

// NewSupervisor creates a supervisor. A nil clarifier never asks back.
func NewSupervisor(orch *Orchestrator, clarifier intervention.Clarifier, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		orch:      orch,
		clarifier: clarifier,
		logger:    logger.With(zap.String("component", "supervisor")),
	}
}

// StartBatch starts a batch run in the background and returns its id.
func (s *Supervisor) StartBatch(input string, maxTurns int) (string, error) {
	if err := ValidateInput(input); err != nil {
		return "", err
	}
	return s.start("batch", func(ctx context.Context, opts ...RunOption) (Transcript, error) {
		return s.orch.Run(ctx, input, maxTurns, opts...)
	})
}

// StartContinuous starts a continuous run over src in the background. A
// src that is an io.Closer is closed when the run ends.
func (s *Supervisor) StartContinuous(src signals.Source, opts ContinuousOptions) (string, error) {
	if src == nil {
		return "", ErrInvalidInput
	}
	return s.start("continuous", func(ctx context.Context, ro ...RunOption) (Transcript, error) {
		if c, ok := src.(io.Closer); ok {
			defer c.Close()
		}
		return s.orch.RunContinuous(ctx, src, opts, ro...)
	})
}

func (s *Supervisor) start(mode string, run func(context.Context, ...RunOption) (Transcript, error)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return "", ErrRunActive
	}

	id := uuid.NewString()
	ctl := intervention.New(s.clarifier, s.logger,
		intervention.WithClock(s.orch.now),
		intervention.WithObserver(func(e intervention.Entry) {
			s.orch.emitIntervention(context.Background(), id, events.Event{
				Actor: string(e.Actor),
				State: string(e.To),
				Text:  e.Content,
			})
		}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	r := &activeRun{
		id:        id,
		mode:      mode,
		startedAt: s.orch.now(),
		control:   ctl,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.active = r

	go func() {
		defer close(r.done)
		defer cancel()
		tr, err := run(ctx, WithRunID(id), WithControl(ctl))
		if tr.RunID == "" {
			tr.RunID, tr.Mode, tr.Outcome = id, mode, OutcomeError
		}
		s.mu.Lock()
		s.last, s.lastErr = tr, err
		s.active = nil
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("run ended with error", zap.String("run_id", id), zap.Error(err))
		}
	}()
	s.logger.Info("run started", zap.String("run_id", id), zap.String("mode", mode))
	return id, nil
}

// Stop cancels the active run and waits for it to end.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()
	if r == nil {
		return ErrNoActiveRun
	}
	r.cancel()
	<-r.done
	return nil
}

// Close stops any active run.
func (s *Supervisor) Close() error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNoActiveRun) {
		return err
	}
	return nil
}

// Wait blocks until the active run ends or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt injects operator text into the active run.
func (s *Supervisor) Interrupt(ctx context.Context, text string) error {
	if _, err := s.Control(); err != nil {
		return err
	}
	return s.orch.Interrupt(ctx, text)
}

// Control returns the active run's intervention controller.
func (s *Supervisor) Control() (*intervention.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, ErrNoActiveRun
	}
	return s.active.control, nil
}

// Last returns the transcript and error of the most recent finished run.
func (s *Supervisor) Last() (Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastErr
}

// Status reports the active run, or the last one when idle.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{LastRunID: s.last.RunID, LastOutcome: s.last.Outcome}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if r := s.active; r != nil {
		st.Active = true
		st.RunID = r.id
		st.Mode = r.mode
		st.StartedAt = r.startedAt
		st.State = r.control.State()
	}
	return st
}

// #endregion
