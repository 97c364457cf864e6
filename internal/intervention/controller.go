package intervention

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often Wait re-checks state without a wake signal.
const DefaultPollInterval = 200 * time.Millisecond

// #region clarifier

// Clarifier decides whether an operator message needs a clarifying question.
type Clarifier interface {
	Clarify(message string) (Question, bool)
}

// RuleClarifier asks which agent a message is for when it addresses "you"
// without naming either agent, and asks for more detail when the message is
// too short to act on.
type RuleClarifier struct {
	Agents   []string
	MinWords int
}

var addressWords = []string{"you", "one of", "someone", "either", "whoever"}

// Clarify implements Clarifier.
func (r RuleClarifier) Clarify(message string) (Question, bool) {
	target := ""
	if len(r.Agents) > 0 {
		target = r.Agents[0]
	}
	minWords := r.MinWords
	if minWords <= 0 {
		minWords = 2
	}
	lower := strings.ToLower(message)
	if len(strings.Fields(message)) < minWords {
		return Question{Text: "Could you say a bit more about what you want us to do?", Target: target}, true
	}
	for _, a := range r.Agents {
		if strings.Contains(lower, strings.ToLower(a)) {
			return Question{}, false
		}
	}
	for _, w := range addressWords {
		if containsWord(lower, w) && len(r.Agents) > 1 {
			return Question{Text: "Which of us should do that?", Target: target, Options: slices.Clone(r.Agents)}, true
		}
	}
	return Question{}, false
}

func containsWord(lower, w string) bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && r != '\''
	})
	if !strings.Contains(w, " ") {
		return slices.Contains(fields, w)
	}
	return strings.Contains(" "+strings.Join(fields, " ")+" ", " "+w+" ")
}

// #endregion

// #region controller

// Controller is the intervention state machine for one run. All methods are
// safe for concurrent use.
type Controller struct {
	mu           sync.Mutex
	state        State
	log          []Entry
	seq          int
	pending      *Question
	instructions []string
	changed      chan struct{}
	clarifier    Clarifier
	now          func() time.Time
	observers    []func(Entry)
	logger       *zap.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithObserver registers a callback invoked after every transition.
func WithObserver(fn func(Entry)) Option {
	return func(c *Controller) { c.observers = append(c.observers, fn) }
}

// New creates a controller in RUNNING. A nil clarifier never asks back.
func New(clarifier Clarifier, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		state:     StateRunning,
		changed:   make(chan struct{}),
		clarifier: clarifier,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "intervention")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// transition must be called with mu held. It returns the appended entry.
func (c *Controller) transition(actor Actor, to State, content string) Entry {
	c.seq++
	e := Entry{Seq: c.seq, Actor: actor, From: c.state, To: to, Content: content, At: c.now()}
	c.state = to
	c.log = append(c.log, e)
	close(c.changed)
	c.changed = make(chan struct{})
	return e
}

func (c *Controller) notify(entries ...Entry) {
	for _, e := range entries {
		c.logger.Info("transition",
			zap.String("actor", string(e.Actor)),
			zap.String("from", string(e.From)),
			zap.String("to", string(e.To)),
			zap.String("content", e.Content),
		)
		for _, fn := range c.observers {
			fn(e)
		}
	}
}

// #endregion

// #region operations

// Pause suspends the run. Only valid while RUNNING.
func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.state != StateRunning {
		defer c.mu.Unlock()
		return &TransitionError{Op: "pause", State: c.state}
	}
	e := c.transition(ActorOperator, StatePaused, "pause")
	c.mu.Unlock()
	c.notify(e)
	return nil
}

// Resume lets a paused run continue. From QUERY_BACK the pending question
// is dropped. The orchestrator completes RESUMING → RUNNING.
func (c *Controller) Resume() error {
	c.mu.Lock()
	switch c.state {
	case StatePaused, StateQueryBack:
	default:
		defer c.mu.Unlock()
		return &TransitionError{Op: "resume", State: c.state}
	}
	content := "resume"
	if c.pending != nil {
		content = "resume without answering: " + c.pending.Text
		c.pending = nil
	}
	e := c.transition(ActorOperator, StateResuming, content)
	c.mu.Unlock()
	c.notify(e)
	return nil
}

// Send delivers an operator message while PAUSED. The message is either
// accepted as an instruction or answered with a clarifying question.
func (c *Controller) Send(message string) (SendResult, error) {
	message = strings.TrimSpace(message)
	c.mu.Lock()
	if c.state != StatePaused {
		defer c.mu.Unlock()
		return SendResult{}, &TransitionError{Op: "send", State: c.state}
	}
	if message == "" {
		defer c.mu.Unlock()
		return SendResult{}, &TransitionError{Op: "send empty message", State: c.state}
	}
	entries := []Entry{c.transition(ActorOperator, StateProcessing, message)}

	var res SendResult
	if q, ask := c.clarify(message); ask {
		q.Message = message
		q.AskedAt = c.now()
		c.pending = &q
		entries = append(entries, c.transition(ActorAgent, StateQueryBack, q.Text))
		qc := q
		qc.Options = slices.Clone(q.Options)
		res.Question = &qc
	} else {
		c.instructions = append(c.instructions, message)
		entries = append(entries, c.transition(ActorSystem, StateResuming, "instruction accepted"))
		res.Accepted = true
	}
	c.mu.Unlock()
	c.notify(entries...)
	return res, nil
}

// Answer replies to the pending question. Only valid in QUERY_BACK.
func (c *Controller) Answer(text string) error {
	text = strings.TrimSpace(text)
	c.mu.Lock()
	if c.state != StateQueryBack || c.pending == nil {
		defer c.mu.Unlock()
		return &TransitionError{Op: "answer", State: c.state}
	}
	if text == "" {
		defer c.mu.Unlock()
		return &TransitionError{Op: "answer with empty text", State: c.state}
	}
	q := c.pending
	c.pending = nil
	entries := []Entry{c.transition(ActorOperator, StateProcessing, text)}
	instruction := q.Message + " (" + q.Target + " asked: " + q.Text + " Operator: " + text + ")"
	c.instructions = append(c.instructions, instruction)
	entries = append(entries, c.transition(ActorSystem, StateResuming, "answer accepted"))
	c.mu.Unlock()
	c.notify(entries...)
	return nil
}

func (c *Controller) clarify(message string) (Question, bool) {
	if c.clarifier == nil {
		return Question{}, false
	}
	return c.clarifier.Clarify(message)
}

// #endregion

// #region orchestrator-side

// Wait blocks while the state is blocking, waking on transitions or every
// poll interval. A RESUMING controller is moved to RUNNING before Wait
// returns. It returns ctx.Err() when ctx ends first.
func (c *Controller) Wait(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()
	for {
		c.mu.Lock()
		st, changed := c.state, c.changed
		if st == StateResuming {
			e := c.transition(ActorOrchestrator, StateRunning, "resumed")
			c.mu.Unlock()
			c.notify(e)
			return nil
		}
		c.mu.Unlock()
		if !st.Blocking() {
			return nil
		}
		if ticker == nil {
			c.logger.Debug("waiting", zap.String("state", string(st)))
			ticker = time.NewTicker(poll)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
		}
	}
}

// TakeInstructions returns and clears accepted operator instructions.
func (c *Controller) TakeInstructions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.instructions
	c.instructions = nil
	return out
}

// #endregion

// #region read

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns a copy of the pending question, if any.
func (c *Controller) Pending() (Question, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Question{}, false
	}
	q := *c.pending
	q.Options = slices.Clone(q.Options)
	return q, true
}

// Recent returns a copy of the last n log entries, oldest first.
func (c *Controller) Recent(n int) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(c.log) {
		n = len(c.log)
	}
	return slices.Clone(c.log[len(c.log)-n:])
}

// Changed returns a channel closed on the next transition.
func (c *Controller) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// #endregion
