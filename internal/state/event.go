package state

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidEvent is returned by the event constructors for malformed input.
var ErrInvalidEvent = errors.New("invalid event")

// #region event-kind
// EventKind tags a Signal Event.
type EventKind string

const (
	KindSensor           EventKind = "SENSOR"
	KindVision           EventKind = "VISION_OBSERVATION"
	KindConversationTurn EventKind = "CONVERSATION_TURN"
	KindRunResult        EventKind = "RUN_RESULT"
	KindModeChange       EventKind = "MODE_CHANGE"
)

// #endregion event-kind

// #region payloads
// SensorPayload carries numeric sensor readings. Nil Distances leaves the
// previous distance readings untouched; listed names overwrite.
type SensorPayload struct {
	Speed     float64            `json:"speed"`
	Steering  float64            `json:"steering"`
	Distances map[string]float64 `json:"distances,omitempty"`
}

// VisionPayload carries a scene description and any facts extracted from it.
type VisionPayload struct {
	Description string            `json:"description"`
	Source      string            `json:"source,omitempty"` // "camera" | "text"
	Facts       map[string]string `json:"facts,omitempty"`
}

// TurnPayload records one conversation turn. Silent turns carry no text.
type TurnPayload struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Silent  bool   `json:"silent,omitempty"`

	// TopicDepth, when positive, is the depth the novelty guard measured
	// for Topic and replaces the store's own count.
	TopicDepth int `json:"topic_depth,omitempty"`
}

// Outcome is the terminal result of a driving run.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCollision Outcome = "collision"
	OutcomeComplete  Outcome = "complete"
	OutcomeAborted   Outcome = "aborted"
)

// Terminal reports whether the outcome ends a run in a way worth reacting to.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeCollision, OutcomeComplete:
		return true
	}
	return false
}

// RunResultPayload records the end of a driving run.
type RunResultPayload struct {
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
}

// ModePayload records a mode change.
type ModePayload struct {
	Mode Mode `json:"mode"`
}

type payload interface {
	kind() EventKind
}

func (SensorPayload) kind() EventKind    { return KindSensor }
func (VisionPayload) kind() EventKind    { return KindVision }
func (TurnPayload) kind() EventKind      { return KindConversationTurn }
func (RunResultPayload) kind() EventKind { return KindRunResult }
func (ModePayload) kind() EventKind      { return KindModeChange }

// #endregion payloads

// #region event
// Event is a validated Signal Event. The zero value is not a valid event;
// build events with the New* constructors.
type Event struct {
	at      time.Time
	payload payload
}

// Kind returns the event tag.
func (e Event) Kind() EventKind {
	if e.payload == nil {
		return ""
	}
	return e.payload.kind()
}

// At returns the event timestamp.
func (e Event) At() time.Time { return e.at }

// Sensor returns the payload when Kind is KindSensor.
func (e Event) Sensor() (SensorPayload, bool) {
	p, ok := e.payload.(SensorPayload)
	return p, ok
}

// Vision returns the payload when Kind is KindVision.
func (e Event) Vision() (VisionPayload, bool) {
	p, ok := e.payload.(VisionPayload)
	return p, ok
}

// Turn returns the payload when Kind is KindConversationTurn.
func (e Event) Turn() (TurnPayload, bool) {
	p, ok := e.payload.(TurnPayload)
	return p, ok
}

// RunResult returns the payload when Kind is KindRunResult.
func (e Event) RunResult() (RunResultPayload, bool) {
	p, ok := e.payload.(RunResultPayload)
	return p, ok
}

// ModeChange returns the payload when Kind is KindModeChange.
func (e Event) ModeChange() (ModePayload, bool) {
	p, ok := e.payload.(ModePayload)
	return p, ok
}

// Summary renders a short human-readable description.
func (e Event) Summary() string {
	switch p := e.payload.(type) {
	case SensorPayload:
		return fmt.Sprintf("speed=%.2f steering=%.2f", p.Speed, p.Steering)
	case VisionPayload:
		return truncate(p.Description, 80)
	case TurnPayload:
		if p.Silent {
			return p.Speaker + ": (silence)"
		}
		return p.Speaker + ": " + truncate(p.Text, 80)
	case RunResultPayload:
		if p.Detail != "" {
			return string(p.Outcome) + ": " + p.Detail
		}
		return string(p.Outcome)
	case ModePayload:
		return "mode=" + string(p.Mode)
	}
	return ""
}

// #endregion event

// #region constructors
// NewSensorEvent validates and wraps sensor readings.
func NewSensorEvent(p SensorPayload, at time.Time) (Event, error) {
	if !finite(p.Speed) || p.Speed < 0 {
		return Event{}, fmt.Errorf("%w: speed %v", ErrInvalidEvent, p.Speed)
	}
	if !finite(p.Steering) || p.Steering < -1 || p.Steering > 1 {
		return Event{}, fmt.Errorf("%w: steering %v outside [-1, 1]", ErrInvalidEvent, p.Steering)
	}
	var dist map[string]float64
	if p.Distances != nil {
		dist = make(map[string]float64, len(p.Distances))
		for name, d := range p.Distances {
			if strings.TrimSpace(name) == "" {
				return Event{}, fmt.Errorf("%w: empty distance name", ErrInvalidEvent)
			}
			if !finite(d) || d < 0 {
				return Event{}, fmt.Errorf("%w: distance %s=%v", ErrInvalidEvent, name, d)
			}
			dist[name] = d
		}
	}
	p.Distances = dist
	return newEvent(p, at)
}

// NewVisionEvent validates and wraps a scene observation.
func NewVisionEvent(p VisionPayload, at time.Time) (Event, error) {
	p.Description = strings.TrimSpace(p.Description)
	if p.Description == "" && len(p.Facts) == 0 {
		return Event{}, fmt.Errorf("%w: vision observation without description or facts", ErrInvalidEvent)
	}
	if p.Facts != nil {
		facts := make(map[string]string, len(p.Facts))
		for k, v := range p.Facts {
			if strings.TrimSpace(k) == "" {
				return Event{}, fmt.Errorf("%w: empty fact key", ErrInvalidEvent)
			}
			facts[k] = v
		}
		p.Facts = facts
	}
	if p.Source == "" {
		p.Source = "camera"
	}
	return newEvent(p, at)
}

// NewTurnEvent validates and wraps a conversation turn.
func NewTurnEvent(p TurnPayload, at time.Time) (Event, error) {
	if strings.TrimSpace(p.Speaker) == "" {
		return Event{}, fmt.Errorf("%w: turn without speaker", ErrInvalidEvent)
	}
	if !p.Silent && strings.TrimSpace(p.Text) == "" {
		return Event{}, fmt.Errorf("%w: non-silent turn without text", ErrInvalidEvent)
	}
	if p.TopicDepth < 0 || (p.TopicDepth > 0 && p.Topic == "") {
		return Event{}, fmt.Errorf("%w: topic depth %d for topic %q", ErrInvalidEvent, p.TopicDepth, p.Topic)
	}
	return newEvent(p, at)
}

// NewRunResultEvent validates and wraps a run result.
func NewRunResultEvent(p RunResultPayload, at time.Time) (Event, error) {
	switch p.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeCollision, OutcomeComplete, OutcomeAborted:
	default:
		return Event{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidEvent, p.Outcome)
	}
	return newEvent(p, at)
}

// NewModeEvent validates and wraps a mode change.
func NewModeEvent(p ModePayload, at time.Time) (Event, error) {
	if !p.Mode.Valid() {
		return Event{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidEvent, p.Mode)
	}
	return newEvent(p, at)
}

func newEvent(p payload, at time.Time) (Event, error) {
	if at.IsZero() {
		at = time.Now()
	}
	return Event{at: at.UTC(), payload: p}, nil
}

// #endregion constructors

// #region helpers
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// #endregion helpers
