package state

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// #region store-struct
// Store is the live shared state. Writes are serialized through mu and
// publish a fresh immutable snapshot; readers load the published pointer
// and never take the lock.
type Store struct {
	mu      sync.Mutex
	limits  Limits
	current atomic.Pointer[Snapshot]
	log     []LoggedEvent
	seq     uint64
	logger  *zap.Logger
}

// LoggedEvent is one entry of the bounded diagnostic event log.
type LoggedEvent struct {
	Seq   uint64
	Event Event
}

// #endregion store-struct

// #region constructor
// NewStore creates an empty store. Non-positive limits fall back to defaults.
func NewStore(limits Limits, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultLimits()
	if limits.RecentTopics <= 0 {
		limits.RecentTopics = def.RecentTopics
	}
	if limits.RecentEvents <= 0 {
		limits.RecentEvents = def.RecentEvents
	}
	if limits.EventLog <= 0 {
		limits.EventLog = def.EventLog
	}
	s := &Store{
		limits: limits,
		logger: logger.With(zap.String("component", "state")),
	}
	initial := Snapshot{Mode: ModeIdle}.clone()
	s.current.Store(&initial)
	return s
}

// #endregion constructor

// #region apply
// Apply reduces ev into the live state and returns the resulting snapshot.
// Events that did not come from a constructor are rejected without mutation.
func (s *Store) Apply(ev Event) (Snapshot, error) {
	if ev.payload == nil {
		return Snapshot{}, fmt.Errorf("apply: %w: zero event", ErrInvalidEvent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	next := reduce(*s.current.Load(), s.seq, ev, s.limits)
	s.current.Store(&next)

	s.log = append(s.log, LoggedEvent{Seq: s.seq, Event: ev})
	if over := len(s.log) - s.limits.EventLog; over > 0 {
		s.log = slices.Delete(s.log, 0, over)
	}

	s.logger.Debug("event applied",
		zap.Uint64("seq", s.seq),
		zap.String("kind", string(ev.Kind())),
		zap.String("summary", ev.Summary()),
	)
	return next.clone(), nil
}

// #endregion apply

// #region read
// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	return s.current.Load().clone()
}

// IsStale reports whether the current state is older than maxAge at now.
func (s *Store) IsStale(maxAge time.Duration, now time.Time) bool {
	return s.current.Load().IsStale(maxAge, now)
}

// Events returns a copy of the retained event log, oldest first.
func (s *Store) Events() []LoggedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.log)
}

// #endregion read

// #region reduce
// reduce is the pure transition function. prev is never modified.
func reduce(prev Snapshot, seq uint64, ev Event, limits Limits) Snapshot {
	next := prev.clone()
	next.Seq = seq
	next.UpdatedAt = ev.At()

	rec := EventRecord{Seq: seq, Kind: ev.Kind(), At: ev.At(), Summary: ev.Summary()}

	switch p := ev.payload.(type) {
	case SensorPayload:
		next.Speed = p.Speed
		next.Steering = p.Steering
		maps.Copy(next.Distances, p.Distances)
	case VisionPayload:
		if p.Description != "" {
			next.SceneFacts[FactScene] = p.Description
		}
		for k, v := range p.Facts {
			if v == "" {
				delete(next.SceneFacts, k)
				continue
			}
			next.SceneFacts[k] = v
		}
	case TurnPayload:
		next.TurnCount++
		next.LastSpeaker = p.Speaker
		if p.Topic != "" {
			if p.Topic == prev.Topic {
				next.TopicDepth++
			} else {
				next.Topic = p.Topic
				next.TopicDepth = 1
				next.RecentTopics = appendBounded(next.RecentTopics, p.Topic, limits.RecentTopics)
			}
			if p.TopicDepth > 0 {
				next.TopicDepth = p.TopicDepth
			}
		}
	case RunResultPayload:
		rec.Outcome = p.Outcome
	case ModePayload:
		next.Mode = p.Mode
	}

	next.RecentEvents = appendBounded(next.RecentEvents, rec, limits.RecentEvents)
	return next
}

func appendBounded[T any](s []T, v T, n int) []T {
	s = append(s, v)
	if over := len(s) - n; over > 0 {
		s = slices.Delete(s, 0, over)
	}
	return s
}

// #endregion reduce
