package state

import (
	"maps"
	"slices"
	"time"
)

// #region mode
// Mode is the operating mode of the vehicle the agents are watching.
type Mode string

const (
	ModeIdle       Mode = "idle"
	ModeManual     Mode = "manual"
	ModeAutonomous Mode = "autonomous"
	ModeReplay     Mode = "replay"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeIdle, ModeManual, ModeAutonomous, ModeReplay:
		return true
	}
	return false
}

// #endregion mode

// #region fact-keys
// Well-known scene fact keys.
const (
	FactScene    = "scene"    // latest vision description
	FactManeuver = "maneuver" // set while a difficult maneuver is imminent
)

// #endregion fact-keys

// #region limits
// Limits bounds the histories retained by the store.
type Limits struct {
	RecentTopics int // topics kept in Snapshot.RecentTopics
	RecentEvents int // events kept in Snapshot.RecentEvents
	EventLog     int // events kept in the diagnostic log
}

// DefaultLimits returns the standard history bounds.
func DefaultLimits() Limits {
	return Limits{
		RecentTopics: 5,
		RecentEvents: 10,
		EventLog:     500,
	}
}

// #endregion limits

// #region snapshot
// Snapshot is an immutable copy of shared state at a point in time.
// Values are produced by the store and never mutated afterwards.
type Snapshot struct {
	Seq          uint64 // sequence number of the last applied event
	Mode         Mode
	Speed        float64
	Steering     float64
	Distances    map[string]float64
	SceneFacts   map[string]string
	LastSpeaker  string
	TurnCount    int
	Topic        string
	TopicDepth   int
	RecentTopics []string
	RecentEvents []EventRecord
	UpdatedAt    time.Time
}

// EventRecord is the compact, copyable form of an applied event kept in
// Snapshot.RecentEvents.
type EventRecord struct {
	Seq     uint64
	Kind    EventKind
	At      time.Time
	Summary string
	Outcome Outcome // set for RUN_RESULT only
}

// IsStale reports whether the snapshot is older than maxAge at now.
func (s Snapshot) IsStale(maxAge time.Duration, now time.Time) bool {
	if s.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(s.UpdatedAt) > maxAge
}

// Fact returns a scene fact and whether it is present.
func (s Snapshot) Fact(key string) (string, bool) {
	v, ok := s.SceneFacts[key]
	return v, ok
}

// LastExternal returns the most recent non-conversation event, if any.
func (s Snapshot) LastExternal() (EventRecord, bool) {
	for i := len(s.RecentEvents) - 1; i >= 0; i-- {
		if s.RecentEvents[i].Kind != KindConversationTurn {
			return s.RecentEvents[i], true
		}
	}
	return EventRecord{}, false
}

// clone returns a deep, independent copy.
func (s Snapshot) clone() Snapshot {
	out := s
	out.Distances = maps.Clone(s.Distances)
	out.SceneFacts = maps.Clone(s.SceneFacts)
	out.RecentTopics = slices.Clone(s.RecentTopics)
	out.RecentEvents = slices.Clone(s.RecentEvents)
	if out.Distances == nil {
		out.Distances = map[string]float64{}
	}
	if out.SceneFacts == nil {
		out.SceneFacts = map[string]string{}
	}
	return out
}

// #endregion snapshot
