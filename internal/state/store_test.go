package state

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func must(ev Event, err error) Event {
	if err != nil {
		panic(err)
	}
	return ev
}

func TestNewStoreStartsIdle(t *testing.T) {
	s := NewStore(Limits{}, nil)
	snap := s.Snapshot()
	assert.Equal(t, ModeIdle, snap.Mode)
	assert.Zero(t, snap.TurnCount)
	assert.NotNil(t, snap.SceneFacts)
	assert.NotNil(t, snap.Distances)
	assert.True(t, s.IsStale(time.Second, t0))
}

func TestApplySensorAndVision(t *testing.T) {
	s := NewStore(DefaultLimits(), nil)

	_, err := s.Apply(must(NewSensorEvent(SensorPayload{
		Speed: 1.5, Steering: -0.2, Distances: map[string]float64{"front": 0.8, "left": 2},
	}, t0)))
	require.NoError(t, err)
	_, err = s.Apply(must(NewSensorEvent(SensorPayload{
		Speed: 2, Distances: map[string]float64{"front": 0.5},
	}, t0.Add(time.Second))))
	require.NoError(t, err)

	snap, err := s.Apply(must(NewVisionEvent(VisionPayload{
		Description: "a cone ahead",
		Facts:       map[string]string{FactManeuver: "hairpin"},
	}, t0.Add(2*time.Second))))
	require.NoError(t, err)

	assert.Equal(t, 2.0, snap.Speed)
	assert.Equal(t, map[string]float64{"front": 0.5, "left": 2}, snap.Distances)
	assert.Equal(t, "a cone ahead", snap.SceneFacts[FactScene])
	v, ok := snap.Fact(FactManeuver)
	assert.True(t, ok)
	assert.Equal(t, "hairpin", v)
	assert.Equal(t, uint64(3), snap.Seq)
	assert.Equal(t, t0.Add(2*time.Second), snap.UpdatedAt)

	// An empty fact value clears the key.
	snap, err = s.Apply(must(NewVisionEvent(VisionPayload{
		Facts: map[string]string{FactManeuver: ""},
	}, t0.Add(3*time.Second))))
	require.NoError(t, err)
	_, ok = snap.Fact(FactManeuver)
	assert.False(t, ok)
}

func TestApplyTurnTracksTopicDepth(t *testing.T) {
	s := NewStore(Limits{RecentTopics: 2}, nil)
	turn := func(speaker, topic string) Snapshot {
		snap, err := s.Apply(must(NewTurnEvent(TurnPayload{Speaker: speaker, Text: "x", Topic: topic}, t0)))
		require.NoError(t, err)
		return snap
	}

	snap := turn("a", "cones")
	assert.Equal(t, 1, snap.TopicDepth)
	snap = turn("b", "cones")
	assert.Equal(t, 2, snap.TopicDepth)
	assert.Equal(t, "b", snap.LastSpeaker)
	snap = turn("a", "speed")
	assert.Equal(t, 1, snap.TopicDepth)
	snap = turn("b", "track")
	assert.Equal(t, 4, snap.TurnCount)
	assert.Equal(t, []string{"speed", "track"}, snap.RecentTopics)
}

func TestApplyTurnTakesMeasuredTopicDepth(t *testing.T) {
	s := NewStore(DefaultLimits(), nil)
	apply := func(p TurnPayload) Snapshot {
		snap, err := s.Apply(must(NewTurnEvent(p, t0)))
		require.NoError(t, err)
		return snap
	}

	apply(TurnPayload{Speaker: "a", Text: "x", Topic: "cones", TopicDepth: 1})
	apply(TurnPayload{Speaker: "b", Text: "x", Topic: "cones", TopicDepth: 2})
	// The topic was relabelled mid-thread but the thread kept going.
	snap := apply(TurnPayload{Speaker: "a", Text: "x", Topic: "wall", TopicDepth: 3})
	assert.Equal(t, "wall", snap.Topic)
	assert.Equal(t, 3, snap.TopicDepth)
	assert.Equal(t, []string{"cones", "wall"}, snap.RecentTopics)

	snap = apply(TurnPayload{Speaker: "b", Text: "x", Topic: "wall"})
	assert.Equal(t, 4, snap.TopicDepth, "without a measured depth the store counts on")
}

func TestApplyRejectsZeroEvent(t *testing.T) {
	s := NewStore(DefaultLimits(), nil)
	before := s.Snapshot()
	_, err := s.Apply(Event{})
	require.ErrorIs(t, err, ErrInvalidEvent)
	assert.Equal(t, before, s.Snapshot())
	assert.Empty(t, s.Events())
}

func TestConstructorsRejectMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"negative speed", second(NewSensorEvent(SensorPayload{Speed: -1}, t0))},
		{"nan steering", second(NewSensorEvent(SensorPayload{Steering: math.NaN()}, t0))},
		{"steering out of range", second(NewSensorEvent(SensorPayload{Steering: 1.5}, t0))},
		{"blank distance name", second(NewSensorEvent(SensorPayload{Distances: map[string]float64{" ": 1}}, t0))},
		{"empty vision", second(NewVisionEvent(VisionPayload{Description: "  "}, t0))},
		{"turn without speaker", second(NewTurnEvent(TurnPayload{Text: "hi"}, t0))},
		{"topic depth without topic", second(NewTurnEvent(TurnPayload{Speaker: "a", Text: "hi", TopicDepth: 2}, t0))},
		{"negative topic depth", second(NewTurnEvent(TurnPayload{Speaker: "a", Text: "hi", Topic: "x", TopicDepth: -1}, t0))},
		{"turn without text", second(NewTurnEvent(TurnPayload{Speaker: "a"}, t0))},
		{"unknown outcome", second(NewRunResultEvent(RunResultPayload{Outcome: "meh"}, t0))},
		{"unknown mode", second(NewModeEvent(ModePayload{Mode: "warp"}, t0))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, errors.Is(tc.err, ErrInvalidEvent), "got %v", tc.err)
		})
	}

	_, err := NewTurnEvent(TurnPayload{Speaker: "a", Silent: true}, t0)
	assert.NoError(t, err, "silent turns need no text")
}

func second(_ Event, err error) error { return err }

func TestSnapshotIsIndependentCopy(t *testing.T) {
	s := NewStore(DefaultLimits(), nil)
	_, err := s.Apply(must(NewVisionEvent(VisionPayload{Facts: map[string]string{"k": "v"}}, t0)))
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.SceneFacts["k"] = "mutated"
	snap.RecentEvents[0].Summary = "mutated"

	again := s.Snapshot()
	assert.Equal(t, "v", again.SceneFacts["k"])
	assert.NotEqual(t, "mutated", again.RecentEvents[0].Summary)
}

func TestEventLogIsBounded(t *testing.T) {
	s := NewStore(Limits{EventLog: 3, RecentEvents: 2}, nil)
	for i := 0; i < 5; i++ {
		_, err := s.Apply(must(NewSensorEvent(SensorPayload{Speed: float64(i)}, t0)))
		require.NoError(t, err)
	}
	log := s.Events()
	require.Len(t, log, 3)
	assert.Equal(t, uint64(3), log[0].Seq)
	assert.Equal(t, uint64(5), log[2].Seq)
	assert.Len(t, s.Snapshot().RecentEvents, 2)
}

func TestLastExternalSkipsConversation(t *testing.T) {
	s := NewStore(DefaultLimits(), nil)
	_, _ = s.Apply(must(NewRunResultEvent(RunResultPayload{Outcome: OutcomeCollision}, t0)))
	_, _ = s.Apply(must(NewTurnEvent(TurnPayload{Speaker: "a", Text: "ouch"}, t0.Add(time.Second))))

	rec, ok := s.Snapshot().LastExternal()
	require.True(t, ok)
	assert.Equal(t, KindRunResult, rec.Kind)
	assert.Equal(t, OutcomeCollision, rec.Outcome)
	assert.True(t, rec.Outcome.Terminal())
}

// Each sensor event sets speed and steering from the same counter and
// appends one event record, so a torn read would show mismatched fields.
func TestSnapshotConsistencyUnderConcurrency(t *testing.T) {
	s := NewStore(Limits{RecentEvents: 1000, EventLog: 1000}, nil)
	const writers, perWriter, readers = 4, 100, 8

	var wg sync.WaitGroup
	errs := make(chan error, readers)
	stop := make(chan struct{})

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastSeq uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Snapshot()
				if snap.Seq < lastSeq {
					errs <- fmt.Errorf("seq went backwards: %d after %d", snap.Seq, lastSeq)
					return
				}
				lastSeq = snap.Seq
				if uint64(len(snap.RecentEvents)) != snap.Seq {
					errs <- fmt.Errorf("seq %d with %d records", snap.Seq, len(snap.RecentEvents))
					return
				}
				if snap.Seq > 0 && snap.Steering != snap.Speed/1000 {
					errs <- fmt.Errorf("torn snapshot: speed %v steering %v", snap.Speed, snap.Steering)
					return
				}
			}
		}()
	}

	var ww sync.WaitGroup
	for w := 0; w < writers; w++ {
		ww.Add(1)
		go func(w int) {
			defer ww.Done()
			for i := 0; i < perWriter; i++ {
				v := float64(w*perWriter + i)
				_, err := s.Apply(must(NewSensorEvent(SensorPayload{Speed: v, Steering: v / 1000}, t0)))
				if err != nil {
					panic(err)
				}
			}
		}(w)
	}
	ww.Wait()
	close(stop)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, uint64(writers*perWriter), s.Snapshot().Seq)
}

func TestReduceProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limits := Limits{
			RecentTopics: rapid.IntRange(1, 4).Draw(t, "topics"),
			RecentEvents: rapid.IntRange(1, 6).Draw(t, "events"),
			EventLog:     10,
		}
		s := NewStore(limits, nil)
		n := rapid.IntRange(1, 40).Draw(t, "n")
		turns := 0
		for i := 0; i < n; i++ {
			var ev Event
			switch rapid.IntRange(0, 2).Draw(t, "kind") {
			case 0:
				ev = must(NewSensorEvent(SensorPayload{Speed: rapid.Float64Range(0, 10).Draw(t, "speed")}, t0))
			case 1:
				ev = must(NewTurnEvent(TurnPayload{
					Speaker: rapid.SampledFrom([]string{"a", "b"}).Draw(t, "speaker"),
					Text:    "text",
					Topic:   rapid.SampledFrom([]string{"", "x", "y", "z"}).Draw(t, "topic"),
				}, t0))
				turns++
			default:
				ev = must(NewModeEvent(ModePayload{Mode: rapid.SampledFrom([]Mode{ModeIdle, ModeManual, ModeAutonomous}).Draw(t, "mode")}, t0))
			}
			before := s.Snapshot()
			after, err := s.Apply(ev)
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if after.Seq != before.Seq+1 {
				t.Fatalf("seq %d -> %d", before.Seq, after.Seq)
			}
			if len(after.RecentEvents) > limits.RecentEvents || len(after.RecentTopics) > limits.RecentTopics {
				t.Fatalf("bounds exceeded: %d events, %d topics", len(after.RecentEvents), len(after.RecentTopics))
			}
			if after.TurnCount < before.TurnCount {
				t.Fatalf("turn count decreased")
			}
			if after.Topic != "" && after.TopicDepth < 1 {
				t.Fatalf("topic %q with depth %d", after.Topic, after.TopicDepth)
			}
		}
		if got := s.Snapshot().TurnCount; got != turns {
			t.Fatalf("turn count %d, want %d", got, turns)
		}
	})
}
