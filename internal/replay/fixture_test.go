package replay

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/danielpatrickdp/duet/go-controller/internal/events"
	"github.com/danielpatrickdp/duet/go-controller/internal/transcript"
)

// #region fixture-tests

// TestFixture_SensorLoop replays the sensor_loop fixture and compares each
// step's loop flag and topic against the expected values.
func TestFixture_SensorLoop(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "sensor_loop.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}

	results, final, err := Replay(f.Steps, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(results) != len(f.ExpectedResults) {
		t.Fatalf("expected %d results, got %d", len(f.ExpectedResults), len(results))
	}
	for i, expected := range f.ExpectedResults {
		actual := results[i]
		if actual.Turn != expected.Turn {
			t.Errorf("step %d: expected turn=%d, got %d", i, expected.Turn, actual.Turn)
		}
		if actual.Loop != expected.Loop {
			t.Errorf("step %d (turn %d): expected loop=%v, got %v", i, expected.Turn, expected.Loop, actual.Loop)
		}
		if expected.Topic != "" && actual.Topic != expected.Topic {
			t.Errorf("step %d (turn %d): expected topic=%q, got %q", i, expected.Turn, expected.Topic, actual.Topic)
		}
	}

	if final.LastSpeaker != "Bolt" {
		t.Errorf("expected last speaker Bolt, got %q", final.LastSpeaker)
	}
	// The failed turn never reaches the store.
	if final.TurnCount != 6 {
		t.Errorf("expected 6 applied turns, got %d", final.TurnCount)
	}
}

func TestLoadFixture_Missing(t *testing.T) {
	_, err := LoadFixture(filepath.Join("testdata", "nope.json"))
	assert.Error(t, err)
}

// #endregion fixture-tests

// #region source-tests

func TestFromTurns(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	steps := FromTurns([]transcript.Turn{
		{RunID: "r1", Number: 1, Speaker: "Kit", Status: transcript.StatusAccepted, Text: "Hello track.", CreatedAt: at},
		{RunID: "r1", Number: 2, Speaker: "Bolt", Status: transcript.StatusSilent, CreatedAt: at},
	})
	assert.Equal(t, []Step{
		{Turn: 1, Speaker: "Kit", Status: StatusAccepted, Text: "Hello track.", At: at},
		{Turn: 2, Speaker: "Bolt", Status: StatusSilent, At: at},
	}, steps)
}

func TestFromEventsFiltersRunAndKinds(t *testing.T) {
	evs := []events.Event{
		{RunID: "r1", Kind: events.KindRunStart},
		{RunID: "r1", Turn: 1, Kind: events.KindTurnStart, Speaker: "Kit"},
		{RunID: "r1", Turn: 1, Kind: events.KindTurnAccepted, Speaker: "Kit", Text: "Cones ahead."},
		{RunID: "r2", Turn: 1, Kind: events.KindTurnAccepted, Speaker: "Kit", Text: "Other run."},
		{RunID: "r1", Kind: events.KindIntervention, Actor: "operator", State: "PAUSED"},
		{RunID: "r1", Kind: events.KindIntervention, Actor: "operator", Text: "Slow down."},
		{RunID: "r1", Turn: 2, Kind: events.KindSilence, Speaker: "Bolt"},
		{RunID: "r1", Turn: 3, Kind: events.KindTurnFailed, Speaker: "Kit", Error: "backend"},
		{RunID: "r1", Kind: events.KindRunEnd},
	}
	steps := FromEvents(evs, "r1")
	var statuses []string
	for _, s := range steps {
		statuses = append(statuses, s.Status)
	}
	assert.Equal(t, []string{StatusAccepted, StatusOperator, StatusSilent, StatusFailed}, statuses)
	assert.Equal(t, "operator", steps[1].Speaker)
	assert.Equal(t, "Slow down.", steps[1].Text)

	assert.Len(t, FromEvents(evs, ""), 5)
}

// #endregion source-tests
