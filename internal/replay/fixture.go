package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/duet/go-controller/internal/events"
	"github.com/danielpatrickdp/duet/go-controller/internal/intervention"
	"github.com/danielpatrickdp/duet/go-controller/internal/transcript"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string           `json:"description"`
	Steps           []Step           `json:"steps"`
	ExpectedResults []ExpectedResult `json:"expected_results"`
}

// ExpectedResult captures the expected outcome of one step.
type ExpectedResult struct {
	Turn  int    `json:"turn"`
	Loop  bool   `json:"loop"`
	Topic string `json:"topic,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// #endregion fixture-loader

// #region sources

// FromTurns converts stored transcript turns into replay steps.
func FromTurns(turns []transcript.Turn) []Step {
	out := make([]Step, 0, len(turns))
	for _, t := range turns {
		out = append(out, Step{
			Turn:    t.Number,
			Speaker: t.Speaker,
			Status:  t.Status,
			Text:    t.Text,
			At:      t.CreatedAt,
		})
	}
	return out
}

// FromEvents extracts the conversation of one run from an event log.
// Operator interrupts are kept; every other intervention is dropped.
// An empty runID accepts every run.
func FromEvents(evs []events.Event, runID string) []Step {
	var out []Step
	for _, ev := range evs {
		if runID != "" && ev.RunID != runID {
			continue
		}
		st := Step{Turn: ev.Turn, Speaker: ev.Speaker, At: ev.Timestamp}
		switch ev.Kind {
		case events.KindTurnAccepted:
			st.Status, st.Text = StatusAccepted, ev.Text
		case events.KindSilence:
			st.Status = StatusSilent
		case events.KindTurnFailed:
			st.Status = StatusFailed
		case events.KindIntervention:
			if ev.Actor != string(intervention.ActorOperator) || ev.Text == "" || ev.State != "" {
				continue
			}
			st.Status, st.Speaker, st.Text = StatusOperator, ev.Actor, ev.Text
		default:
			continue
		}
		out = append(out, st)
	}
	return out
}

// #endregion sources
