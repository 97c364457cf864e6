package replay

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/duet/go-controller/internal/novelty"
	"github.com/danielpatrickdp/duet/go-controller/internal/state"
)

// #region types

// Step status values, matching the transcript's turn statuses.
const (
	StatusAccepted = "accepted"
	StatusSilent   = "silent"
	StatusFailed   = "failed"
	// StatusOperator marks operator text injected during the run.
	StatusOperator = "operator"
)

// Step is one recorded conversation entry to replay.
type Step struct {
	Turn    int       `json:"turn"`
	Speaker string    `json:"speaker"`
	Status  string    `json:"status"`
	Text    string    `json:"text,omitempty"`
	At      time.Time `json:"at,omitzero"`
}

// Config bundles the store limits and novelty guard settings for a replay.
type Config struct {
	Limits  state.Limits
	Novelty novelty.Config
}

// DefaultConfig returns the defaults the live orchestrator uses.
func DefaultConfig() Config {
	return Config{
		Limits:  state.DefaultLimits(),
		Novelty: novelty.DefaultConfig(),
	}
}

// Result captures what replaying one step did.
type Result struct {
	Turn       int      `json:"turn"`
	Speaker    string   `json:"speaker"`
	Status     string   `json:"status"`
	Applied    bool     `json:"applied"`
	Topic      string   `json:"topic,omitempty"`
	TopicDepth int      `json:"topic_depth,omitempty"`
	Loop       bool     `json:"loop,omitempty"`
	Strategy   string   `json:"strategy,omitempty"`
	StuckTerms []string `json:"stuck_terms,omitempty"`
	Seq        uint64   `json:"seq"`
}

// Summary provides aggregate stats from a replay.
type Summary struct {
	TotalSteps int
	Accepted   int
	Silent     int
	Failed     int
	Operator   int
	Loops      int
	Final      state.Snapshot
}

// #endregion types

// #region replay

// Replay applies steps to a fresh store in order. Accepted turns pass through
// a fresh novelty guard first so loop detections can be compared against the
// live run. Failed turns are recorded but never touch state.
func Replay(steps []Step, cfg Config, logger *zap.Logger) ([]Result, state.Snapshot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "replay"))

	store := state.NewStore(cfg.Limits, logger)
	guard := novelty.NewGuard(cfg.Novelty, novelty.DefaultExtractor(), logger)
	results := make([]Result, 0, len(steps))

	for i, st := range steps {
		res := Result{Turn: st.Turn, Speaker: st.Speaker, Status: st.Status}

		var p state.TurnPayload
		switch st.Status {
		case StatusAccepted:
			check := guard.CheckAndUpdate(st.Text)
			res.Topic, res.TopicDepth = check.Topic, check.TopicDepth
			if check.Detected {
				res.Loop = true
				res.Strategy = string(check.Strategy)
				res.StuckTerms = check.StuckTerms
			}
			p = state.TurnPayload{Speaker: st.Speaker, Text: st.Text, Topic: check.Topic, TopicDepth: check.TopicDepth}
		case StatusSilent:
			p = state.TurnPayload{Speaker: st.Speaker, Silent: true}
		case StatusOperator:
			p = state.TurnPayload{Speaker: st.Speaker, Text: st.Text}
		case StatusFailed:
			res.Seq = store.Snapshot().Seq
			results = append(results, res)
			continue
		default:
			return results, store.Snapshot(), fmt.Errorf("step %d: unknown status %q", i, st.Status)
		}

		ev, err := state.NewTurnEvent(p, st.At)
		if err != nil {
			return results, store.Snapshot(), fmt.Errorf("step %d: %w", i, err)
		}
		snap, err := store.Apply(ev)
		if err != nil {
			return results, store.Snapshot(), fmt.Errorf("step %d: %w", i, err)
		}
		res.Applied = true
		res.Seq = snap.Seq
		if st.Status == StatusAccepted {
			res.Topic, res.TopicDepth = snap.Topic, snap.TopicDepth
		}
		results = append(results, res)
	}

	final := store.Snapshot()
	logger.Debug("replay finished", zap.Int("steps", len(steps)), zap.Uint64("seq", final.Seq))
	return results, final, nil
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []Result, final state.Snapshot) Summary {
	s := Summary{TotalSteps: len(results), Final: final}
	for _, r := range results {
		switch r.Status {
		case StatusAccepted:
			s.Accepted++
		case StatusSilent:
			s.Silent++
		case StatusFailed:
			s.Failed++
		case StatusOperator:
			s.Operator++
		}
		if r.Loop {
			s.Loops++
		}
	}
	return s
}

// #endregion replay
