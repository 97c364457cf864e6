package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/duet/go-controller/internal/events"
	"github.com/danielpatrickdp/duet/go-controller/internal/novelty"
	"github.com/danielpatrickdp/duet/go-controller/internal/replay"
	"github.com/danielpatrickdp/duet/go-controller/internal/state"
)

var (
	replayEventsPath string
	replayVerbose    bool
)

// replayCmd rebuilds the world state of a finished run.
var replayCmd = &cobra.Command{
	Use:   "replay <run-id>",
	Short: "Rebuild a run's conversation state and re-check it for loops",
	Long: `Re-applies a stored run's turns to a fresh state store, running every
accepted line through a fresh loop detector, and prints the summary.
Turns come from the transcript database unless --events names an events
JSONL file.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayEventsPath, "events", "", "read turns from this events JSONL file")
	replayCmd.Flags().BoolVar(&replayVerbose, "steps", false, "print every replayed step")
}

func runReplay(cmd *cobra.Command, args []string) error {
	runID := args[0]
	var steps []replay.Step
	if replayEventsPath != "" {
		evs, err := events.ReadFile(replayEventsPath)
		if err != nil {
			return err
		}
		steps = replay.FromEvents(evs, runID)
	} else {
		ts, err := openTranscripts()
		if err != nil {
			return err
		}
		defer ts.Close()
		turns, err := ts.Turns(cmd.Context(), runID)
		if err != nil {
			return err
		}
		steps = replay.FromTurns(turns)
	}
	if len(steps) == 0 {
		return fmt.Errorf("run %s: no turns recorded", runID)
	}

	rc := replay.Config{
		Limits: state.Limits{
			RecentTopics: cfg.State.RecentTopics,
			RecentEvents: cfg.State.RecentEvents,
			EventLog:     cfg.State.EventLog,
		},
		Novelty: novelty.Config{
			Threshold:      cfg.Novelty.Threshold,
			MaxStuckTerms:  cfg.Novelty.MaxStuckTerms,
			RotationWindow: cfg.Novelty.RotationWindow,
		},
	}
	results, final, err := replay.Replay(steps, rc, logger)
	if err != nil {
		return err
	}
	if replayVerbose {
		if err := printJSON(cmd.OutOrStdout(), results); err != nil {
			return err
		}
	}
	s := replay.Summarize(results, final)
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"run_id":        runID,
		"steps":         s.TotalSteps,
		"accepted":      s.Accepted,
		"silent":        s.Silent,
		"failed":        s.Failed,
		"operator":      s.Operator,
		"loops":         s.Loops,
		"turn_count":    final.TurnCount,
		"last_speaker":  final.LastSpeaker,
		"topic":         final.Topic,
		"topic_depth":   final.TopicDepth,
		"recent_topics": final.RecentTopics,
	})
}
