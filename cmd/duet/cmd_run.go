package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/duet/go-controller/internal/orchestrator"
)

var runMaxTurns int

// runCmd executes one batch run and prints the conversation.
var runCmd = &cobra.Command{
	Use:   "run [input]",
	Short: "Run a batch conversation seeded with optional text input",
	Long: `Runs the agents for a fixed number of turns. The optional input is
applied to the world state as a text observation before the first turn.

Example:
  duet run --max-turns 6 "The car is approaching the first turn."`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBatch,
}

func init() {
	runCmd.Flags().IntVarP(&runMaxTurns, "max-turns", "n", 0, "turns to run (default from config)")
}

func runBatch(cmd *cobra.Command, args []string) error {
	input := strings.Join(args, " ")
	maxTurns := runMaxTurns
	if maxTurns <= 0 {
		maxTurns = cfg.Orchestrator.MaxTurns
	}

	rt, err := buildRuntime(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	tr, err := rt.orch.Run(cmd.Context(), input, maxTurns)
	printTranscript(cmd, tr)
	if err != nil {
		return err
	}
	logger.Info("run finished",
		zap.String("run_id", tr.RunID),
		zap.String("outcome", string(tr.Outcome)),
		zap.Int("accepted", len(tr.Accepted())),
	)
	return nil
}

// printTranscript writes one line per turn to stdout.
func printTranscript(cmd *cobra.Command, tr orchestrator.Transcript) {
	out := cmd.OutOrStdout()
	for _, t := range tr.Turns {
		switch t.Status {
		case orchestrator.TurnAccepted:
			fmt.Fprintf(out, "%s: %s\n", t.Speaker, t.Text)
		case orchestrator.TurnSilent:
			fmt.Fprintf(out, "(%s stays quiet)\n", t.Speaker)
		case orchestrator.TurnFailed:
			fmt.Fprintf(out, "(%s failed: %s)\n", t.Speaker, t.Error)
		}
	}
	fmt.Fprintf(out, "-- %s, %d turns\n", tr.Outcome, len(tr.Turns))
}
