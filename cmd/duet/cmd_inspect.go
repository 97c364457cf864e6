package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/duet/go-controller/internal/transcript"
)

var (
	inspectLimit int
	inspectJSON  bool
)

// inspectCmd reads stored transcripts.
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect stored run transcripts",
}

var inspectRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE:  inspectRuns,
}

var inspectShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the turns and evaluator verdicts of one run",
	Args:  cobra.ExactArgs(1),
	RunE:  inspectShow,
}

func init() {
	inspectRunsCmd.Flags().IntVar(&inspectLimit, "limit", 20, "runs to list")
	inspectCmd.PersistentFlags().BoolVar(&inspectJSON, "json", false, "print JSON")
	inspectCmd.AddCommand(inspectRunsCmd, inspectShowCmd)
}

func openTranscripts() (*transcript.Store, error) {
	return transcript.Open(filepath.Join(cfg.Storage.Dir, cfg.Storage.TranscriptDB), logger)
}

func inspectRuns(cmd *cobra.Command, args []string) error {
	ts, err := openTranscripts()
	if err != nil {
		return err
	}
	defer ts.Close()

	runs, err := ts.ListRuns(cmd.Context(), inspectLimit)
	if err != nil {
		return err
	}
	if inspectJSON {
		return printJSON(cmd.OutOrStdout(), runs)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODE\tSTARTED\tOUTCOME\tTURNS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", r.ID, r.Mode, r.StartedAt.Format(time.DateTime), r.Outcome, r.Turns)
	}
	return tw.Flush()
}

func inspectShow(cmd *cobra.Command, args []string) error {
	ts, err := openTranscripts()
	if err != nil {
		return err
	}
	defer ts.Close()

	ctx := cmd.Context()
	run, err := ts.Run(ctx, args[0])
	if err != nil {
		return err
	}
	turns, err := ts.Turns(ctx, run.ID)
	if err != nil {
		return err
	}
	attempts, err := ts.Attempts(ctx, run.ID)
	if err != nil {
		return err
	}
	if inspectJSON {
		return printJSON(cmd.OutOrStdout(), map[string]any{"run": run, "turns": turns, "attempts": attempts})
	}

	verdicts := make(map[int][]transcript.Attempt)
	for _, a := range attempts {
		verdicts[a.Turn] = append(verdicts[a.Turn], a)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s (%s) %s\n", run.ID, run.Mode, run.Outcome)
	for _, t := range turns {
		switch t.Status {
		case transcript.StatusAccepted:
			fmt.Fprintf(out, "%3d %s: %s\n", t.Number, t.Speaker, t.Text)
		case transcript.StatusSilent:
			fmt.Fprintf(out, "%3d %s: (silent, %s)\n", t.Number, t.Speaker, t.Silence)
		default:
			fmt.Fprintf(out, "%3d %s: (%s) %s\n", t.Number, t.Speaker, t.Status, t.Error)
		}
		for _, a := range verdicts[t.Number] {
			fmt.Fprintf(out, "      attempt %d %s %s\n", a.Attempt, a.Verdict, a.Reason)
		}
	}
	return nil
}
