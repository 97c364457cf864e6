package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/duet/go-controller/internal/control"
	"github.com/danielpatrickdp/duet/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/duet/go-controller/internal/signals"
)

var (
	liveMaxFrames     int
	liveTurnsPerFrame int
	liveInterval      time.Duration
	liveStopOnResult  bool
)

// liveCmd runs the agents over a recorded stream of frames.
var liveCmd = &cobra.Command{
	Use:   "live <frames.jsonl>",
	Short: "Run a continuous conversation over a JSONL frame stream",
	Long: `Reads one frame per line (sensor readings, vision, run results, mode
changes), folds it into the world state and lets the agents talk between
frames. The run ends when the stream is exhausted, the frame cap is hit or
the car reports a terminal result with --stop-on-result.`,
	Args: cobra.ExactArgs(1),
	RunE: runLive,
}

func init() {
	liveCmd.Flags().IntVar(&liveMaxFrames, "max-frames", 0, "stop after this many frames (0 = until EOF)")
	liveCmd.Flags().IntVar(&liveTurnsPerFrame, "turns-per-frame", 1, "turns between frames")
	liveCmd.Flags().DurationVar(&liveInterval, "interval", 0, "pause between frames (default from config)")
	liveCmd.Flags().BoolVar(&liveStopOnResult, "stop-on-result", false, "stop on a terminal run result")
}

func runLive(cmd *cobra.Command, args []string) error {
	src, err := signals.OpenFile(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	rt, err := buildRuntime(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := orchestrator.ContinuousOptions{
		MaxFrames:     liveMaxFrames,
		FrameInterval: liveInterval,
		TurnsPerFrame: liveTurnsPerFrame,
	}
	if opts.FrameInterval == 0 {
		opts.FrameInterval = cfg.Orchestrator.TurnInterval
	}
	if liveStopOnResult {
		opts.Stop = control.StopOnTerminalResult
	}

	tr, err := rt.orch.RunContinuous(cmd.Context(), src, opts)
	printTranscript(cmd, tr)
	if err != nil {
		return err
	}
	logger.Info("live run finished",
		zap.String("run_id", tr.RunID),
		zap.String("outcome", string(tr.Outcome)),
		zap.Int("frames", tr.Frames),
	)
	return nil
}
