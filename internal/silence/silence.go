// Package silence decides when an agent should say nothing on a turn.
package silence

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/duet/go-controller/internal/state"
)

// #region types

// Kind names the reason for a silence.
type Kind string

const (
	KindTension       Kind = "tension"
	KindConcentration Kind = "concentration"
	KindAftermath     Kind = "aftermath"
)

// Decision describes a silenced turn.
type Decision struct {
	Kind       Kind
	Reason     string
	Duration   time.Duration
	AllowShort bool     // very short exclamations or reactions are allowed
	AudioCues  []string // hints for the presentation layer
}

// Config holds the thresholds the decider works from.
type Config struct {
	SpeedThreshold        float64
	AftermathWindow       time.Duration
	TensionDuration       time.Duration
	ConcentrationDuration time.Duration
	AftermathDuration     time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		SpeedThreshold:        2.5,
		AftermathWindow:       5 * time.Second,
		TensionDuration:       2 * time.Second,
		ConcentrationDuration: 4 * time.Second,
		AftermathDuration:     3 * time.Second,
	}
}

// #endregion

// #region decide

// Decider is stateless; one value may be shared by any number of runs.
type Decider struct {
	cfg Config
}

// NewDecider fills zero fields of cfg from DefaultConfig.
func NewDecider(cfg Config) Decider {
	def := DefaultConfig()
	if cfg.SpeedThreshold <= 0 {
		cfg.SpeedThreshold = def.SpeedThreshold
	}
	if cfg.AftermathWindow <= 0 {
		cfg.AftermathWindow = def.AftermathWindow
	}
	if cfg.TensionDuration <= 0 {
		cfg.TensionDuration = def.TensionDuration
	}
	if cfg.ConcentrationDuration <= 0 {
		cfg.ConcentrationDuration = def.ConcentrationDuration
	}
	if cfg.AftermathDuration <= 0 {
		cfg.AftermathDuration = def.AftermathDuration
	}
	return Decider{cfg: cfg}
}

// Decide returns a silence decision for snap at now, or false when the
// agent should speak. Checks run in priority order: imminent maneuver,
// high speed, recent terminal run result.
func (d Decider) Decide(snap state.Snapshot, now time.Time) (Decision, bool) {
	if m, ok := snap.Fact(state.FactManeuver); ok && m != "" {
		return Decision{
			Kind:       KindTension,
			Reason:     "maneuver imminent: " + m,
			Duration:   d.cfg.TensionDuration,
			AllowShort: true,
			AudioCues:  []string{"heartbeat", "engine_rev"},
		}, true
	}

	if snap.Speed > d.cfg.SpeedThreshold {
		return Decision{
			Kind:      KindConcentration,
			Reason:    fmt.Sprintf("speed %.2f above %.2f", snap.Speed, d.cfg.SpeedThreshold),
			Duration:  d.cfg.ConcentrationDuration,
			AudioCues: []string{"wind", "engine_high"},
		}, true
	}

	if rec, ok := snap.LastExternal(); ok && rec.Kind == state.KindRunResult && rec.Outcome.Terminal() {
		elapsed := now.Sub(rec.At)
		if elapsed >= 0 && elapsed <= d.cfg.AftermathWindow {
			return Decision{
				Kind:       KindAftermath,
				Reason:     fmt.Sprintf("%s %s ago", rec.Outcome, elapsed.Round(time.Millisecond)),
				Duration:   d.cfg.AftermathDuration,
				AllowShort: true,
				AudioCues:  aftermathCues(rec.Outcome),
			}, true
		}
	}

	return Decision{}, false
}

func aftermathCues(o state.Outcome) []string {
	switch o {
	case state.OutcomeCollision:
		return []string{"crash"}
	case state.OutcomeFailure:
		return []string{"sigh"}
	default:
		return []string{"applause"}
	}
}

// #endregion
