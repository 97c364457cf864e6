// Package novelty detects topical loops across recent utterances and picks
// a corrective strategy to break them.
package novelty

import (
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// #region strategy

// Strategy is a corrective move injected into the next prompt.
type Strategy string

const (
	StrategyNone          Strategy = "NOOP"
	StrategyConcreteness  Strategy = "force_concreteness"
	StrategyDisagreement  Strategy = "force_internal_disagreement"
	StrategyNextAction    Strategy = "force_next_action"
	StrategyPastReference Strategy = "force_past_reference"
)

// candidates is the rotation order.
var candidates = []Strategy{
	StrategyConcreteness,
	StrategyDisagreement,
	StrategyNextAction,
	StrategyPastReference,
}

var templates = map[Strategy]string{
	StrategyConcreteness:  "You keep circling around %s. Drop the general talk and name one specific, measurable thing you can see right now.",
	StrategyDisagreement:  "You both keep agreeing about %s. This time, push back: point out something your partner got wrong or overlooked.",
	StrategyNextAction:    "Enough about %s. Talk about what the car should do next and why.",
	StrategyPastReference: "Instead of repeating %s, connect it to something that happened earlier in this session.",
}

// #endregion

// #region types

// Config tunes loop detection.
type Config struct {
	Threshold      int // window size; a loop needs this many consecutive related texts
	MaxStuckTerms  int
	RotationWindow int // strategies recently used that may not be chosen again
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{Threshold: 3, MaxStuckTerms: 5, RotationWindow: 2}
}

// Result is the outcome of one CheckAndUpdate call.
type Result struct {
	Detected   bool
	StuckTerms []string
	Strategy   Strategy
	Correction string
	Topic      string // label for the incoming text
	TopicDepth int    // consecutive texts sharing a term, including this one
}

// #endregion

// #region guard

// Guard keeps a sliding window of term sets for one session.
type Guard struct {
	mu        sync.Mutex
	cfg       Config
	extractor Extractor
	window    [][]string
	used      []Strategy
	lastTopic string
	depth     int
	logger    *zap.Logger
}

// NewGuard creates a guard. A nil extractor uses DefaultExtractor.
func NewGuard(cfg Config, extractor Extractor, logger *zap.Logger) *Guard {
	def := DefaultConfig()
	if cfg.Threshold < 2 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxStuckTerms <= 0 {
		cfg.MaxStuckTerms = def.MaxStuckTerms
	}
	if cfg.RotationWindow < 0 || cfg.RotationWindow >= len(candidates) {
		cfg.RotationWindow = def.RotationWindow
	}
	if extractor == nil {
		extractor = DefaultExtractor()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		cfg:       cfg,
		extractor: extractor,
		logger:    logger.With(zap.String("component", "novelty")),
	}
}

// CheckAndUpdate records the terms of text and reports whether the window
// is stuck on a shared term. The term set always enters the window.
func (g *Guard) CheckAndUpdate(text string) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	terms := g.extractor.Terms(text)
	res := Result{Strategy: StrategyNone}

	var prev []string
	if n := len(g.window); n > 0 {
		prev = g.window[n-1]
	}
	shared := intersect(prev, terms)
	switch {
	case len(terms) == 0:
		g.depth = 0
		g.lastTopic = ""
	case len(shared) > 0 && g.depth > 0:
		g.depth++
		if !slices.Contains(shared, g.lastTopic) {
			g.lastTopic = shared[0]
		}
	default:
		g.depth = 1
		g.lastTopic = terms[0]
	}
	res.Topic = g.lastTopic
	res.TopicDepth = g.depth

	g.window = append(g.window, terms)
	if over := len(g.window) - g.cfg.Threshold; over > 0 {
		g.window = slices.Delete(g.window, 0, over)
	}
	if len(g.window) < g.cfg.Threshold {
		return res
	}

	common := g.window[0]
	for _, entry := range g.window[1:] {
		common = intersect(common, entry)
	}
	if len(common) == 0 {
		return res
	}
	if len(common) > g.cfg.MaxStuckTerms {
		common = common[:g.cfg.MaxStuckTerms]
	}

	res.Detected = true
	res.StuckTerms = common
	res.Strategy = g.rotate()
	res.Correction = Correction(res.Strategy, common)

	g.logger.Info("loop detected",
		zap.Strings("stuck_terms", common),
		zap.String("strategy", string(res.Strategy)),
		zap.Int("topic_depth", res.TopicDepth),
	)
	return res
}

// rotate picks the first candidate not among the most recently used ones.
func (g *Guard) rotate() Strategy {
	recent := g.used
	if n := len(recent) - g.cfg.RotationWindow; n > 0 {
		recent = recent[n:]
	}
	choice := candidates[0]
	for _, c := range candidates {
		if !slices.Contains(recent, c) {
			choice = c
			break
		}
	}
	g.used = append(g.used, choice)
	if over := len(g.used) - len(candidates); over > 0 {
		g.used = slices.Delete(g.used, 0, over)
	}
	return choice
}

// Reset clears the window and rotation history for a new session.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.window = nil
	g.used = nil
	g.lastTopic = ""
	g.depth = 0
}

// #endregion

// #region helpers

// Correction renders the corrective instruction for a strategy.
func Correction(s Strategy, stuck []string) string {
	tmpl, ok := templates[s]
	if !ok {
		return ""
	}
	subject := "the same thing"
	if len(stuck) > 0 {
		subject = `"` + strings.Join(stuck, `", "`) + `"`
	}
	return strings.Replace(tmpl, "%s", subject, 1)
}

// intersect returns the sorted terms present in both a and b.
func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	var out []string
	for _, t := range a {
		if slices.Contains(b, t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// #endregion
