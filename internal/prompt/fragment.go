// Package prompt assembles generation requests from priority-ordered
// fragments and enforces required information slots.
package prompt

import "errors"

// #region bands

// Band is the base priority of a reserved fragment band. Fragments inside a
// band take priorities in [band, band+BandWidth).
type Band int

const (
	BandSystem            Band = 0
	BandWorldRules        Band = 100
	BandPersona           Band = 200
	BandLongTermMemory    Band = 300
	BandKnowledge         Band = 400
	BandHistory           Band = 500
	BandPreceding         Band = 550 // directly after history
	BandShortTermMemory   Band = 600
	BandSceneFacts        Band = 700
	BandWorldState        Band = 800
	BandSlotFiller        Band = 900
	BandEvaluatorGuidance Band = 1000
	BandExamples          Band = 1100
)

// BandWidth is the number of priorities available inside one band.
const BandWidth = 50

var bandNames = map[Band]string{
	BandSystem:            "system",
	BandWorldRules:        "world_rules",
	BandPersona:           "persona",
	BandLongTermMemory:    "long_term_memory",
	BandKnowledge:         "knowledge",
	BandHistory:           "history",
	BandPreceding:         "preceding_utterance",
	BandShortTermMemory:   "short_term_memory",
	BandSceneFacts:        "scene_facts",
	BandWorldState:        "world_state",
	BandSlotFiller:        "slot_filler",
	BandEvaluatorGuidance: "evaluator_guidance",
	BandExamples:          "examples",
}

func (b Band) String() string {
	if n, ok := bandNames[b]; ok {
		return n
	}
	return "custom"
}

// #endregion

// #region errors

var (
	ErrPriorityCollision = errors.New("priority already taken")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrBandFull          = errors.New("band full")
	ErrUnknownSlot       = errors.New("unknown slot")
)

// #endregion

// #region fragment

// Fragment is one piece of a generation request.
type Fragment struct {
	Text     string
	Priority int
	Source   string
	Slot     string // set on forced slot-filler fragments
}

// Part describes one assembled fragment for diagnostics.
type Part struct {
	Priority int
	Source   string
	Length   int // runes
}

// Result is the output of Build.
type Result struct {
	Text  string
	Parts []Part
}

// Sources returns the source labels in assembly order.
func (r Result) Sources() []string {
	out := make([]string, len(r.Parts))
	for i, p := range r.Parts {
		out[i] = p.Source
	}
	return out
}

// #endregion
