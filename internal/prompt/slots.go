package prompt

import "strings"

// #region slot

// Slot is a category of information a turn must contain.
type Slot struct {
	Name       string   `yaml:"name"`
	Indicators []string `yaml:"indicators"`
	Fallback   string   `yaml:"fallback"` // "{topic}" is replaced with the current topic
	// RequiredFrom is the topic depth from which the slot is required by default.
	RequiredFrom int `yaml:"required_from"`
}

const (
	SlotConcreteness = "concreteness"
	SlotTogetherness = "togetherness"
)

// DefaultSlots returns the built-in slot set: concreteness always, and
// togetherness once a topic has run for three turns.
func DefaultSlots() []Slot {
	return []Slot{
		{
			Name: SlotConcreteness,
			Indicators: []string{
				"0", "1", "2", "3", "4", "5", "6", "7", "8", "9",
				" cm", " meter", " second", "km/h", "percent", "%",
				"left", "right", "cone", "wall", "corner",
				"センチ", "メートル", "秒", "右", "左",
			},
			Fallback:     "Mention one concrete, checkable detail about {topic}: a number, a distance, a direction or an object you can see.",
			RequiredFrom: 0,
		},
		{
			Name: SlotTogetherness,
			Indicators: []string{
				" we ", " we'", " us ", " our ", "together", "both of",
				"一緒", "二人", "私たち", "僕たち",
			},
			Fallback:     "Say something about {topic} that you two share: a memory, a plan or a feeling you have together.",
			RequiredFrom: 3,
		},
	}
}

// countHits returns how many indicator occurrences of s appear in text.
// Matching is case-insensitive substring matching on a space-padded copy
// so word-boundary indicators like " we " also match at the ends.
func (s Slot) countHits(text string) int {
	lower := " " + strings.ToLower(text) + " "
	n := 0
	for _, ind := range s.Indicators {
		if ind == "" {
			continue
		}
		n += strings.Count(lower, strings.ToLower(ind))
	}
	return n
}

func (s Slot) fallbackFor(topic string) string {
	if topic == "" {
		topic = "what is happening"
	}
	return strings.ReplaceAll(s.Fallback, "{topic}", topic)
}

// #endregion
