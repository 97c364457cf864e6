// Package persona loads the static agent definitions, world rules,
// knowledge entries and slots that every prompt is built from.
package persona

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/duet/go-controller/internal/prompt"
)

// ErrInvalidContent is returned for definitions that fail validation.
var ErrInvalidContent = errors.New("invalid persona content")

// #region types

// Agent is one of the two speakers.
type Agent struct {
	Name     string   `yaml:"name"`
	Persona  string   `yaml:"persona"`
	Examples []string `yaml:"examples"`
}

// KnowledgeEntry is a retrievable fact about the world.
type KnowledgeEntry struct {
	ID       string   `yaml:"id"`
	Text     string   `yaml:"text"`
	Keywords []string `yaml:"keywords"`
}

// Content is one loaded definition set. Values handed out by a Library are
// copies; nothing mutates a loaded Content in place.
type Content struct {
	System     string           `yaml:"system"`
	WorldRules string           `yaml:"world_rules"`
	Agents     []Agent          `yaml:"agents"`
	Knowledge  []KnowledgeEntry `yaml:"knowledge"`
	Slots      []prompt.Slot    `yaml:"slots"`
}

// #endregion

// #region parse

// Parse decodes and validates YAML content. Missing slots fall back to
// prompt.DefaultSlots.
func Parse(data []byte) (Content, error) {
	var c Content
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Content{}, fmt.Errorf("%w: %w", ErrInvalidContent, err)
	}
	if len(c.Slots) == 0 {
		c.Slots = prompt.DefaultSlots()
	}
	if err := c.Validate(); err != nil {
		return Content{}, err
	}
	return c, nil
}

// LoadFile reads and parses a YAML file.
func LoadFile(path string) (Content, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Content{}, fmt.Errorf("read persona file: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return Content{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate checks the structural requirements: exactly two uniquely named
// agents with persona text, and well-formed slots.
func (c Content) Validate() error {
	if len(c.Agents) != 2 {
		return fmt.Errorf("%w: need exactly 2 agents, got %d", ErrInvalidContent, len(c.Agents))
	}
	for i, a := range c.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("%w: agent %d has no name", ErrInvalidContent, i)
		}
		if strings.TrimSpace(a.Persona) == "" {
			return fmt.Errorf("%w: agent %s has no persona", ErrInvalidContent, a.Name)
		}
	}
	if strings.EqualFold(c.Agents[0].Name, c.Agents[1].Name) {
		return fmt.Errorf("%w: duplicate agent name %q", ErrInvalidContent, c.Agents[0].Name)
	}
	seen := map[string]bool{}
	for _, s := range c.Slots {
		if s.Name == "" || len(s.Indicators) == 0 || s.Fallback == "" {
			return fmt.Errorf("%w: slot %q needs name, indicators and fallback", ErrInvalidContent, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate slot %q", ErrInvalidContent, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// #endregion

// #region accessors

// Agent returns the named agent.
func (c Content) Agent(name string) (Agent, bool) {
	i := slices.IndexFunc(c.Agents, func(a Agent) bool { return a.Name == name })
	if i < 0 {
		return Agent{}, false
	}
	return c.Agents[i], true
}

// AgentNames returns the two agent names in definition order.
func (c Content) AgentNames() []string {
	out := make([]string, len(c.Agents))
	for i, a := range c.Agents {
		out[i] = a.Name
	}
	return out
}

// Partner returns the other agent's name.
func (c Content) Partner(name string) string {
	for _, a := range c.Agents {
		if a.Name != name {
			return a.Name
		}
	}
	return ""
}

func (c Content) clone() Content {
	out := c
	out.Agents = make([]Agent, len(c.Agents))
	for i, a := range c.Agents {
		a.Examples = slices.Clone(a.Examples)
		out.Agents[i] = a
	}
	out.Knowledge = make([]KnowledgeEntry, len(c.Knowledge))
	for i, k := range c.Knowledge {
		k.Keywords = slices.Clone(k.Keywords)
		out.Knowledge[i] = k
	}
	out.Slots = make([]prompt.Slot, len(c.Slots))
	for i, s := range c.Slots {
		s.Indicators = slices.Clone(s.Indicators)
		out.Slots[i] = s
	}
	return out
}

// #endregion

// #region default

// Default returns the built-in pair of commentators.
func Default() Content {
	return Content{
		System: "You are one of two friends riding along with a small self-driving car on a test track. " +
			"Reply with one short spoken line, no stage directions, no speaker label.",
		WorldRules: "The car is real and small. Distances are in centimetres, speed in metres per second. " +
			"Never invent readings you were not given.",
		Agents: []Agent{
			{
				Name:     "Aki",
				Persona:  "Aki is excitable, loves numbers and reads every sensor value out loud.",
				Examples: []string{"Whoa, 30 centimetres to that cone!", "Speed's up to 1.8, here we go."},
			},
			{
				Name:     "Mio",
				Persona:  "Mio is calm and dry, notices what the car is about to do and teases Aki.",
				Examples: []string{"It's going to cut the corner again.", "You said that last lap too."},
			},
		},
		Knowledge: []KnowledgeEntry{
			{ID: "track", Text: "The track is a figure eight marked with orange cones.", Keywords: []string{"track", "cone", "cones", "lap"}},
			{ID: "sensors", Text: "The car has three ultrasonic distance sensors: front, left and right.", Keywords: []string{"sensor", "sensors", "distance", "ultrasonic"}},
			{ID: "camera", Text: "A forward camera sends a frame every second to the vision model.", Keywords: []string{"camera", "vision", "see"}},
		},
		Slots: prompt.DefaultSlots(),
	}
}

// #endregion
