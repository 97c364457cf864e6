package orchestrator

// #region imports
import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/duet/go-controller/internal/persona"
	"github.com/danielpatrickdp/duet/go-controller/internal/prompt"
	"github.com/danielpatrickdp/duet/go-controller/internal/retrieval"
	"github.com/danielpatrickdp/duet/go-controller/internal/state"
)

// #endregion

// #region line

// line is one spoken line kept in the run's history.
type line struct {
	Speaker string
	Text    string
}

func (l line) String() string { return l.Speaker + ": " + l.Text }

// #endregion

// #region assemble

// turnContext is everything a turn's prompt is built from.
type turnContext struct {
	content      persona.Content
	snap         state.Snapshot
	speaker      string
	stale        bool
	history      []line
	correction   string
	instructions []string
}

// preceding returns the line the speaker replies to, if any.
func (tc turnContext) preceding() (line, bool) {
	if len(tc.history) == 0 {
		return line{}, false
	}
	return tc.history[len(tc.history)-1], true
}

// assemble builds the layered base prompt for one turn. Evaluator guidance
// for retries is added later to clones of the returned assembler.
func (o *Orchestrator) assemble(ctx context.Context, tc turnContext) (*prompt.Assembler, []prompt.Slot, error) {
	a := prompt.NewAssembler(tc.content.Slots)
	// Only what was said fills a slot; world state always carries numbers.
	a.CountHitsIn(prompt.BandHistory, prompt.BandPreceding, prompt.BandShortTermMemory)

	partner := tc.content.Partner(tc.speaker)
	system := strings.TrimSpace(tc.content.System + "\n" +
		fmt.Sprintf("You are %s. You are talking with %s.", tc.speaker, partner))
	agent, _ := tc.content.Agent(tc.speaker)

	prev, hasPrev := tc.preceding()
	query := tc.snap.Topic
	if hasPrev {
		query += " " + prev.Text
	}

	before := []layer{
		{prompt.BandSystem, "system", system},
		{prompt.BandWorldRules, "world_rules", tc.content.WorldRules},
		{prompt.BandPersona, "persona", agent.Persona},
		{prompt.BandLongTermMemory, "memory", o.recallText(ctx, query)},
		{prompt.BandKnowledge, "knowledge", o.knowledgeText(tc.content, query)},
		{prompt.BandHistory, "history", historyText(tc.history, o.cfg.HistoryTurns)},
	}
	if hasPrev {
		before = append(before, layer{prompt.BandPreceding, "preceding", fmt.Sprintf("%s just said: %q", prev.Speaker, prev.Text)})
	}
	before = append(before,
		layer{prompt.BandShortTermMemory, "recent_events", recentEventsText(tc.snap)},
		layer{prompt.BandSceneFacts, "scene", sceneText(tc.snap)},
		layer{prompt.BandWorldState, "world_state", worldStateText(tc.snap, tc.stale)},
		layer{prompt.BandSlotFiller, "novelty", tc.correction},
	)
	if err := addLayers(a, before); err != nil {
		return nil, nil, err
	}

	// Slots are checked after every content layer is in.
	forced, err := a.CheckAndInjectSlots(tc.snap.Topic, o.cfg.RequiredSlots, tc.snap.TopicDepth)
	if err != nil {
		return nil, nil, err
	}

	var after []layer
	for _, in := range tc.instructions {
		after = append(after, layer{prompt.BandEvaluatorGuidance, "operator", "The operator asks: " + in})
	}
	after = append(after, layer{prompt.BandExamples, "examples", examplesText(agent)})
	if err := addLayers(a, after); err != nil {
		return nil, nil, err
	}
	return a, forced, nil
}

// #endregion

// #region layers

type layer struct {
	band   prompt.Band
	source string
	text   string
}

// addLayers adds the non-blank layers in order.
func addLayers(a *prompt.Assembler, layers []layer) error {
	for _, l := range layers {
		if strings.TrimSpace(l.text) == "" {
			continue
		}
		if err := a.AddToBand(l.band, l.source, l.text); err != nil {
			return fmt.Errorf("add %s: %w", l.source, err)
		}
	}
	return nil
}

func (o *Orchestrator) recallText(ctx context.Context, query string) string {
	if o.recall == nil || o.cfg.MemoryTopK <= 0 {
		return ""
	}
	hs, err := o.recall.Relevant(ctx, query, o.cfg.MemoryTopK, o.cfg.MemoryTopK*5)
	if err != nil {
		o.logger.Warn("recall failed", zap.Error(err))
		return ""
	}
	if len(hs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Things you remember:")
	for _, h := range hs {
		b.WriteString("\n- ")
		b.WriteString(h.Text)
	}
	return b.String()
}

func (o *Orchestrator) knowledgeText(c persona.Content, query string) string {
	if len(c.Knowledge) == 0 || o.cfg.KnowledgeTopK <= 0 {
		return ""
	}
	docs := make([]retrieval.Document, len(c.Knowledge))
	for i, k := range c.Knowledge {
		docs[i] = retrieval.Document{ID: k.ID, Text: k.Text, Keywords: k.Keywords}
	}
	cfg := retrieval.DefaultConfig()
	cfg.TopK = o.cfg.KnowledgeTopK
	res := retrieval.NewRetriever(cfg).Retrieve(query, docs)
	texts := res.Texts()
	if len(texts) == 0 {
		return ""
	}
	return "Facts you know:\n- " + strings.Join(texts, "\n- ")
}

// historyText renders up to n lines before the preceding one.
func historyText(h []line, n int) string {
	if len(h) < 2 || n <= 0 {
		return ""
	}
	earlier := h[:len(h)-1]
	if len(earlier) > n {
		earlier = earlier[len(earlier)-n:]
	}
	parts := make([]string, len(earlier))
	for i, l := range earlier {
		parts[i] = l.String()
	}
	return "Conversation so far:\n" + strings.Join(parts, "\n")
}

func recentEventsText(s state.Snapshot) string {
	var parts []string
	for _, r := range s.RecentEvents {
		if r.Kind == state.KindConversationTurn || r.Summary == "" {
			continue
		}
		parts = append(parts, r.Summary)
	}
	if len(parts) == 0 {
		return ""
	}
	if len(parts) > 3 {
		parts = parts[len(parts)-3:]
	}
	return "Just happened:\n- " + strings.Join(parts, "\n- ")
}

func sceneText(s state.Snapshot) string {
	if len(s.SceneFacts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(s.SceneFacts))
	for k := range s.SceneFacts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	b.WriteString("What you can see:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, s.SceneFacts[k])
	}
	return b.String()
}

func worldStateText(s state.Snapshot, stale bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Car: mode %s, speed %.2f m/s, steering %.2f.", s.Mode, s.Speed, s.Steering)
	if len(s.Distances) > 0 {
		names := make([]string, 0, len(s.Distances))
		for n := range s.Distances {
			names = append(names, n)
		}
		slices.Sort(names)
		b.WriteString(" Distances:")
		for _, n := range names {
			fmt.Fprintf(&b, " %s %.0f cm", n, s.Distances[n])
		}
		b.WriteString(".")
	}
	if stale {
		b.WriteString(" These readings are old; do not quote them as current.")
	}
	return b.String()
}

func examplesText(a persona.Agent) string {
	if len(a.Examples) == 0 {
		return ""
	}
	return "How " + a.Name + " talks:\n- " + strings.Join(a.Examples, "\n- ")
}

// #endregion
