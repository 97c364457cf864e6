package prompt

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultSeparator is placed between assembled fragments.
const DefaultSeparator = "\n\n"

// #region assembler

// Assembler collects fragments for a single generation request. It is not
// safe for concurrent use; build a fresh one (or a Clone) per request.
type Assembler struct {
	slots     []Slot
	fragments []Fragment
	used      map[int]bool
	hits      map[string]int
	forced    map[string]bool
	hitBands  map[Band]bool // nil counts hits in every band
	separator string
}

// NewAssembler creates an assembler that tracks the given slots. A nil slot
// list uses DefaultSlots.
func NewAssembler(slots []Slot) *Assembler {
	if slots == nil {
		slots = DefaultSlots()
	}
	return &Assembler{
		slots:     slices.Clone(slots),
		used:      make(map[int]bool),
		hits:      make(map[string]int),
		forced:    make(map[string]bool),
		separator: DefaultSeparator,
	}
}

// CountHitsIn limits slot indicator counting to fragments placed in the
// given bands. Fragments elsewhere still appear in the build but never fill
// a slot.
func (a *Assembler) CountHitsIn(bands ...Band) {
	a.hitBands = make(map[Band]bool, len(bands))
	for _, b := range bands {
		a.hitBands[b] = true
	}
}

// SetSeparator overrides the boundary placed between fragments.
func (a *Assembler) SetSeparator(sep string) { a.separator = sep }

// Clone returns an independent copy, so per-attempt fragments such as
// evaluator guidance can be layered on a shared base.
func (a *Assembler) Clone() *Assembler {
	return &Assembler{
		slots:     a.slots,
		fragments: slices.Clone(a.fragments),
		used:      maps.Clone(a.used),
		hits:      maps.Clone(a.hits),
		forced:    maps.Clone(a.forced),
		hitBands:  a.hitBands,
		separator: a.separator,
	}
}

// #endregion

// #region add

// Add inserts f and counts slot indicator hits in its text. Empty text is
// ignored. Two fragments may never share a priority.
func (a *Assembler) Add(f Fragment) error {
	if f.Priority < 0 {
		return fmt.Errorf("add %s: %w: %d", f.Source, ErrInvalidPriority, f.Priority)
	}
	if strings.TrimSpace(f.Text) == "" {
		return nil
	}
	if a.used[f.Priority] {
		return fmt.Errorf("add %s: %w: %d", f.Source, ErrPriorityCollision, f.Priority)
	}
	a.used[f.Priority] = true
	a.fragments = append(a.fragments, f)
	if !a.countsHits(f.Priority) {
		return nil
	}
	for _, s := range a.slots {
		if n := s.countHits(f.Text); n > 0 {
			a.hits[s.Name] += n
		}
	}
	return nil
}

// AddToBand places text at the lowest free priority of band.
func (a *Assembler) AddToBand(band Band, source, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	p, err := a.nextFree(band)
	if err != nil {
		return fmt.Errorf("add %s: %w", source, err)
	}
	return a.Add(Fragment{Text: text, Priority: p, Source: source})
}

func (a *Assembler) countsHits(priority int) bool {
	if a.hitBands == nil {
		return true
	}
	for b := range a.hitBands {
		if priority >= int(b) && priority < int(b)+BandWidth {
			return true
		}
	}
	return false
}

func (a *Assembler) nextFree(band Band) (int, error) {
	for p := int(band); p < int(band)+BandWidth; p++ {
		if !a.used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrBandFull, band)
}

// #endregion

// #region slots

// Hits returns the indicator hit count recorded for a slot.
func (a *Assembler) Hits(slot string) int { return a.hits[slot] }

// Unfilled returns the required slots that have neither an
// indicator hit nor a forced filler. A nil required list selects every
// slot whose RequiredFrom is at most depth.
func (a *Assembler) Unfilled(required []string, depth int) ([]Slot, error) {
	want, err := a.requiredSlots(required, depth)
	if err != nil {
		return nil, err
	}
	var out []Slot
	for _, s := range want {
		if a.hits[s.Name] == 0 && !a.forced[s.Name] {
			out = append(out, s)
		}
	}
	return out, nil
}

// CheckAndInjectSlots forces a fallback instruction for every unfilled
// required slot and returns the slots it forced. A forced slot counts as
// filled for the rest of the assembly, so repeating the call without new
// fragments forces nothing.
func (a *Assembler) CheckAndInjectSlots(topic string, required []string, depth int) ([]Slot, error) {
	unfilled, err := a.Unfilled(required, depth)
	if err != nil {
		return nil, err
	}
	for _, s := range unfilled {
		p, err := a.nextFree(BandSlotFiller)
		if err != nil {
			return nil, err
		}
		f := Fragment{Text: s.fallbackFor(topic), Priority: p, Source: "slot:" + s.Name, Slot: s.Name}
		if err := a.Add(f); err != nil {
			return nil, err
		}
		a.forced[s.Name] = true
	}
	return unfilled, nil
}

func (a *Assembler) requiredSlots(required []string, depth int) ([]Slot, error) {
	if required == nil {
		var out []Slot
		for _, s := range a.slots {
			if depth >= s.RequiredFrom {
				out = append(out, s)
			}
		}
		return out, nil
	}
	out := make([]Slot, 0, len(required))
	for _, name := range required {
		i := slices.IndexFunc(a.slots, func(s Slot) bool { return s.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSlot, name)
		}
		out = append(out, a.slots[i])
	}
	return out, nil
}

// #endregion

// #region build

// Build concatenates all fragments in ascending priority order.
func (a *Assembler) Build() Result {
	ordered := slices.Clone(a.fragments)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	texts := make([]string, len(ordered))
	parts := make([]Part, len(ordered))
	for i, f := range ordered {
		texts[i] = f.Text
		parts[i] = Part{Priority: f.Priority, Source: f.Source, Length: utf8.RuneCountInString(f.Text)}
	}
	return Result{Text: strings.Join(texts, a.separator), Parts: parts}
}

// Len returns the number of fragments added so far.
func (a *Assembler) Len() int { return len(a.fragments) }

// #endregion
