package evaluator

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// #region ai-speak-patterns

var aiSpeakPatterns = []string{
	"as an ai",
	"as a language model",
	"i cannot",
	"i can't help",
	"i'm not able to",
	"i am not able to",
	"my programming",
	"my training",
	"i was designed to",
	"i'd be happy to help",
	"how can i help",
	"is there anything else",
}

// #endregion

// #region heuristic

// HeuristicJudge scores a candidate with string checks only. No model call.
type HeuristicJudge struct {
	MaxRunes int // longer candidates are cut at a sentence boundary
}

// DefaultMaxRunes caps a spoken line.
const DefaultMaxRunes = 160

var speakerPrefix = regexp.MustCompile(`^\s*[\p{L}\p{N}_ .-]{1,24}\s*[:：]\s*`)

// Judge implements Judge.
func (h HeuristicJudge) Judge(_ context.Context, c Candidate) (Verdict, error) {
	trimmed := strings.TrimSpace(c.Text)
	lower := strings.ToLower(trimmed)

	if trimmed == "" {
		return Verdict{Kind: Retry, Reason: "empty", Guidance: "Say something; the line was empty."}, nil
	}
	if n := countPatterns(lower, aiSpeakPatterns); n > 0 {
		return Verdict{
			Kind:     Retry,
			Reason:   "assistant-speak",
			Guidance: "Stay in character. Talk like a person riding along, never like an assistant.",
		}, nil
	}
	if hasRepetition(lower) {
		return Verdict{Kind: Retry, Reason: "repetition", Guidance: "Do not repeat the same sentence."}, nil
	}
	if c.Preceding != "" && echoes(lower, strings.ToLower(strings.TrimSpace(c.Preceding))) {
		return Verdict{Kind: Retry, Reason: "echo of the previous line", Guidance: "Respond to your partner in your own words instead of repeating them."}, nil
	}

	edited := trimmed
	var reasons []string
	if c.Speaker != "" {
		if loc := speakerPrefix.FindStringIndex(edited); loc != nil && strings.EqualFold(strings.TrimSpace(strings.TrimRight(edited[:loc[1]], ":： ")), c.Speaker) {
			edited = strings.TrimSpace(edited[loc[1]:])
			reasons = append(reasons, "speaker prefix")
		}
	}
	if unq, ok := unquote(edited); ok {
		edited = unq
		reasons = append(reasons, "quotes")
	}
	limit := h.MaxRunes
	if limit <= 0 {
		limit = DefaultMaxRunes
	}
	if utf8.RuneCountInString(edited) > limit {
		edited = cutAtSentence(edited, limit)
		reasons = append(reasons, "too long")
	}
	if edited == "" {
		return Verdict{Kind: Retry, Reason: "nothing left after cleanup"}, nil
	}
	if len(reasons) > 0 {
		return Verdict{Kind: Modify, Reason: strings.Join(reasons, ", "), Edited: edited}, nil
	}
	return Verdict{Kind: Pass, Reason: "ok"}, nil
}

// #endregion

// #region checks

func countPatterns(lower string, patterns []string) int {
	n := 0
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			n++
		}
	}
	return n
}

// hasRepetition reports two or more identical sentences of meaningful length.
func hasRepetition(lower string) bool {
	sentences := strings.FieldsFunc(lower, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '。' || r == '！' || r == '？'
	})
	if len(sentences) < 2 {
		return false
	}
	counts := make(map[string]int)
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if utf8.RuneCountInString(s) > 10 {
			counts[s]++
			if counts[s] >= 2 {
				return true
			}
		}
	}
	return false
}

// echoes reports a candidate that is, or wholly contains, the preceding line.
func echoes(lower, preceding string) bool {
	if utf8.RuneCountInString(preceding) <= 10 {
		return false
	}
	return lower == preceding || strings.Contains(lower, preceding)
}

func unquote(s string) (string, bool) {
	pairs := [][2]string{{`"`, `"`}, {"“", "”"}, {"「", "」"}, {"'", "'"}}
	for _, p := range pairs {
		if len(s) > len(p[0])+len(p[1]) && strings.HasPrefix(s, p[0]) && strings.HasSuffix(s, p[1]) {
			inner := strings.TrimSpace(s[len(p[0]) : len(s)-len(p[1])])
			if !strings.Contains(inner, p[0]) {
				return inner, true
			}
		}
	}
	return s, false
}

// cutAtSentence trims s to at most limit runes, preferring the last sentence end.
func cutAtSentence(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	r = r[:limit]
	for i := len(r) - 1; i > limit/3; i-- {
		switch r[i] {
		case '.', '!', '?', '。', '！', '？':
			return strings.TrimSpace(string(r[:i+1]))
		}
	}
	return strings.TrimRightFunc(string(r), func(c rune) bool { return !unicode.IsLetter(c) && !unicode.IsDigit(c) }) + "…"
}

// #endregion
