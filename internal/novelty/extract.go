package novelty

import (
	"strings"
	"unicode"
)

// #region extractor

// Extractor pulls salient terms out of an utterance. Implementations must
// be deterministic and safe for concurrent use.
type Extractor interface {
	Terms(text string) []string
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(text string) []string

func (f ExtractorFunc) Terms(text string) []string { return f(text) }

// #endregion

// #region script-run

type script int

const (
	scriptNone script = iota
	scriptLatin
	scriptHan
	scriptKatakana
	scriptHiragana
)

func scriptOf(r rune) script {
	switch {
	case r == 'ー' || unicode.Is(unicode.Katakana, r):
		return scriptKatakana
	case unicode.Is(unicode.Hiragana, r):
		return scriptHiragana
	case unicode.Is(unicode.Han, r):
		return scriptHan
	case r < 0x250 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
		return scriptLatin
	}
	return scriptNone
}

// ScriptRunExtractor splits text into maximal runs of one script. Latin runs
// are lowercased and kept at MinLatin runes or more; kanji and katakana runs
// are kept at MinCJK runes or more; hiragana runs are grammar and dropped.
// Terms on the stoplist are discarded.
type ScriptRunExtractor struct {
	MinLatin int
	MinCJK   int
	Stop     map[string]bool
}

// DefaultExtractor returns the script-run extractor with the built-in stoplist.
func DefaultExtractor() ScriptRunExtractor {
	return ScriptRunExtractor{MinLatin: 3, MinCJK: 2, Stop: stoplist}
}

// Terms returns unique terms in order of first appearance.
func (e ScriptRunExtractor) Terms(text string) []string {
	var (
		terms []string
		seen  = make(map[string]bool)
		run   []rune
		cur   script
	)
	flush := func() {
		defer func() { run = run[:0] }()
		if len(run) == 0 {
			return
		}
		term := string(run)
		switch cur {
		case scriptLatin:
			term = strings.ToLower(term)
			if len(run) < e.MinLatin || isNumber(term) {
				return
			}
		case scriptHan, scriptKatakana:
			if len(run) < e.MinCJK {
				return
			}
		default:
			return
		}
		if e.Stop[term] || seen[term] {
			return
		}
		seen[term] = true
		terms = append(terms, term)
	}
	for _, r := range text {
		s := scriptOf(r)
		if s != cur {
			flush()
			cur = s
		}
		if s != scriptNone {
			run = append(run, r)
		}
	}
	flush()
	return terms
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// #endregion

// #region stoplist

// stoplist holds filler words that say nothing about the topic.
var stoplist = map[string]bool{
	"the": true, "and": true, "are": true, "was": true, "were": true,
	"does": true, "did": true, "have": true, "has": true, "had": true,
	"been": true, "being": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "can": true, "shall": true,
	"not": true, "but": true, "then": true, "than": true, "for": true,
	"from": true, "into": true, "with": true, "about": true, "out": true,
	"its": true, "this": true, "that": true, "what": true, "which": true,
	"who": true, "how": true, "when": true, "where": true, "why": true,
	"you": true, "your": true, "they": true, "she": true, "her": true,
	"him": true, "them": true, "tell": true, "just": true, "really": true,
	"yeah": true, "like": true, "there": true, "here": true, "now": true,
	"all": true, "too": true, "very": true, "some": true, "our": true,
	"let": true, "look": true, "got": true, "get": true, "one": true,
	"wow": true, "hey": true, "okay": true, "yes": true, "right": true,
}

// #endregion
