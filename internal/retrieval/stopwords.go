package retrieval

import (
	"strings"
	"unicode"
)

// #region stopwords
// stopwords contains common English words excluded from keyword matching.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "do": true, "does": true, "did": true,
	"have": true, "has": true, "had": true, "be": true, "been": true,
	"will": true, "would": true, "could": true, "should": true, "can": true,
	"not": true, "no": true, "and": true, "or": true, "but": true,
	"if": true, "then": true, "than": true, "so": true, "as": true,
	"at": true, "by": true, "for": true, "from": true, "in": true,
	"into": true, "of": true, "on": true, "to": true, "with": true,
	"about": true, "up": true, "out": true, "it": true, "its": true,
	"this": true, "that": true, "what": true, "which": true, "who": true,
	"how": true, "when": true, "where": true, "why": true, "you": true,
	"me": true, "my": true, "your": true, "we": true, "they": true,
	"us": true, "them": true, "just": true, "there": true, "here": true,
	"look": true, "oh": true, "wow": true, "yeah": true, "again": true,
}

// Tokenize splits text into unique lowercase non-stopword tokens in order of
// first appearance. Letters of any script count; digits and punctuation split.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	seen := make(map[string]bool)
	var tokens []string
	for _, w := range words {
		if len([]rune(w)) < 2 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		tokens = append(tokens, w)
	}
	return tokens
}

// Overlap returns the count of tokens present in both slices.
func Overlap(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	count := 0
	for _, t := range b {
		if set[t] {
			count++
		}
	}
	return count
}

// #endregion stopwords
