// Package retrieval ranks short documents (persona knowledge, stored
// highlights) against the current conversation by keyword overlap.
package retrieval

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// keywordWeight makes a curated keyword count more than a word that only
// appears in the text.
const keywordWeight = 2

// #region retriever
// Retriever runs gated keyword retrieval.
type Retriever struct {
	config Config
}

// NewRetriever creates a Retriever. Zero fields fall back to DefaultConfig.
func NewRetriever(config Config) *Retriever {
	def := DefaultConfig()
	if config.TopK <= 0 {
		config.TopK = def.TopK
	}
	if config.MinScore <= 0 {
		config.MinScore = def.MinScore
	}
	return &Retriever{config: config}
}

// #endregion retriever

// #region retrieve
// Retrieve runs the gate pipeline over docs:
//  1. Gate 1: the query must contain at least one content token
//  2. Gate 2: score every document and keep those reaching MinScore
//  3. Gate 3: drop empty, overlong and duplicate documents, then cut to TopK
func (r *Retriever) Retrieve(query string, docs []Document) Result {
	result := Result{QueryTokens: Tokenize(query)}
	if len(result.QueryTokens) == 0 {
		result.Reason = "gate1: query has no content tokens"
		return result
	}

	var scored []Match
	for _, d := range docs {
		s := score(result.QueryTokens, d)
		if s > 0 {
			result.Scored++
		}
		if s >= r.config.MinScore {
			scored = append(scored, Match{ID: d.ID, Text: d.Text, Score: s})
		}
	}
	if len(scored) == 0 {
		result.Reason = "gate2: no document reached the minimum score"
		return result
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	result.Retrieved = r.consistencyCheck(scored)
	if len(result.Retrieved) == 0 {
		result.Reason = "gate3: all documents failed consistency check"
		return result
	}
	result.Reason = fmt.Sprintf("retrieved %d of %d scored documents", len(result.Retrieved), result.Scored)
	return result
}

func score(query []string, d Document) int {
	keywords := make([]string, 0, len(d.Keywords))
	for _, k := range d.Keywords {
		keywords = append(keywords, strings.ToLower(strings.TrimSpace(k)))
	}
	return keywordWeight*Overlap(query, keywords) + Overlap(query, Tokenize(d.Text))
}

// #endregion retrieve

// #region consistency-check
// consistencyCheck keeps documents that have text, fit MaxEvidenceLen and
// have not been seen, up to TopK.
func (r *Retriever) consistencyCheck(results []Match) []Match {
	seen := make(map[string]bool)
	var valid []Match
	for _, rec := range results {
		if len(valid) == r.config.TopK {
			break
		}
		if strings.TrimSpace(rec.Text) == "" {
			continue
		}
		if r.config.MaxEvidenceLen > 0 && utf8.RuneCountInString(rec.Text) > r.config.MaxEvidenceLen {
			continue
		}
		key := rec.ID
		if key == "" {
			key = rec.Text
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		valid = append(valid, rec)
	}
	return valid
}

// #endregion consistency-check
