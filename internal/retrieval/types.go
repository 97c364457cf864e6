package retrieval

// #region config
// Config holds limits for keyword retrieval.
type Config struct {
	TopK           int // max documents returned
	MinScore       int // min weighted overlap to keep a document
	MaxEvidenceLen int // max runes per document text, 0 = unlimited
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		TopK:           2,
		MinScore:       1,
		MaxEvidenceLen: 600,
	}
}

// #endregion config

// #region document
// Document is a retrievable text with optional curated keywords.
type Document struct {
	ID       string
	Text     string
	Keywords []string
}

// Match is a document that passed every gate, with its score.
type Match struct {
	ID    string
	Text  string
	Score int
}

// #endregion document

// #region gate-result
// Result captures the outcome of the retrieval gates.
type Result struct {
	QueryTokens []string
	Scored      int     // documents with a positive score
	Retrieved   []Match // final documents after all gates
	Reason      string
}

// Texts returns the retrieved texts in rank order.
func (r Result) Texts() []string {
	out := make([]string, len(r.Retrieved))
	for i, m := range r.Retrieved {
		out[i] = m.Text
	}
	return out
}

// #endregion gate-result
