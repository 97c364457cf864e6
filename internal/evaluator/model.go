package evaluator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// #region model-judge

// Completer is the text-generation call a ModelJudge asks for a verdict.
type Completer interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// verdictPattern matches lines of the form: VERDICT: PASS|RETRY|MODIFY [reason]
var verdictPattern = regexp.MustCompile(`(?mi)^[ \t]*VERDICT:[ \t]*(PASS|RETRY|MODIFY)\b[ \t]*(.*)$`)

// editPattern matches the replacement line that accompanies MODIFY.
var editPattern = regexp.MustCompile(`(?mi)^[ \t]*EDIT:[ \t]*(.+)$`)

var fencePattern = regexp.MustCompile("(?s)```[a-z]*\\n?(.*?)```")

const judgePrompt = `You review one spoken line in a two-person commentary.
Speaker: %s
Previous line: %s
Candidate: %s

Reply with exactly one line "VERDICT: PASS", "VERDICT: RETRY <what to fix>" or
"VERDICT: MODIFY <reason>" followed by a line "EDIT: <corrected line>".`

// ModelJudge asks the backend to judge a candidate. A reply without a
// verdict line fails open to PASS.
type ModelJudge struct {
	Backend Completer
}

// Judge implements Judge.
func (m ModelJudge) Judge(ctx context.Context, c Candidate) (Verdict, error) {
	prompt := fmt.Sprintf(judgePrompt, c.Speaker, orNone(c.Preceding), c.Text)
	reply, err := m.Backend.Generate(ctx, prompt)
	if err != nil {
		return Verdict{}, fmt.Errorf("model judge: %w", err)
	}
	return ParseVerdict(reply), nil
}

// ParseVerdict extracts a verdict from model output, looking inside code
// fences when the raw text has none. Missing verdicts and MODIFY without
// an EDIT line are treated as PASS.
func ParseVerdict(output string) Verdict {
	m := verdictPattern.FindStringSubmatch(output)
	if m == nil {
		output = fencePattern.ReplaceAllString(output, "$1")
		m = verdictPattern.FindStringSubmatch(output)
	}
	if m == nil {
		return Verdict{Kind: Pass, Reason: "no verdict line"}
	}
	kind := Kind(strings.ToUpper(m[1]))
	reason := strings.TrimSpace(m[2])
	switch kind {
	case Retry:
		return Verdict{Kind: Retry, Reason: reason, Guidance: reason}
	case Modify:
		e := editPattern.FindStringSubmatch(output)
		if e == nil || strings.TrimSpace(e[1]) == "" {
			return Verdict{Kind: Pass, Reason: "modify without edit"}
		}
		return Verdict{Kind: Modify, Reason: reason, Edited: strings.TrimSpace(e[1])}
	}
	return Verdict{Kind: Pass, Reason: reason}
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

// #endregion

// #region chain

// ChainJudge runs judges in order and returns the first non-PASS verdict.
// A failing judge is skipped.
type ChainJudge []Judge

// Judge implements Judge.
func (ch ChainJudge) Judge(ctx context.Context, c Candidate) (Verdict, error) {
	last := Verdict{Kind: Pass, Reason: "ok"}
	for _, j := range ch {
		v, err := j.Judge(ctx, c)
		if err != nil {
			continue
		}
		if v.Kind != Pass {
			return v, nil
		}
		last = v
	}
	return last, nil
}

// #endregion
