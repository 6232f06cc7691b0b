package llm

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"stackvm/internal/verrors"
)

// ExtractJSON pulls the first JSON document out of a model reply, tolerating
// markdown fences, surrounding prose and near-JSON defects.
func ExtractJSON(text string) (string, error) {
	candidate := stripFences(text)

	start := strings.IndexAny(candidate, "{[")
	if start < 0 {
		return "", verrors.New(verrors.KindLLMParse, "reply contains no JSON document")
	}
	var end int
	if candidate[start] == '{' {
		end = strings.LastIndex(candidate, "}")
	} else {
		end = strings.LastIndex(candidate, "]")
	}
	if end <= start {
		return "", verrors.New(verrors.KindLLMParse, "reply contains an unterminated JSON document")
	}
	candidate = candidate[start : end+1]

	if json.Valid([]byte(candidate)) {
		return candidate, nil
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return "", verrors.New(verrors.KindLLMParse, "reply is not parseable JSON: %v", err)
	}
	return repaired, nil
}

func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		// Drop the language tag line.
		trimmed = trimmed[newline+1:]
	}
	if closing := strings.LastIndex(trimmed, "```"); closing >= 0 {
		trimmed = trimmed[:closing]
	}
	return strings.TrimSpace(trimmed)
}

// Verdict is the reply shape of a condition evaluation.
type Verdict struct {
	Result      bool   `json:"result"`
	Explanation string `json:"explanation"`
}

// ParseBoolVerdict decodes a `{result, explanation}` reply.
func ParseBoolVerdict(text string) (*Verdict, error) {
	doc, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var verdict struct {
		Result      *bool  `json:"result"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(doc), &verdict); err != nil {
		return nil, verrors.New(verrors.KindLLMParse, "verdict is not a JSON object: %v", err)
	}
	if verdict.Result == nil {
		return nil, verrors.New(verrors.KindLLMParse, "verdict is missing the boolean `result` field")
	}
	return &Verdict{Result: *verdict.Result, Explanation: verdict.Explanation}, nil
}
