package agent

import (
	"strings"

	"github.com/PaesslerAG/jsonpath"
)

// summaryPaths maps each runtime to the JSONPath of the assistant's final
// summary text within one output line, plus the line's discriminating type.
var summaryPaths = map[string]struct {
	lineType string
	path     string
}{
	"claude": {lineType: "result", path: "$.result"},
	"codex":  {lineType: "item.completed", path: "$.item.text"},
	"gemini": {lineType: "", path: "$.response"},
}

const maxSummaryLength = 2000

// ExtractSummary pulls the final assistant summary from a runtime's JSONL
// output log. Returns "" when nothing matches.
func ExtractSummary(runtime, logPath string) string {
	spec, ok := summaryPaths[runtime]
	if !ok {
		return ""
	}
	lines := readLines(logPath)

	var summary string
	for _, line := range lines {
		m := parseLine(line)
		if m == nil {
			continue
		}
		if spec.lineType != "" && m["type"] != spec.lineType {
			continue
		}
		v, err := jsonpath.Get(spec.path, map[string]any(m))
		if err != nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			summary = strings.TrimSpace(s)
		}
	}
	if len(summary) > maxSummaryLength {
		summary = summary[:maxSummaryLength]
	}
	return summary
}
