package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ParseUsage extracts cost and token metrics from a runtime's JSONL output
// log. Returns nil if the file is missing, empty, or the runtime is unknown.
func ParseUsage(runtime, logPath string) map[string]string {
	if runtime == "" {
		return nil
	}
	lines := readLines(logPath)
	if len(lines) == 0 {
		return nil
	}

	switch runtime {
	case "claude":
		return parseClaudeUsage(lines)
	case "codex":
		return parseCodexUsage(lines)
	case "gemini":
		return parseGeminiUsage(lines)
	default:
		return nil
	}
}

func readLines(path string) [][]byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		lines = append(lines, append([]byte(nil), scanner.Bytes()...))
	}
	return lines
}

// parseClaudeUsage reads the last {"type":"result",...} line: cost from
// total_cost_usd, token counts from the nested usage object.
func parseClaudeUsage(lines [][]byte) map[string]string {
	last := findLastByType(lines, "result")
	if last == nil {
		return nil
	}
	result := make(map[string]string)
	if v, ok := last["total_cost_usd"]; ok {
		result["cost-usd"] = formatNumber(v)
	}
	if usage, ok := last["usage"].(map[string]any); ok {
		if v, ok := usage["input_tokens"]; ok {
			result["input-tokens"] = formatNumber(v)
		}
		if v, ok := usage["output_tokens"]; ok {
			result["output-tokens"] = formatNumber(v)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// parseCodexUsage sums tokens across all {"type":"turn.completed"} events.
func parseCodexUsage(lines [][]byte) map[string]string {
	var inputTotal, outputTotal int64
	for _, line := range lines {
		m := parseLine(line)
		if m == nil || m["type"] != "turn.completed" {
			continue
		}
		usage, ok := m["usage"].(map[string]any)
		if !ok {
			continue
		}
		inputTotal += toInt64(usage["input_tokens"])
		outputTotal += toInt64(usage["output_tokens"])
	}
	return tokenResult(inputTotal, outputTotal)
}

// parseGeminiUsage reads the stats object of the last result line.
func parseGeminiUsage(lines [][]byte) map[string]string {
	last := findLastByType(lines, "result")
	if last == nil {
		last = parseLine(lines[len(lines)-1])
	}
	if last == nil {
		return nil
	}
	stats, ok := last["stats"].(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]string)
	if v, ok := stats["inputTokens"]; ok {
		result["input-tokens"] = formatNumber(v)
	}
	if v, ok := stats["outputTokens"]; ok {
		result["output-tokens"] = formatNumber(v)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func tokenResult(input, output int64) map[string]string {
	if input == 0 && output == 0 {
		return nil
	}
	result := make(map[string]string)
	if input != 0 {
		result["input-tokens"] = fmt.Sprintf("%d", input)
	}
	if output != 0 {
		result["output-tokens"] = fmt.Sprintf("%d", output)
	}
	return result
}

// parseLine unmarshals a JSON line using json.Number to preserve the source
// number format.
func parseLine(line []byte) map[string]any {
	d := json.NewDecoder(strings.NewReader(string(line)))
	d.UseNumber()
	var m map[string]any
	if d.Decode(&m) != nil {
		return nil
	}
	return m
}

func findLastByType(lines [][]byte, typ string) map[string]any {
	var last map[string]any
	for _, line := range lines {
		m := parseLine(line)
		if m == nil {
			continue
		}
		if m["type"] == typ {
			last = m
		}
	}
	return last
}

func formatNumber(v any) string {
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	return fmt.Sprint(v)
}

func toInt64(v any) int64 {
	n, ok := v.(json.Number)
	if !ok {
		return 0
	}
	i, err := n.Int64()
	if err != nil {
		return 0
	}
	return i
}
