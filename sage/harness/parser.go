package harness

import (
	"encoding/json"
	"regexp"
	"strings"

	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
)

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
)

// openAIPattern is the index of the pattern whose arguments are an escaped JSON string.
const openAIPattern = 2

// OutputParser extracts tool calls written inline in responder text, for providers that do
// not return structured tool calls.
type OutputParser struct {
	toolCallPatterns []*regexp.Regexp
}

// NewOutputParser creates a parser with default patterns for common tool call formats.
func NewOutputParser() *OutputParser {
	return &OutputParser{
		toolCallPatterns: []*regexp.Regexp{
			// JSON array format: [{"name": "tool", "arguments": {...}}]
			regexp.MustCompile(`\[\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{.*?\})\s*\}\s*\]`),
			// Function call format: tool_name({"arg": "value"}) or tool_name()
			regexp.MustCompile(`(\w+)\s*\(\s*(\{.*?\})?\s*\)`),
			// OpenAI format: {"tool_calls": [{"function": {"name": "tool", "arguments": "..."}}]}
			regexp.MustCompile(`"tool_calls"\s*:\s*\[\s*\{\s*"function"\s*:\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*"(\{.*?\})"\s*\}\s*\}\s*\]`),
		},
	}
}

// ParseToolCalls returns the calls in text naming a tool accepted by known, in order of
// appearance. Identical calls are reported once.
func (p *OutputParser) ParseToolCalls(text string, known func(name string) bool) []ports.ToolCall {
	type found struct {
		at   int
		call ports.ToolCall
	}
	var hits []found
	seen := make(map[string]bool)

	for pi, pattern := range p.toolCallPatterns {
		for _, m := range pattern.FindAllStringSubmatchIndex(text, -1) {
			name := strings.TrimSpace(text[m[2]:m[3]])
			if !known(name) {
				continue
			}
			argsStr := "{}"
			if m[4] >= 0 {
				argsStr = strings.TrimSpace(text[m[4]:m[5]])
				if pi == openAIPattern {
					argsStr = strings.ReplaceAll(argsStr, `\"`, `"`)
				}
			}
			if !json.Valid([]byte(argsStr)) {
				argsStr = p.fixJSON(argsStr)
				if !json.Valid([]byte(argsStr)) {
					continue
				}
			}
			key := name + "\x00" + argsStr
			if seen[key] {
				continue
			}
			seen[key] = true
			hits = append(hits, found{at: m[0], call: ports.ToolCall{Name: name, Args: json.RawMessage(argsStr)}})
		}
	}

	// Patterns are applied one after another; report calls in text order.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].at < hits[j-1].at; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	calls := make([]ports.ToolCall, len(hits))
	for i, h := range hits {
		calls[i] = h.call
	}
	return calls
}

// fixJSON attempts to fix common JSON formatting issues.
func (p *OutputParser) fixJSON(jsonStr string) string {
	jsonStr = trailingCommaRe.ReplaceAllString(jsonStr, "$1")
	jsonStr = unquotedKeyRe.ReplaceAllString(jsonStr, `$1"$2":`)
	jsonStr = strings.ReplaceAll(jsonStr, "'", "\"")
	return jsonStr
}
