package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"unicode/utf8"

	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
)

// Guardrails screens tool calls before dispatch and tool output before it is folded back.
type Guardrails struct {
	allowlist     map[string]bool  // empty allows every tool
	outputFilters []*regexp.Regexp // credentials masked in tool output
	maxOutputSize int              // bytes, 0 is unlimited
}

// NewGuardrails creates guardrails with default safety settings.
func NewGuardrails() *Guardrails {
	return &Guardrails{
		allowlist: make(map[string]bool),
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret[:=]\s*\S+`),
		},
		maxOutputSize: 10000,
	}
}

// AddAllowedTool adds a tool to the allowlist.
func (g *Guardrails) AddAllowedTool(name string) {
	g.allowlist[name] = true
}

// RemoveAllowedTool removes a tool from the allowlist.
func (g *Guardrails) RemoveAllowedTool(name string) {
	delete(g.allowlist, name)
}

// SetMaxOutputSize caps tool output; n <= 0 removes the cap.
func (g *Guardrails) SetMaxOutputSize(n int) {
	g.maxOutputSize = n
}

// ValidateToolCall checks if a tool call is allowed and well-formed.
func (g *Guardrails) ValidateToolCall(call ports.ToolCall) error {
	if call.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if len(g.allowlist) > 0 && !g.allowlist[call.Name] {
		return fmt.Errorf("tool %s is not in allowlist", call.Name)
	}
	if len(call.Args) > 0 && !json.Valid(call.Args) {
		return fmt.Errorf("tool arguments are not valid JSON")
	}
	return nil
}

// SanitizeOutput masks credentials and truncates output over the size cap.
func (g *Guardrails) SanitizeOutput(output string) string {
	for _, filter := range g.outputFilters {
		output = filter.ReplaceAllString(output, "[REDACTED]")
	}
	if g.maxOutputSize > 0 && len(output) > g.maxOutputSize {
		cut := g.maxOutputSize
		for cut > 0 && !utf8.RuneStart(output[cut]) {
			cut--
		}
		output = output[:cut] + fmt.Sprintf("\n[truncated %d bytes]", len(output)-cut)
	}
	return output
}
