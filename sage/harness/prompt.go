package harness

import (
	"strings"

	"github.com/ZanzyTHEbar/csvsage/sage/conversation"
	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
)

// PromptBuilder assembles the instruction and the provider inputs of an exchange.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Instruction renders the history as role-prefixed lines followed by the query. The turns
// are written verbatim.
func (b *PromptBuilder) Instruction(history []conversation.Turn, query string) string {
	var sb strings.Builder
	sb.WriteString("Conversation history:\n")
	for i, t := range history {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(string(t.Role))
		sb.WriteString(": ")
		sb.WriteString(t.Content)
	}
	sb.WriteString("\n\nAnalyze the following data based on this query: ")
	sb.WriteString(query)
	return sb.String()
}

// Build wraps the exchange messages into a Provider PromptInput.
func (b *PromptBuilder) Build(system string, messages []ports.PromptMessage, toolSpecs []ports.ToolSpec, meta map[string]string) ports.PromptInput {
	// Windows line endings only change the payload, not the meaning.
	system = strings.TrimSpace(strings.ReplaceAll(system, "\r\n", "\n"))

	out := make([]ports.PromptMessage, len(messages))
	copy(out, messages)

	return ports.PromptInput{
		System:   system,
		Messages: out,
		Tools:    toolSpecs,
		Meta:     meta,
	}
}
