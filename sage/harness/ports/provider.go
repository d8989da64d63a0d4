package harnessports

import (
	"context"
)

// PromptMessage is a single message of the exchange.
type PromptMessage struct {
	Role       string     // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // assistant messages that requested tools
	ToolCallID string     // tool messages answering a call
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // system instructions for the responder
	Messages []PromptMessage   // ordered exchange so far
	Tools    []ToolSpec        // tool declarations available to the model
	Meta     map[string]string // lightweight metadata for tracing
}

// Options controls sampling and limits.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	Seed         int
	Stop         []string
	// ToolChoice: "auto" | "none" | specific tool name (if the provider supports it)
	ToolChoice string
	// TimeoutMs applies to the provider call only (not the whole query)
	TimeoutMs int
}

// Usage captures token accounting for telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is one responder message.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	// Terminate is the structured end-of-exchange signal. Providers set it when the
	// responder calls the reserved terminate function.
	Terminate bool
	Raw       any    // raw provider payload for debugging
	Usage     *Usage // optional usage information
}

// Provider is the exchange service the responder role runs on.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
}
