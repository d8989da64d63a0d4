package harnessports

import (
	"context"
	"encoding/json"
)

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string // unique logical name
	Description string // concise doc for model selection
	JSONSchema  []byte // JSON schema for args
}

// ToolCall represents a model-invoked function with JSON arguments.
type ToolCall struct {
	ID   string // provider-assigned call id, echoed on the tool message
	Name string
	Args json.RawMessage
}

// Tool executes tool calls. Invoke reports argument problems in its result, not as an error.
type Tool interface {
	Name() string
	Description() string
	Schema() []byte
	Invoke(ctx context.Context, args json.RawMessage) (any, error)
}
