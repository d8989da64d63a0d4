// Package openai implements the exchange service on an OpenAI-compatible chat completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/ZanzyTHEbar/csvsage/sage/config"
	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"

	// terminateFunction is the reserved function name of the structured end signal.
	terminateFunction = "terminate"
)

var ErrNoChoices = errors.New("no choices in response")

// APIError is a non-retryable error response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: HTTP %d: %s", e.StatusCode, e.Message)
}

// Client calls a chat completions endpoint described by one model list entry.
type Client struct {
	entry      config.ModelEntry
	endpoint   string
	http       *http.Client
	maxRetries uint64
	backoff    time.Duration
	logger     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithRetry sets how often 429 and 5xx responses are retried and the first backoff.
func WithRetry(maxRetries uint64, base time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoff = base
	}
}

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.logger = l } }

// New creates a client for entry.
func New(entry config.ModelEntry, opts ...Option) (*Client, error) {
	if entry.Model == "" {
		return nil, errors.New("openai: model not set")
	}
	endpoint, err := chatEndpoint(entry)
	if err != nil {
		return nil, err
	}
	c := &Client{
		entry:      entry,
		endpoint:   endpoint,
		http:       http.DefaultClient,
		maxRetries: 3,
		backoff:    time.Second,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model is the model the client talks to.
func (c *Client) Model() string { return c.entry.Model }

func chatEndpoint(e config.ModelEntry) (string, error) {
	base := strings.TrimRight(e.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return "", fmt.Errorf("openai: base url: %w", err)
	}
	if strings.EqualFold(e.APIType, "azure") {
		q := url.Values{}
		q.Set("api-version", e.APIVersion)
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?%s", base, url.PathEscape(e.Model), q.Encode()), nil
	}
	return base + "/chat/completions", nil
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature"`
	TopP        float32       `json:"top_p,omitempty"`
	Seed        int           `json:"seed,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role      string          `json:"role"`
			Content   json.RawMessage `json:"content"`
			ToolCalls []wireToolCall  `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends the exchange so far and returns the responder's next message.
func (c *Client) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	body, err := json.Marshal(c.buildRequest(in, opts))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("openai: encode request: %w", err)
	}

	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var out chatResponse
	attempt := 0
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			c.logger.Debug().Int("attempt", attempt).Str("model", c.entry.Model).Msg("retrying chat completion")
		}
		return c.do(ctx, body, &out)
	})
	if err != nil {
		return ports.Completion{}, err
	}
	return toCompletion(&out)
}

func (c *Client) do(ctx context.Context, body []byte, out *chatResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.entry.APIKey != "" {
		if strings.EqualFold(c.entry.APIType, "azure") {
			req.Header.Set("api-key", c.entry.APIKey)
		} else {
			req.Header.Set("Authorization", "Bearer "+c.entry.APIKey)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.RetryableError(fmt.Errorf("openai: request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("openai: read response: %w", err))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return retry.RetryableError(&APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)})
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("openai: decode: %w", err)
	}
	if out.Error != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: out.Error.Message}
	}
	return nil
}

func errorMessage(data []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(string(data))
}

func (c *Client) buildRequest(in ports.PromptInput, opts ports.Options) chatRequest {
	req := chatRequest{
		Model:       c.entry.Model,
		MaxTokens:   opts.MaxNewTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Seed:        opts.Seed,
		Stop:        opts.Stop,
	}

	if in.System != "" {
		system := in.System
		req.Messages = append(req.Messages, wireMessage{Role: "system", Content: &system})
	}
	for _, m := range in.Messages {
		wm := wireMessage{Role: m.Role, ToolCallID: m.ToolCallID}
		if m.Content != "" || len(m.ToolCalls) == 0 {
			content := m.Content
			wm.Content = &content
		}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Args)
			if wtc.Function.Arguments == "" {
				wtc.Function.Arguments = "{}"
			}
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		req.Messages = append(req.Messages, wm)
	}

	for _, spec := range in.Tools {
		req.Tools = append(req.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  json.RawMessage(spec.JSONSchema),
			},
		})
	}
	if len(req.Tools) > 0 {
		switch opts.ToolChoice {
		case "", "auto":
			req.ToolChoice = "auto"
		case "none", "required":
			req.ToolChoice = opts.ToolChoice
		default:
			req.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]string{"name": opts.ToolChoice},
			}
		}
	}
	return req
}

func toCompletion(out *chatResponse) (ports.Completion, error) {
	if len(out.Choices) == 0 {
		return ports.Completion{}, fmt.Errorf("openai: %w", ErrNoChoices)
	}
	msg := out.Choices[0].Message
	c := ports.Completion{Text: parseContent(msg.Content), Raw: out}

	for _, tc := range msg.ToolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		c.ToolCalls = append(c.ToolCalls, ports.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(args),
		})
		if tc.Function.Name == terminateFunction {
			c.Terminate = true
		}
	}
	if out.Usage != nil {
		c.Usage = &ports.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		}
	}
	return c, nil
}

// parseContent accepts a string, null, or an array of text parts.
func parseContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []map[string]any
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if t, ok := p["text"].(string); ok {
			b.WriteString(t)
		}
	}
	return b.String()
}

// Ensure Client implements the Provider interface.
var _ ports.Provider = (*Client)(nil)
