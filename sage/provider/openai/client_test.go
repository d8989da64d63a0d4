package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/csvsage/sage/config"
	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
)

func newTestClient(t *testing.T, srv *httptest.Server, entry config.ModelEntry) *Client {
	t.Helper()
	entry.BaseURL = srv.URL
	if entry.Model == "" {
		entry.Model = "gpt-test"
	}
	c, err := New(entry, WithHTTPClient(srv.Client()), WithRetry(2, time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestComplete_SendsExchangeAndParsesToolCalls(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"choices": [{"message": {"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_column_info", "arguments": "{\"column\":\"a\"}"}},
				{"id": "call_2", "type": "function", "function": {"name": "describe_data", "arguments": ""}}
			]}, "finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, config.ModelEntry{APIKey: "sk-test"})
	completion, err := c.Complete(context.Background(), ports.PromptInput{
		System: "You analyze data.",
		Messages: []ports.PromptMessage{
			{Role: "user", Content: "Conversation history:\n\n\nAnalyze the following data based on this query: q"},
			{Role: "assistant", ToolCalls: []ports.ToolCall{{ID: "call_0", Name: "get_missing_values", Args: json.RawMessage(`{}`)}}},
			{Role: "tool", Content: `{"a":0}`, ToolCallID: "call_0"},
			{Role: "user", Content: ""},
		},
		Tools: []ports.ToolSpec{{Name: "get_column_info", Description: "info", JSONSchema: []byte(`{"type":"object"}`)}},
	}, ports.Options{MaxNewTokens: 256, ToolChoice: "auto"})
	require.NoError(t, err)

	assert.Empty(t, completion.Text)
	assert.False(t, completion.Terminate)
	require.Len(t, completion.ToolCalls, 2)
	assert.Equal(t, "call_1", completion.ToolCalls[0].ID)
	assert.Equal(t, "get_column_info", completion.ToolCalls[0].Name)
	assert.JSONEq(t, `{"column":"a"}`, string(completion.ToolCalls[0].Args))
	assert.JSONEq(t, `{}`, string(completion.ToolCalls[1].Args))
	assert.Equal(t, 15, completion.Usage.TotalTokens)

	assert.Equal(t, "gpt-test", got["model"])
	assert.Equal(t, "auto", got["tool_choice"])
	assert.EqualValues(t, 256, got["max_tokens"])

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 5)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assistant := msgs[2].(map[string]any)
	assert.Nil(t, assistant["content"])
	assert.Len(t, assistant["tool_calls"], 1)
	assert.Equal(t, "call_0", msgs[3].(map[string]any)["tool_call_id"])
	assert.Equal(t, "", msgs[4].(map[string]any)["content"])

	tools := got["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "get_column_info", fn["name"])
	assert.Equal(t, map[string]any{"type": "object"}, fn["parameters"])
}

func TestComplete_TerminateFunction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices": [{"message": {"role": "assistant", "content": "", "tool_calls": [
			{"id": "c", "type": "function", "function": {"name": "terminate", "arguments": "{\"summary\":\"done\"}"}}
		]}}]}`)
	}))
	defer srv.Close()

	completion, err := newTestClient(t, srv, config.ModelEntry{}).Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	require.NoError(t, err)
	assert.True(t, completion.Terminate)
}

func TestComplete_ContentParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices": [{"message": {"role": "assistant", "content": [{"type":"text","text":"The mean "},{"type":"text","text":"is 2. TERMINATE"}]}}]}`)
	}))
	defer srv.Close()

	completion, err := newTestClient(t, srv, config.ModelEntry{}).Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	require.NoError(t, err)
	assert.Equal(t, "The mean is 2. TERMINATE", completion.Text)
}

func TestComplete_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":{"message":"overloaded"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"choices": [{"message": {"role": "assistant", "content": "ok"}}]}`)
	}))
	defer srv.Close()

	completion, err := newTestClient(t, srv, config.ModelEntry{}).Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", completion.Text)
	assert.EqualValues(t, 3, hits.Load())
}

func TestComplete_RetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, config.ModelEntry{}).Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "slow down", apiErr.Message)
	assert.EqualValues(t, 3, hits.Load())
}

func TestComplete_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"invalid api key"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, config.ModelEntry{}).Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401: invalid api key")
	assert.EqualValues(t, 1, hits.Load())
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices": []}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, config.ModelEntry{}).Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	assert.ErrorIs(t, err, ErrNoChoices)
}

func TestComplete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, config.ModelEntry{}).Complete(context.Background(), ports.PromptInput{}, ports.Options{TimeoutMs: 20})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAzureEndpoint(t *testing.T) {
	var path, query, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, query, key = r.URL.Path, r.URL.Query().Get("api-version"), r.Header.Get("api-key")
		_, _ = io.WriteString(w, `{"choices": [{"message": {"role": "assistant", "content": "hi"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, config.ModelEntry{Model: "gpt4-deploy", APIKey: "az", APIType: "azure", APIVersion: "2024-02-01"})
	_, err := c.Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	require.NoError(t, err)
	assert.Equal(t, "/openai/deployments/gpt4-deploy/chat/completions", path)
	assert.Equal(t, "2024-02-01", query)
	assert.Equal(t, "az", key)
}

func TestNew_RequiresModel(t *testing.T) {
	_, err := New(config.ModelEntry{})
	assert.Error(t, err)
}

func TestToolChoiceByName(t *testing.T) {
	c, err := New(config.ModelEntry{Model: "m"})
	require.NoError(t, err)
	req := c.buildRequest(ports.PromptInput{Tools: []ports.ToolSpec{{Name: "describe_data"}}}, ports.Options{ToolChoice: "describe_data"})
	assert.Equal(t, map[string]any{
		"type":     "function",
		"function": map[string]string{"name": "describe_data"},
	}, req.ToolChoice)

	req = c.buildRequest(ports.PromptInput{}, ports.Options{ToolChoice: "auto"})
	assert.Nil(t, req.ToolChoice)
}
