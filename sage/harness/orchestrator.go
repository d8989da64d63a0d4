package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/ZanzyTHEbar/csvsage/sage/conversation"
	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
	"github.com/ZanzyTHEbar/csvsage/sage/metrics"
)

// State is the phase of an exchange.
type State int

const (
	StateBuilding State = iota
	StateExchanging
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateExchanging:
		return "exchanging"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ExchangeState is the per-query state of the exchange. It lives only for one Orchestrate call.
type ExchangeState struct {
	State              State
	HistorySnapshot    []conversation.Turn
	PendingInstruction string
	TurnsTaken         int
	Terminated         bool
}

// TerminationMode selects how the end of an exchange is detected.
type TerminationMode int

const (
	// TerminateOnSubstring ends the exchange on any responder message containing the token.
	TerminateOnSubstring TerminationMode = iota
	// TerminateOnSignal ends it only on the structured signal, under a turn cap.
	TerminateOnSignal
)

func (m TerminationMode) String() string {
	if m == TerminateOnSignal {
		return "structured"
	}
	return "substring"
}

// ParseTerminationMode reads the config spelling of a mode.
func ParseTerminationMode(s string) (TerminationMode, error) {
	switch s {
	case "", "substring":
		return TerminateOnSubstring, nil
	case "structured":
		return TerminateOnSignal, nil
	default:
		return 0, fmt.Errorf("unknown termination mode %q", s)
	}
}

// TerminateToolName is the reserved function the responder calls to end a structured exchange.
const TerminateToolName = "terminate"

// DefaultSignalMaxTurns caps structured exchanges that set no cap of their own.
const DefaultSignalMaxTurns = 10

var terminateSpec = ports.ToolSpec{
	Name:        TerminateToolName,
	Description: "Call this when the analysis is complete. Put the final answer for the user in summary.",
	JSONSchema:  []byte(`{"type":"object","properties":{"summary":{"type":"string","description":"Final answer"}},"required":["summary"]}`),
}

// Policy controls orchestration behavior.
type Policy struct {
	Termination      TerminationMode
	TerminationToken string
	MaxTurns         int           // responder turns; 0 is unbounded for substring termination
	AutoReply        string        // requester reply to messages without tool calls
	QueryTimeout     time.Duration // 0 disables
	ToolTimeout      time.Duration // per-tool timeout, 0 disables
	ToolConcurrency  int           // parallel tool calls per turn
	InlineToolCalls  bool          // parse calls written in the text when none are structured
	Options          ports.Options // sampling options passed to the provider
}

// DefaultPolicy reproduces the compatibility behaviour: substring termination, no turn cap.
func DefaultPolicy() *Policy {
	return &Policy{
		Termination:      TerminateOnSubstring,
		TerminationToken: "TERMINATE",
		ToolTimeout:      30 * time.Second,
		ToolConcurrency:  5,
		Options:          ports.Options{MaxNewTokens: 1024, ToolChoice: "auto"},
	}
}

func (p *Policy) maxTurns() int {
	if p.Termination == TerminateOnSignal && p.MaxTurns <= 0 {
		return DefaultSignalMaxTurns
	}
	return p.MaxTurns
}

// strip removes the termination token from text.
func (p *Policy) strip(text string) string {
	if p.TerminationToken != "" {
		text = strings.ReplaceAll(text, p.TerminationToken, "")
	}
	return strings.TrimSpace(text)
}

// Request configures one query.
type Request struct {
	ConversationID string
	History        []conversation.Turn // log snapshot, the query's own user turn included
	Query          string
	System         string
	Tools          []ports.Tool
	Policy         *Policy
}

// Response is the outcome of a terminated exchange.
type Response struct {
	Summary   string
	Turns     int // responder turns taken
	ToolCalls int // tool calls dispatched
	Usage     *ports.Usage
	Messages  []ports.PromptMessage // the exchange as sent to the provider, final message included
}

// HarnessOrchestrator drives the requester/responder exchange of a query.
type HarnessOrchestrator struct {
	provider   ports.Provider
	builder    *PromptBuilder
	parser     *OutputParser
	guardrails *Guardrails
	store      ports.ConversationStore
	limiter    ports.RateLimiter
	tracer     ports.Tracer
	logger     zerolog.Logger
}

// NewHarnessOrchestrator creates a new orchestrator with dependencies. Nil ports are
// replaced by no-ops.
func NewHarnessOrchestrator(
	provider ports.Provider,
	builder *PromptBuilder,
	guardrails *Guardrails,
	store ports.ConversationStore,
	limiter ports.RateLimiter,
	tracer ports.Tracer,
	logger zerolog.Logger,
) *HarnessOrchestrator {
	if builder == nil {
		builder = NewPromptBuilder()
	}
	if guardrails == nil {
		guardrails = NewGuardrails()
	}
	if store == nil {
		store = &noOpStore{}
	}
	if limiter == nil {
		limiter = &noOpRateLimiter{}
	}
	if tracer == nil {
		tracer = &noOpTracer{}
	}
	return &HarnessOrchestrator{
		provider:   provider,
		builder:    builder,
		parser:     NewOutputParser(),
		guardrails: guardrails,
		store:      store,
		limiter:    limiter,
		tracer:     tracer,
		logger:     logger,
	}
}

// WithProvider returns a copy of o using provider.
func (o *HarnessOrchestrator) WithProvider(provider ports.Provider) *HarnessOrchestrator {
	c := *o
	c.provider = provider
	return &c
}

// Orchestrate runs the exchange until termination. Provider failures, rate limiting and the
// turn cap end it with an *OrchestratorError; tool problems never do.
func (o *HarnessOrchestrator) Orchestrate(ctx context.Context, req *Request) (resp *Response, err error) {
	policy := req.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	if o.provider == nil {
		return nil, &OrchestratorError{Turn: 0, Err: ErrNoProvider}
	}

	start := time.Now()
	state := &ExchangeState{
		State:           StateBuilding,
		HistorySnapshot: append([]conversation.Turn(nil), req.History...),
	}
	defer func() { o.record(req, state, start, err) }()

	if policy.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.QueryTimeout)
		defer cancel()
	}

	ctx, finish := o.tracer.StartSpan(ctx, "orchestrate", map[string]any{
		"conversation_id": req.ConversationID,
		"tool_count":      len(req.Tools),
		"history_turns":   len(state.HistorySnapshot),
	})
	defer func() { finish(err) }()

	state.PendingInstruction = o.builder.Instruction(state.HistorySnapshot, req.Query)
	specs := o.buildToolSpecs(req.Tools, policy)
	meta := map[string]string{"conversation_id": req.ConversationID}
	messages := []ports.PromptMessage{{Role: "user", Content: state.PendingInstruction}}
	state.State = StateExchanging

	var (
		usage        ports.Usage
		dispatched   int
		lastNonEmpty string
		maxTurns     = policy.maxTurns()
	)
	for {
		if maxTurns > 0 && state.TurnsTaken >= maxTurns {
			return nil, &OrchestratorError{Turn: state.TurnsTaken, Err: fmt.Errorf("%w (%d)", ErrMaxTurns, maxTurns)}
		}
		state.TurnsTaken++

		prompt := o.builder.Build(req.System, messages, specs, meta)
		completion, cerr := o.complete(ctx, prompt, policy, state.TurnsTaken)
		if cerr != nil {
			return nil, &OrchestratorError{Turn: state.TurnsTaken, Err: cerr}
		}
		addUsage(&usage, completion.Usage)

		if done, summary := o.terminated(completion, policy); done {
			state.Terminated = true
			state.State = StateTerminated
			if summary == "" {
				summary = lastNonEmpty
			}
			messages = append(messages, ports.PromptMessage{Role: "assistant", Content: completion.Text, ToolCalls: completion.ToolCalls})
			o.tracer.Event(ctx, "terminated", map[string]any{"turn": state.TurnsTaken})
			return &Response{
				Summary:   summary,
				Turns:     state.TurnsTaken,
				ToolCalls: dispatched,
				Usage:     &usage,
				Messages:  messages,
			}, nil
		}
		if s := policy.strip(completion.Text); s != "" {
			lastNonEmpty = s
		}

		calls := completion.ToolCalls
		if len(calls) == 0 && policy.InlineToolCalls {
			calls = o.parser.ParseToolCalls(completion.Text, toolNames(req.Tools))
		}
		if len(calls) == 0 {
			messages = append(messages,
				ports.PromptMessage{Role: "assistant", Content: completion.Text},
				ports.PromptMessage{Role: "user", Content: policy.AutoReply},
			)
			o.tracer.Event(ctx, "auto_reply", map[string]any{"turn": state.TurnsTaken})
			continue
		}

		calls = assignCallIDs(calls)
		messages = append(messages, ports.PromptMessage{Role: "assistant", Content: completion.Text, ToolCalls: calls})
		results := o.executeTools(ctx, req, policy, calls)
		dispatched += len(calls)
		for i, call := range calls {
			messages = append(messages, ports.PromptMessage{Role: "tool", Content: results[i], ToolCallID: call.ID})
		}
	}
}

// terminated reports whether completion ends the exchange, with the summary it carries.
// Termination is checked before any tool call in the same message.
func (o *HarnessOrchestrator) terminated(c ports.Completion, policy *Policy) (bool, string) {
	switch policy.Termination {
	case TerminateOnSignal:
		signal := c.Terminate
		var argSummary string
		for _, call := range c.ToolCalls {
			if call.Name == TerminateToolName {
				signal = true
				var args struct {
					Summary string `json:"summary"`
				}
				if json.Unmarshal(call.Args, &args) == nil {
					argSummary = strings.TrimSpace(args.Summary)
				}
			}
		}
		if !signal {
			return false, ""
		}
		if s := policy.strip(c.Text); s != "" {
			return true, s
		}
		return true, argSummary
	default:
		if policy.TerminationToken == "" || !strings.Contains(c.Text, policy.TerminationToken) {
			return false, ""
		}
		return true, policy.strip(c.Text)
	}
}

func (o *HarnessOrchestrator) complete(ctx context.Context, prompt ports.PromptInput, policy *Policy, turn int) (ports.Completion, error) {
	release, err := o.limiter.Acquire(ctx, "exchange")
	if err != nil {
		return ports.Completion{}, fmt.Errorf("rate limit: %w", err)
	}
	defer release()

	ctx, finish := o.tracer.StartSpan(ctx, "provider_call", map[string]any{
		"turn":     turn,
		"messages": len(prompt.Messages),
	})
	completion, err := o.provider.Complete(ctx, prompt, policy.Options)
	finish(err)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("provider call failed: %w", err)
	}
	return completion, nil
}

// executeTools runs the calls of one turn in parallel and returns their results in call order.
func (o *HarnessOrchestrator) executeTools(ctx context.Context, req *Request, policy *Policy, calls []ports.ToolCall) []string {
	toolMap := make(map[string]ports.Tool, len(req.Tools))
	for _, tool := range req.Tools {
		toolMap[tool.Name()] = tool
	}

	results := make([]string, len(calls))
	p := pool.New().WithMaxGoroutines(max(1, policy.ToolConcurrency))
	for i, call := range calls {
		p.Go(func() {
			results[i] = o.invokeTool(ctx, req, policy, toolMap, call)
		})
	}
	p.Wait()
	return results
}

func (o *HarnessOrchestrator) invokeTool(ctx context.Context, req *Request, policy *Policy, toolMap map[string]ports.Tool, call ports.ToolCall) string {
	ctx, finish := o.tracer.StartSpan(ctx, "tool_call", map[string]any{"tool": call.Name, "call_id": call.ID})
	var failure error
	defer func() { finish(failure) }()

	if err := o.guardrails.ValidateToolCall(call); err != nil {
		failure = err
		return "Error: " + err.Error()
	}
	tool, ok := toolMap[call.Name]
	if !ok {
		failure = fmt.Errorf("unknown tool %s", call.Name)
		return unknownTool(call.Name, req.Tools)
	}

	toolCtx := ctx
	if policy.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, policy.ToolTimeout)
		defer cancel()
	}

	output, err := tool.Invoke(toolCtx, call.Args)
	if err != nil {
		failure = err
		return fmt.Sprintf("Error: tool %s failed: %v", call.Name, err)
	}

	var content string
	if str, ok := output.(string); ok {
		content = str
	} else {
		data, err := json.Marshal(output)
		if err != nil {
			failure = err
			return fmt.Sprintf("Error: tool %s returned an unencodable result: %v", call.Name, err)
		}
		content = string(data)
	}
	content = o.guardrails.SanitizeOutput(content)

	if req.ConversationID != "" {
		if err := o.store.AppendToolArtifact(ctx, req.ConversationID, call.Name, []byte(content)); err != nil {
			o.logger.Warn().Err(err).Str("tool", call.Name).Msg("failed to record tool artifact")
		}
	}
	return content
}

func unknownTool(name string, tools []ports.Tool) string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	return fmt.Sprintf("Error: tool '%s' is not available. Available tools: %s.", name, strings.Join(names, ", "))
}

// buildToolSpecs converts tools to provider-expected specs.
func (o *HarnessOrchestrator) buildToolSpecs(tools []ports.Tool, policy *Policy) []ports.ToolSpec {
	specs := make([]ports.ToolSpec, 0, len(tools)+1)
	for _, tool := range tools {
		specs = append(specs, ports.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			JSONSchema:  tool.Schema(),
		})
	}
	if policy.Termination == TerminateOnSignal {
		specs = append(specs, terminateSpec)
	}
	return specs
}

func toolNames(tools []ports.Tool) func(string) bool {
	names := make(map[string]bool, len(tools))
	for _, t := range tools {
		names[t.Name()] = true
	}
	return func(name string) bool { return names[name] }
}

// assignCallIDs gives parsed calls the ids tool messages refer back to.
func assignCallIDs(calls []ports.ToolCall) []ports.ToolCall {
	out := make([]ports.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		}
		out[i] = c
	}
	return out
}

func addUsage(total *ports.Usage, u *ports.Usage) {
	if u == nil {
		return
	}
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}

func (o *HarnessOrchestrator) record(req *Request, state *ExchangeState, start time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case isMaxTurns(err):
		outcome = "max_turns"
	default:
		outcome = "error"
	}
	elapsed := time.Since(start)
	metrics.QueriesCompleted.WithLabelValues(outcome).Inc()
	metrics.QueryDuration.Observe(elapsed.Seconds())
	metrics.ExchangeTurns.Observe(float64(state.TurnsTaken))

	event := o.logger.Info()
	if err != nil {
		event = o.logger.Warn().Err(err)
	}
	event.
		Str("conversation_id", req.ConversationID).
		Str("state", state.State.String()).
		Int("turns", state.TurnsTaken).
		Dur("duration", elapsed).
		Msg("query finished")
}
