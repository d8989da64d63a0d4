// Package tools holds the deterministic data-inspection tools the responder can call.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ZanzyTHEbar/csvsage/sage/dataset"
	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
	"github.com/ZanzyTHEbar/csvsage/sage/metrics"
)

// ToolID identifies a registered tool. Its string form is the name the responder calls.
type ToolID string

const (
	DescribeDataID         ToolID = "describe_data"
	GetColumnInfoID        ToolID = "get_column_info"
	CalculateCorrelationID ToolID = "calculate_correlation"
	GetMissingValuesID     ToolID = "get_missing_values"
	GenerateSummaryStatsID ToolID = "generate_summary_stats"
)

// Func computes a tool result. Problems with the arguments are reported in the result.
type Func func(ds *dataset.Dataset, args map[string]any) any

// Spec declares a tool for registration.
type Spec struct {
	ID          ToolID
	Description string
	Schema      []byte
	Func        Func
}

type entry struct {
	spec   Spec
	schema *gojsonschema.Schema
}

var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrInvalidSpec   = errors.New("invalid tool spec")
)

// Registry maps tool identifiers to their implementations.
type Registry struct {
	mu      sync.RWMutex
	entries map[ToolID]*entry
	order   []ToolID
	cache   ports.Cache
	ttl     int
	logger  zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithCache memoizes results in c for ttlSeconds.
func WithCache(c ports.Cache, ttlSeconds int) Option {
	return func(r *Registry) {
		r.cache = c
		r.ttl = ttlSeconds
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[ToolID]*entry),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewBuiltinRegistry returns a registry holding the five data-inspection tools.
func NewBuiltinRegistry(opts ...Option) (*Registry, error) {
	r := NewRegistry(opts...)
	for _, spec := range Builtins() {
		if err := r.Register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds spec. The schema must compile and the identifier must be a new, valid name.
func (r *Registry) Register(spec Spec) error {
	name := string(spec.ID)
	if !validName(name) {
		return fmt.Errorf("%w: name %q", ErrInvalidSpec, name)
	}
	if spec.Func == nil {
		return fmt.Errorf("%w: %s has no implementation", ErrInvalidSpec, name)
	}
	if len(spec.Schema) == 0 {
		spec.Schema = []byte(`{"type":"object","properties":{}}`)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(spec.Schema))
	if err != nil {
		return fmt.Errorf("%w: %s schema: %v", ErrInvalidSpec, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[spec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.entries[spec.ID] = &entry{spec: spec, schema: schema}
	r.order = append(r.order, spec.ID)
	return nil
}

func validName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_', ch == '-':
		default:
			return false
		}
	}
	return true
}

// Names lists the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	for i, id := range r.order {
		names[i] = string(id)
	}
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[ToolID(name)]
	return e, ok
}

// Specs returns the declarations handed to the exchange service.
func (r *Registry) Specs() []ports.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ports.ToolSpec, len(r.order))
	for i, id := range r.order {
		e := r.entries[id]
		specs[i] = ports.ToolSpec{Name: string(id), Description: e.spec.Description, JSONSchema: e.spec.Schema}
	}
	return specs
}

// UnknownTool is the result of calling a name that is not registered.
func (r *Registry) UnknownTool(name string) string {
	return fmt.Sprintf("Tool '%s' is not available. Available tools: %s.", name, strings.Join(r.Names(), ", "))
}

// Dispatch validates args against the tool's schema and runs it over ds. Unknown tools and
// invalid arguments produce a descriptive string result; Dispatch never fails.
func (r *Registry) Dispatch(ctx context.Context, ds *dataset.Dataset, name string, args json.RawMessage) any {
	e, ok := r.lookup(name)
	if !ok {
		metrics.ToolInvocations.WithLabelValues("unknown", "unknown_tool").Inc()
		r.logger.Warn().Str("tool", name).Msg("unknown tool requested")
		return r.UnknownTool(name)
	}

	canonical, params, problem := e.validate(args)
	if problem != "" {
		metrics.ToolInvocations.WithLabelValues(name, "invalid_args").Inc()
		r.logger.Warn().Str("tool", name).Str("problem", problem).Msg("invalid tool arguments")
		return problem
	}

	key := cacheKey(ds, name, canonical)
	if r.cache != nil {
		if raw, ok := r.cache.Get(ctx, key); ok {
			if v, err := decodeResult(raw); err == nil {
				metrics.ToolInvocations.WithLabelValues(name, "cached").Inc()
				return v
			}
		}
	}

	result := e.spec.Func(ds, params)
	metrics.ToolInvocations.WithLabelValues(name, "ok").Inc()
	r.logger.Debug().Str("tool", name).RawJSON("args", canonical).Msg("tool invoked")

	if r.cache != nil {
		if raw, err := encodeResult(result); err == nil {
			if err := r.cache.Set(ctx, key, raw, r.ttl); err != nil {
				r.logger.Warn().Err(err).Str("tool", name).Msg("tool result not cached")
			}
		}
	}
	return result
}

// validate returns the canonical argument encoding and decoded parameters, or a description
// of what is wrong with args.
func (e *entry) validate(args json.RawMessage) (json.RawMessage, map[string]any, string) {
	name := string(e.spec.ID)
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	var params map[string]any
	if err := json.Unmarshal(args, &params); err != nil || params == nil {
		return nil, nil, fmt.Sprintf("Invalid arguments for %s: arguments must be a JSON object.", name)
	}

	result, err := e.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return nil, nil, fmt.Sprintf("Invalid arguments for %s: %v.", name, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			problems = append(problems, re.String())
		}
		sort.Strings(problems)
		return nil, nil, fmt.Sprintf("Invalid arguments for %s: %s.", name, strings.Join(problems, "; "))
	}

	// encoding/json sorts map keys, which makes this encoding canonical.
	canonical, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Sprintf("Invalid arguments for %s: %v.", name, err)
	}
	return canonical, params, ""
}

// Bind exposes every registered tool as a ports.Tool over ds.
func (r *Registry) Bind(ds *dataset.Dataset) []ports.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.Tool, len(r.order))
	for i, id := range r.order {
		out[i] = &boundTool{registry: r, ds: ds, spec: r.entries[id].spec}
	}
	return out
}

type boundTool struct {
	registry *Registry
	ds       *dataset.Dataset
	spec     Spec
}

func (t *boundTool) Name() string        { return string(t.spec.ID) }
func (t *boundTool) Description() string { return t.spec.Description }
func (t *boundTool) Schema() []byte      { return t.spec.Schema }

func (t *boundTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	return t.registry.Dispatch(ctx, t.ds, t.Name(), args), nil
}

var _ ports.Tool = (*boundTool)(nil)
