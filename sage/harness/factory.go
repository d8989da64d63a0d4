package harness

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/csvsage/sage/config"
	"github.com/ZanzyTHEbar/csvsage/sage/harness/adapters"
	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg    *config.Config
	db     *sql.DB // Optional, for conversation store
	logger zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.Config, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		db:     db,
		logger: logger,
	}
}

// CreateOrchestrator creates a fully wired HarnessOrchestrator from config.
func (f *Factory) CreateOrchestrator(provider ports.Provider) (*HarnessOrchestrator, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	return NewHarnessOrchestrator(
		provider,
		NewPromptBuilder(),
		f.CreateGuardrails(),
		f.CreateStore(),
		f.createRateLimiter(),
		f.createTracer(),
		f.logger,
	), nil
}

// CreateCache creates the tool result cache from config. The returned closer releases any
// connection the cache holds.
func (f *Factory) CreateCache(ctx context.Context) (ports.Cache, io.Closer, error) {
	h := f.cfg.Harness
	if !h.CacheEnabled {
		return &noOpCache{}, nopCloser{}, nil
	}
	switch h.CacheBackend {
	case "redis":
		client, err := adapters.DialRedis(ctx, h.RedisAddr, h.RedisPassword, h.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("cache backend redis: %w", err)
		}
		f.logger.Info().Str("addr", h.RedisAddr).Msg("using redis tool cache")
		return adapters.NewRedisCache(client, "csvsage:"), client, nil
	default:
		return adapters.NewLRUCache(h.CacheCapacity), nopCloser{}, nil
	}
}

// createRateLimiter creates a rate limiter adapter from config.
func (f *Factory) createRateLimiter() ports.RateLimiter {
	h := f.cfg.Harness
	if !h.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(h.RateLimitCapacity, h.RateLimitRefillRate)
}

// createTracer creates a tracer adapter from config.
func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

// CreateStore creates a conversation store adapter. Without a database nothing is persisted.
func (f *Factory) CreateStore() ports.ConversationStore {
	if f.db == nil {
		return &noOpStore{}
	}
	return adapters.NewLibSQLConversationStore(f.db)
}

// CreateGuardrails creates guardrails from config.
func (f *Factory) CreateGuardrails() *Guardrails {
	guardrails := NewGuardrails()
	guardrails.SetMaxOutputSize(f.cfg.Harness.MaxOutputSize)

	if f.cfg.Harness.EnableGuardrails {
		for _, toolName := range f.cfg.Harness.AllowedTools {
			guardrails.AddAllowedTool(toolName)
		}
	}
	return guardrails
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() (*Policy, error) {
	h, llm := f.cfg.Harness, f.cfg.LLM
	mode, err := ParseTerminationMode(h.TerminationMode)
	if err != nil {
		return nil, err
	}

	policy := &Policy{
		Termination:      mode,
		TerminationToken: h.TerminationToken,
		MaxTurns:         h.MaxTurns,
		AutoReply:        h.AutoReply,
		QueryTimeout:     h.QueryTimeout,
		ToolTimeout:      h.ToolTimeout,
		ToolConcurrency:  h.ToolConcurrency,
		InlineToolCalls:  h.InlineToolCalls,
		Options: ports.Options{
			MaxNewTokens: llm.MaxNewTokens,
			Temperature:  llm.Temperature,
			TopP:         llm.TopP,
			Seed:         llm.Seed,
			ToolChoice:   "auto",
			TimeoutMs:    int(llm.Timeout.Milliseconds()),
		},
	}

	if policy.ToolConcurrency < 1 {
		policy.ToolConcurrency = 1
		f.logger.Warn().Int("tool_concurrency", h.ToolConcurrency).Msg("ToolConcurrency clamped to minimum of 1")
	}
	if mode == TerminateOnSignal && policy.MaxTurns == 0 {
		policy.MaxTurns = DefaultSignalMaxTurns
		f.logger.Debug().Int("max_turns", policy.MaxTurns).Msg("structured termination uses default turn cap")
	}
	return policy, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// noOpCache implements Cache interface with no-op behavior for testing/disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpStore implements ConversationStore interface with no-op behavior.
type noOpStore struct{}

func (s *noOpStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	return nil
}

func (s *noOpStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	return nil, nil
}

func (s *noOpStore) AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error {
	return nil
}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache             = (*noOpCache)(nil)
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
)
