package harness

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ZanzyTHEbar/ragchat/ragchat/config"
	"github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/tools"
	"github.com/ZanzyTHEbar/ragchat/ragchat/generation/models"
	"github.com/rs/zerolog"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg    *config.Config
	db     *sql.DB // Optional, for conversation store
	logger zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.Config, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, db: db, logger: logger}
}

// CreateRouter wires a TurnRouter around provider and tool.
func (f *Factory) CreateRouter(provider ports.Provider, tool *tools.RetrieveTool) (*TurnRouter, error) {
	guardrails := f.CreateGuardrails()
	prompts, err := f.CreatePrompts()
	if err != nil {
		return nil, err
	}

	return NewTurnRouter(RouterDeps{
		Provider:   provider,
		Tool:       tool,
		Budgeter:   f.CreateBudgeter(),
		Parser:     NewOutputParser(f.logger, WithRedactor(guardrails.SanitizeOutput)),
		Prompts:    prompts,
		Guardrails: guardrails,
		Streamer:   NewStreamer(),
		Limiter:    f.CreateRateLimiter(),
		Tracer:     f.CreateTracer(),
	}, f.CreatePolicy(), f.logger)
}

// CreateCache creates the embedding cache.
func (f *Factory) CreateCache() ports.Cache {
	h := f.cfg.Harness
	if !h.CacheEnabled {
		return &noOpCache{}
	}
	return adapters.NewLRUCache(h.CacheCapacity)
}

// CreateRateLimiter creates the model call limiter.
func (f *Factory) CreateRateLimiter() ports.RateLimiter {
	h := f.cfg.Harness
	if !h.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewKeyedLimiter(h.RateLimitPerSec, h.RateLimitBurst)
}

func (f *Factory) CreateTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger.With().Str("component", "trace").Logger())
}

// CreateStore returns the libsql store when a database is attached.
func (f *Factory) CreateStore() ports.ConversationStore {
	if f.db == nil {
		return &noOpStore{}
	}
	return adapters.NewLibSQLConversationStore(f.db)
}

// CreateGuardrails creates guardrails from config. With guardrails disabled
// only the retrieve tool is allowed.
func (f *Factory) CreateGuardrails() *Guardrails {
	g := NewGuardrails()
	if !f.cfg.Harness.EnableGuardrails {
		g.AddAllowedTool(tools.RetrieveName)
		return g
	}
	for _, name := range f.cfg.Harness.AllowedTools {
		g.AddAllowedTool(name)
	}
	return g
}

func (f *Factory) CreateBudgeter() *Budgeter {
	counter := models.NewTiktokenCounter(f.cfg.Harness.TokenizerEncoding, f.logger)
	return NewBudgeter(counter, f.cfg.Harness.MessageOverhead)
}

// CreatePrompts loads the prompt set, applying the optional override file.
func (f *Factory) CreatePrompts() (*PromptBuilder, error) {
	set := DefaultPromptSet()
	if path := f.cfg.Harness.PromptsFile; path != "" {
		loaded, err := LoadPromptSet(path)
		if err != nil {
			return nil, fmt.Errorf("prompts file: %w", err)
		}
		set = loaded
	}
	return NewPromptBuilder(set)
}

// CreatePolicy creates a policy from config, clamping out of range values.
func (f *Factory) CreatePolicy() Policy {
	l := f.cfg.LLM
	p := DefaultPolicy()
	p.Model = l.Model
	p.Temperature = l.Temperature
	p.MaxHistoryTokens = f.cfg.Harness.MaxHistoryTokens
	if l.MaxNewTokens > 0 {
		p.MaxNewTokens = l.MaxNewTokens
	} else {
		f.logger.Warn().Int("max_new_tokens", l.MaxNewTokens).Msg("max_new_tokens not positive, using default")
	}
	if l.RoutingMaxNewTokens > 0 {
		p.RoutingMaxNewTokens = l.RoutingMaxNewTokens
	}
	if l.Timeout > 0 {
		p.CallTimeout = l.Timeout
	}
	return p
}

func (f *Factory) CreateRecoveryPolicy() *RecoveryPolicy {
	return NewRecoveryPolicy(f.cfg.Harness.ResetDelay, f.logger)
}

// noOpCache implements Cache interface with no-op behavior for disabled cache.
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

// noOpStore keeps nothing; conversations live in memory only.
type noOpStore struct{}

func (s *noOpStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	return nil
}

func (s *noOpStore) LoadTurns(ctx context.Context, conversationID string) ([]ports.Turn, error) {
	return nil, nil
}

func (s *noOpStore) DeleteConversation(ctx context.Context, conversationID string) error {
	return nil
}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache             = (*noOpCache)(nil)
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
)
