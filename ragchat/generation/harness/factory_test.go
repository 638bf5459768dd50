package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/ragchat/ragchat/config"
	"github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/adapters"
	"github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/tools"
	"github.com/ZanzyTHEbar/ragchat/ragchat/memory/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	return cfg
}

func TestFactoryDefaults(t *testing.T) {
	cfg := testConfig(t)
	cfg.Harness.TokenizerEncoding = ""
	f := NewFactory(cfg, nil, zerolog.Nop())

	assert.IsType(t, &adapters.LRUCache{}, f.CreateCache())
	assert.IsType(t, &adapters.KeyedLimiter{}, f.CreateRateLimiter())
	assert.IsType(t, &adapters.ZerologTracer{}, f.CreateTracer())
	assert.IsType(t, &noOpStore{}, f.CreateStore())

	p := f.CreatePolicy()
	assert.Equal(t, "sabia-3", p.Model)
	assert.Equal(t, 50000, p.MaxHistoryTokens)
	assert.Equal(t, 60*time.Second, p.CallTimeout)

	assert.Equal(t, 4*time.Second, f.CreateRecoveryPolicy().resetDelay)
}

func TestFactoryDisabledComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Harness.CacheEnabled = false
	cfg.Harness.RateLimitEnabled = false
	cfg.Harness.EnableTracing = false
	cfg.Harness.EnableGuardrails = false
	cfg.Harness.AllowedTools = nil
	f := NewFactory(cfg, nil, zerolog.Nop())

	assert.IsType(t, &noOpCache{}, f.CreateCache())
	assert.IsType(t, &noOpRateLimiter{}, f.CreateRateLimiter())
	assert.IsType(t, &noOpTracer{}, f.CreateTracer())

	g := f.CreateGuardrails()
	assert.True(t, g.allowlist[tools.RetrieveName])
}

func TestFactoryPromptsFile(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_context: Nothing here.\n"), 0o644))
	cfg.Harness.PromptsFile = path

	b, err := NewFactory(cfg, nil, zerolog.Nop()).CreatePrompts()
	require.NoError(t, err)
	in, err := b.Grounding("", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Nothing here.", in.System)

	cfg.Harness.PromptsFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = NewFactory(cfg, nil, zerolog.Nop()).CreatePrompts()
	assert.Error(t, err)
}

func TestFactoryCreateRouter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Harness.TokenizerEncoding = ""
	cfg.Harness.RateLimitEnabled = false
	f := NewFactory(cfg, nil, zerolog.Nop())

	provider := &StubProvider{completions: []stubCompletion{{text: "hello"}}}
	router, err := f.CreateRouter(provider, tools.NewRetrieveTool(service.NewRetriever(&countingOpener{}, zerolog.Nop())))
	require.NoError(t, err)

	f2 := newFixture(t, fullParams(), &StubProvider{})
	res, err := router.ProcessTurn(context.Background(), f2.session, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Answer.Content)
	assert.Equal(t, cfg.LLM.RoutingMaxNewTokens, provider.options[0].MaxNewTokens)
}
