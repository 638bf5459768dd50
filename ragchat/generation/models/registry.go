package models

import (
	"fmt"
	"net/http"
	"sync"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/ragchat/ragchat/memory/service"
	"github.com/rs/zerolog"
)

// EmbedderConfig selects and configures the embedding backend.
type EmbedderConfig struct {
	Provider   string // "openai" or "hugot"
	BaseURL    string
	APIKey     string
	ModelPath  string
	HTTPClient *http.Client
	// Cache, when set, memoizes embeddings for CacheTTL seconds.
	Cache    ports.Cache
	CacheTTL int
}

// EmbedderRegistry builds one embedder per model name and reuses it.
type EmbedderRegistry struct {
	cfg    EmbedderConfig
	logger zerolog.Logger

	mu        sync.Mutex
	embedders map[string]service.Embedder
}

func NewEmbedderRegistry(cfg EmbedderConfig, logger zerolog.Logger) *EmbedderRegistry {
	return &EmbedderRegistry{cfg: cfg, logger: logger, embedders: make(map[string]service.Embedder)}
}

// Factory exposes the registry as a service.EmbedderFactory.
func (r *EmbedderRegistry) Factory() service.EmbedderFactory { return r.Get }

// Get returns the embedder for model, creating it on first use.
func (r *EmbedderRegistry) Get(model string) (service.Embedder, error) {
	if model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.embedders[model]; ok {
		return e, nil
	}

	var (
		e   service.Embedder
		err error
	)
	switch r.cfg.Provider {
	case "hugot":
		e, err = NewHugotEmbedder(r.cfg.ModelPath, model)
	case "openai", "":
		e = NewOpenAIEmbedder(r.cfg.BaseURL, r.cfg.APIKey, model, r.cfg.HTTPClient)
	default:
		err = fmt.Errorf("unknown embedding provider %q", r.cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if r.cfg.Cache != nil {
		e = NewCachedEmbedder(e, r.cfg.Cache, model, r.cfg.CacheTTL, r.logger)
	}

	r.logger.Debug().Str("provider", r.cfg.Provider).Str("model", model).Msg("embedder ready")
	r.embedders[model] = e
	return e, nil
}

// Close releases embedders holding native resources.
func (r *EmbedderRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, e := range r.embedders {
		if c, ok := unwrap(e).(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close embedder %q: %w", name, err)
			}
		}
	}
	clear(r.embedders)
	return firstErr
}

func unwrap(e service.Embedder) service.Embedder {
	if c, ok := e.(*CachedEmbedder); ok {
		return c.inner
	}
	return e
}
