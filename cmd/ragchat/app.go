package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/ragchat/ragchat/config"
	"github.com/ZanzyTHEbar/ragchat/ragchat/conversation"
	"github.com/ZanzyTHEbar/ragchat/ragchat/db"
	"github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness"
	"github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/tools"
	"github.com/ZanzyTHEbar/ragchat/ragchat/generation/models"
	"github.com/ZanzyTHEbar/ragchat/ragchat/memory/service"
	"github.com/rs/zerolog"
)

// app is the wired engine behind every subcommand.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	embedders *models.EmbedderRegistry
	metrics   *service.MetricsCollector
	retriever *service.RetrieverImpl
	router    *harness.TurnRouter
	recovery  *harness.RecoveryPolicy
	sessions  *conversation.Manager
	logger    zerolog.Logger
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, metrics: service.NewMetricsCollector(), logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Database.Enabled {
		if a.db, err = db.Open(ctx, cfg.Database.Path, logger); err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	}

	factory := harness.NewFactory(cfg, a.db, logger)
	a.embedders = models.NewEmbedderRegistry(models.EmbedderConfig{
		Provider:  cfg.Retrieval.EmbeddingProvider,
		BaseURL:   cfg.Retrieval.EmbeddingBaseURL,
		APIKey:    cfg.Retrieval.EmbeddingAPIKey,
		ModelPath: cfg.Retrieval.HugotModelPath,
		Cache:     factory.CreateCache(),
		CacheTTL:  cfg.Harness.CacheTTLSeconds,
	}, logger.With().Str("component", "embedder").Logger())

	opener, err := a.openerFor(ctx)
	if err != nil {
		return nil, err
	}
	a.retriever = service.NewRetriever(opener, logger.With().Str("component", "retriever").Logger(),
		service.WithTopK(cfg.Retrieval.TopK),
		service.WithTimeout(cfg.Retrieval.Timeout),
		service.WithMetrics(a.metrics),
	)

	provider := models.NewOpenAIProvider(cfg.LLM.BaseURL, logger.With().Str("component", "provider").Logger())
	if a.router, err = factory.CreateRouter(provider, tools.NewRetrieveTool(a.retriever)); err != nil {
		return nil, fmt.Errorf("build turn router: %w", err)
	}
	a.recovery = factory.CreateRecoveryPolicy()
	a.sessions = conversation.NewManager(logger,
		conversation.WithStore(factory.CreateStore()),
		conversation.WithGreeting(cfg.Harness.Greeting),
		conversation.WithDefaultParams(cfg.Session.Params()),
	)
	return a, nil
}

func (a *app) openerFor(ctx context.Context) (service.IndexOpener, error) {
	switch a.cfg.Retrieval.Backend {
	case "local":
		local := service.NewLocalOpener(a.embedders.Factory(),
			service.WithRequiredAPIKey(a.cfg.Retrieval.LocalAPIKey),
			service.WithEmbedWorkers(a.cfg.Retrieval.EmbedWorkers),
			service.WithSeedMetrics(a.metrics),
		)
		if path := a.cfg.Retrieval.SeedFile; path != "" {
			if err := local.LoadSeedFile(ctx, path); err != nil {
				return nil, fmt.Errorf("seed local index: %w", err)
			}
			a.logger.Info().Strs("indexes", local.Indexes("")).Msg("local indexes seeded")
		}
		return local, nil
	default:
		return service.NewPineconeOpener(a.embedders.Factory(), a.logger.With().Str("component", "pinecone").Logger()), nil
	}
}

// logMetrics writes the retrieval summary collected during the run.
func (a *app) logMetrics() {
	s := a.metrics.GetSummary()
	a.logger.Info().
		Int64("retrievals", s.RetrievalCount).
		Int64("retrieval_errors", s.RetrievalErrors).
		Int64("validation_errors", s.ValidationErrors).
		Dur("p50", s.RetrievalLatency.P50).
		Dur("p95", s.RetrievalLatency.P95).
		Msg("retrieval metrics")
}

func (a *app) Close() error {
	var errs []error
	if a.embedders != nil {
		errs = append(errs, a.embedders.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
