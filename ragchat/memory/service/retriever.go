package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

const (
	DefaultTopK    = 3
	DefaultTimeout = 30 * time.Second
)

// RetrieverImpl runs a validated similarity search against the index a
// request names. It never returns an error: every failure becomes an empty
// result with a diagnostic.
type RetrieverImpl struct {
	opener  IndexOpener
	topK    int
	timeout time.Duration
	metrics *MetricsCollector
	logger  zerolog.Logger
}

// RetrieverOption configures a RetrieverImpl.
type RetrieverOption func(*RetrieverImpl)

func WithTopK(k int) RetrieverOption {
	return func(r *RetrieverImpl) {
		if k > 0 {
			r.topK = k
		}
	}
}

func WithTimeout(d time.Duration) RetrieverOption {
	return func(r *RetrieverImpl) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithMetrics(m *MetricsCollector) RetrieverOption {
	return func(r *RetrieverImpl) { r.metrics = m }
}

// NewRetriever creates a new retriever
func NewRetriever(opener IndexOpener, logger zerolog.Logger, opts ...RetrieverOption) *RetrieverImpl {
	r := &RetrieverImpl{
		opener:  opener,
		topK:    DefaultTopK,
		timeout: DefaultTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TopK returns the configured result bound.
func (r *RetrieverImpl) TopK() int { return r.topK }

// Retrieve validates req, opens the index and returns the top-k documents.
func (r *RetrieverImpl) Retrieve(ctx context.Context, req RetrievalRequest) (res RetrievalResult) {
	if missing := missingFields(req); len(missing) > 0 {
		r.metrics.RecordValidationFailure()
		r.logger.Warn().Strs("missing", missing).Msg("retrieval rejected")
		return ValidationFailure("missing required parameters: " + strings.Join(missing, ", "))
	}

	start := time.Now()
	var docs []Document
	var err error

	var pc panics.Catcher
	pc.Try(func() {
		docs, err = r.search(ctx, req)
	})
	if rec := pc.Recovered(); rec != nil {
		err = rec.AsError()
		r.metrics.RecordRetrieval(req.Connection.IndexName, time.Since(start), err)
		r.logger.Error().Str("panic", rec.String()).Str("index", req.Connection.IndexName).Msg("retrieval panicked")
		return failure(FailureUnexpected, UnexpectedPrefix, err)
	}

	r.metrics.RecordRetrieval(req.Connection.IndexName, time.Since(start), err)
	if err != nil {
		kind, prefix := classify(err)
		r.logger.Error().Err(err).Str("index", req.Connection.IndexName).Stringer("failure", kind).Msg("retrieval failed")
		return failure(kind, prefix, err)
	}

	if len(docs) > r.topK {
		docs = docs[:r.topK]
	}
	r.logger.Info().
		Str("index", req.Connection.IndexName).
		Int("documents", len(docs)).
		Dur("latency", time.Since(start)).
		Msg("retrieval completed")

	return RetrievalResult{Documents: docs, Serialized: Serialize(docs)}
}

func (r *RetrieverImpl) search(ctx context.Context, req RetrievalRequest) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	store, err := r.opener.Open(ctx, req.Connection)
	if err != nil {
		return nil, fmt.Errorf("open index %q: %w", req.Connection.IndexName, err)
	}
	docs, err := store.SimilaritySearch(ctx, req.Query, r.topK)
	if err != nil {
		return nil, fmt.Errorf("search index %q: %w", req.Connection.IndexName, err)
	}
	return docs, nil
}

func missingFields(req RetrievalRequest) []string {
	var missing []string
	if strings.TrimSpace(req.Query) == "" {
		missing = append(missing, "query")
	}
	if strings.TrimSpace(req.Connection.APIKey) == "" {
		missing = append(missing, "api_key")
	}
	if strings.TrimSpace(req.Connection.IndexName) == "" {
		missing = append(missing, "index_name")
	}
	if strings.TrimSpace(req.Connection.EmbeddingModel) == "" {
		missing = append(missing, "embedding_model")
	}
	return missing
}

func classify(err error) (FailureKind, string) {
	switch {
	case errors.Is(err, ErrIndexRuntime),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return FailureRuntime, RuntimePrefix
	default:
		return FailureUnexpected, UnexpectedPrefix
	}
}

func failure(kind FailureKind, prefix string, err error) RetrievalResult {
	return RetrievalResult{Documents: []Document{}, Diagnostic: prefix + err.Error(), Failure: kind}
}

// Serialize renders documents as "Source: <metadata>\nContent: <content>"
// blocks separated by a blank line. Metadata is written as a JSON object
// with sorted keys.
func Serialize(docs []Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, fmt.Sprintf("Source: %s\nContent: %s", renderMetadata(d.Metadata), d.Content))
	}
	return strings.Join(parts, "\n\n")
}

func renderMetadata(md map[string]any) string {
	if len(md) == 0 {
		return "{}"
	}
	b, err := json.Marshal(md)
	if err != nil {
		return fmt.Sprintf("%v", md)
	}
	return string(b)
}
