package service

import (
	"context"
	"errors"
)

// ErrIndexRuntime marks failures of the index or embedding backends:
// unreachable services, rejected credentials, missing indexes.
var ErrIndexRuntime = errors.New("index runtime failure")

// Embedder generates embeddings for text content
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Dimension() int
}

// EmbedderFactory returns the embedder for a named embedding model.
type EmbedderFactory func(model string) (Embedder, error)

// VectorStore answers similarity queries against one open index.
type VectorStore interface {
	SimilaritySearch(ctx context.Context, query string, k int) ([]Document, error)
}

// IndexOpener opens the vector index a connection names.
type IndexOpener interface {
	Open(ctx context.Context, conn IndexConnection) (VectorStore, error)
}

// IndexConnection identifies an index and how to reach it.
type IndexConnection struct {
	APIKey         string `json:"api_key"`
	IndexName      string `json:"index_name"`
	EmbeddingModel string `json:"embedding_model"`
}

// RetrievalRequest is one retrieval tool invocation. All fields are required.
type RetrievalRequest struct {
	Query      string          `json:"query"`
	Connection IndexConnection `json:"connection"`
}

// Document is a retrieved chunk.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Score    float64        `json:"score"`
}

// FailureKind classifies why a retrieval produced no documents.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureValidation
	FailureRuntime
	FailureUnexpected
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureValidation:
		return "validation"
	case FailureRuntime:
		return "runtime"
	case FailureUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Diagnostic prefixes, one per failure class.
const (
	ValidationPrefix = "Validation Error: "
	RuntimePrefix    = "Runtime Error: "
	UnexpectedPrefix = "Unexpected Error: "
)

// RetrievalResult carries ranked documents, their serialized form, or a
// diagnostic explaining an empty result.
type RetrievalResult struct {
	Documents  []Document  `json:"documents"`
	Serialized string      `json:"serialized"`
	Diagnostic string      `json:"diagnostic,omitempty"`
	Failure    FailureKind `json:"failure"`
}

// Content is what a tool turn records: the serialized documents, or the
// diagnostic when there are none.
func (r RetrievalResult) Content() string {
	if r.Diagnostic != "" {
		return r.Diagnostic
	}
	return r.Serialized
}

// ValidationFailure builds the result for rejected parameters.
func ValidationFailure(msg string) RetrievalResult {
	return RetrievalResult{Documents: []Document{}, Diagnostic: ValidationPrefix + msg, Failure: FailureValidation}
}
