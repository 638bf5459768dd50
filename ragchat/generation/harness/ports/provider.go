package harnessports

import (
	"context"
	"errors"
)

var (
	// ErrAuthentication marks a provider or index rejecting the session credential.
	ErrAuthentication = errors.New("authentication failed")
	// ErrProviderRequest marks any other failed model request.
	ErrProviderRequest = errors.New("provider request failed")
)

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role    Role
	Content string
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // high-level system instructions
	Messages []PromptMessage   // ordered chat history (already windowed)
	Meta     map[string]string // lightweight metadata for tracing
}

// Options controls sampling, limits and the credential used for one call.
type Options struct {
	Model        string
	MaxNewTokens int
	Temperature  float32
	// APIKey is the session credential; providers must not cache it beyond the call.
	APIKey string
	// TimeoutMs applies to the provider call only (not the whole turn)
	TimeoutMs int
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's non-streaming response.
type Completion struct {
	Text  string
	Usage *Usage
}

// CompletionChunk is the provider's streaming delta. A chunk with Err set is
// the last one the channel delivers.
type CompletionChunk struct {
	DeltaText string
	Done      bool
	Err       error
	Usage     *Usage
}

// Provider is the abstraction for all LLM backends.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
	Stream(ctx context.Context, in PromptInput, opts Options) (<-chan CompletionChunk, error)
}
