// Package models holds the concrete language model and embedding backends.
package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI-compatible chat endpoint. The API key
// comes with every call, so one provider serves all sessions.
type OpenAIProvider struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// ProviderOption configures an OpenAIProvider.
type ProviderOption func(*OpenAIProvider)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *OpenAIProvider) { p.httpClient = c }
}

func NewOpenAIProvider(baseURL string, logger zerolog.Logger, opts ...ProviderOption) *OpenAIProvider {
	p := &OpenAIProvider{baseURL: baseURL, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) client(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = strings.TrimRight(p.baseURL, "/")
	}
	if p.httpClient != nil {
		cfg.HTTPClient = p.httpClient
	}
	return openai.NewClientWithConfig(cfg)
}

func (p *OpenAIProvider) request(in ports.PromptInput, opts ports.Options) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(in.Messages)+1)
	if in.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: in.System})
	}
	for _, m := range in.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: chatRole(m.Role), Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       opts.Model,
		Messages:    msgs,
		MaxTokens:   opts.MaxNewTokens,
		Temperature: opts.Temperature,
	}
}

func chatRole(r ports.Role) string {
	switch r {
	case ports.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case ports.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

// Complete implements ports.Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	resp, err := p.client(opts.APIKey).CreateChatCompletion(ctx, p.request(in, opts))
	if err != nil {
		return ports.Completion{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return ports.Completion{}, fmt.Errorf("%w: empty choices", ports.ErrProviderRequest)
	}
	return ports.Completion{
		Text:  resp.Choices[0].Message.Content,
		Usage: usage(resp.Usage),
	}, nil
}

// Stream implements ports.Provider. Fragments arrive on the channel until a
// Done chunk or a chunk with Err; the channel is then closed.
func (p *OpenAIProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	req := p.request(in, opts)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client(opts.APIKey).CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	out := make(chan ports.CompletionChunk)
	go func() {
		defer close(out)
		defer stream.Close()

		send := func(c ports.CompletionChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var last *ports.Usage
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(ports.CompletionChunk{Done: true, Usage: last})
				return
			}
			if err != nil {
				p.logger.Debug().Err(err).Msg("stream receive failed")
				send(ports.CompletionChunk{Err: classify(err)})
				return
			}
			if resp.Usage != nil {
				last = usage(*resp.Usage)
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !send(ports.CompletionChunk{DeltaText: choice.Delta.Content}) {
					return
				}
			}
		}
	}()
	return out, nil
}

// classify maps client errors onto the provider sentinel errors.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %v", ports.ErrAuthentication, err)
		}
		return fmt.Errorf("%w: %v", ports.ErrProviderRequest, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusUnauthorized || reqErr.HTTPStatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %v", ports.ErrAuthentication, err)
		}
		return fmt.Errorf("%w: %v", ports.ErrProviderRequest, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ports.ErrProviderRequest, err)
}

func usage(u openai.Usage) *ports.Usage {
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return nil
	}
	return &ports.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

var _ ports.Provider = (*OpenAIProvider)(nil)
