package harness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/ragchat/ragchat/conversation"
	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/tools"
	"github.com/ZanzyTHEbar/ragchat/ragchat/memory/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// StubProvider replays scripted completions and streams in order.
type StubProvider struct {
	mu          sync.Mutex
	completions []stubCompletion
	streams     []stubStream

	completeInputs []ports.PromptInput
	streamInputs   []ports.PromptInput
	options        []ports.Options
}

type stubCompletion struct {
	text string
	err  error
}

type stubStream struct {
	chunks []ports.CompletionChunk
	err    error
	// stall holds the channel open after the chunks until the call's
	// context ends, then closes it without a Done chunk.
	stall bool
}

func (p *StubProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completeInputs = append(p.completeInputs, in)
	p.options = append(p.options, opts)
	if len(p.completions) == 0 {
		return ports.Completion{}, errors.New("stub provider: no completion scripted")
	}
	c := p.completions[0]
	p.completions = p.completions[1:]
	if c.err != nil {
		return ports.Completion{}, c.err
	}
	return ports.Completion{Text: c.text, Usage: &ports.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}}, nil
}

func (p *StubProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamInputs = append(p.streamInputs, in)
	p.options = append(p.options, opts)
	if len(p.streams) == 0 {
		return nil, errors.New("stub provider: no stream scripted")
	}
	s := p.streams[0]
	p.streams = p.streams[1:]
	if s.err != nil {
		return nil, s.err
	}
	if s.stall {
		ch := make(chan ports.CompletionChunk)
		go func() {
			defer close(ch)
			for _, c := range s.chunks {
				select {
				case ch <- c:
				case <-ctx.Done():
					return
				}
			}
			<-ctx.Done()
		}()
		return ch, nil
	}
	ch := make(chan ports.CompletionChunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func textStream(parts ...string) stubStream {
	chunks := make([]ports.CompletionChunk, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, ports.CompletionChunk{DeltaText: p})
	}
	chunks = append(chunks, ports.CompletionChunk{Done: true, Usage: &ports.Usage{TotalTokens: 30}})
	return stubStream{chunks: chunks}
}

// recordingSink keeps everything the engine renders.
type recordingSink struct {
	fragments []string
	turns     []ports.Turn
}

func (s *recordingSink) Fragment(text string) { s.fragments = append(s.fragments, text) }
func (s *recordingSink) Turn(t ports.Turn)    { s.turns = append(s.turns, t) }

// cancellingSink cancels the turn on the first fragment and then lingers,
// so the provider closes its stream while a fragment is still rendering.
type cancellingSink struct {
	recordingSink
	cancel context.CancelFunc
}

func (s *cancellingSink) Fragment(text string) {
	s.recordingSink.Fragment(text)
	s.cancel()
	time.Sleep(time.Millisecond)
}

// countingOpener serves a fixed document list and counts Open calls.
type countingOpener struct {
	opens atomic.Int32
	docs  []service.Document
	err   error
	conns []service.IndexConnection
	mu    sync.Mutex
}

func (o *countingOpener) Open(ctx context.Context, conn service.IndexConnection) (service.VectorStore, error) {
	o.opens.Add(1)
	o.mu.Lock()
	o.conns = append(o.conns, conn)
	o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	return fixedStore(o.docs), nil
}

type fixedStore []service.Document

func (s fixedStore) SimilaritySearch(ctx context.Context, query string, k int) ([]service.Document, error) {
	return s, nil
}

// memStore records persisted turns.
type memStore struct {
	mu    sync.Mutex
	turns map[string][]ports.Turn
}

func newMemStore() *memStore { return &memStore{turns: map[string][]ports.Turn{}} }

func (s *memStore) SaveTurn(ctx context.Context, id string, t ports.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[id] = append(s.turns[id], t)
	return nil
}

func (s *memStore) LoadTurns(ctx context.Context, id string) ([]ports.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.Turn(nil), s.turns[id]...), nil
}

func (s *memStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, id)
	return nil
}

func (s *memStore) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns[id])
}

type fixture struct {
	provider *StubProvider
	opener   *countingOpener
	router   *TurnRouter
	session  *conversation.Session
	store    *memStore
}

func fullParams() conversation.Params {
	return conversation.Params{
		LLMAPIKey: "sk-session-key-123456",
		Index: conversation.Connection{
			APIKey:         "pcsk_session_key_123456",
			IndexName:      "campus",
			EmbeddingModel: "nomic-embed-text",
		},
	}
}

func newFixture(t *testing.T, params conversation.Params, provider *StubProvider, docs ...service.Document) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	opener := &countingOpener{docs: docs}
	retriever := service.NewRetriever(opener, logger)

	router, err := NewTurnRouter(RouterDeps{
		Provider: provider,
		Tool:     tools.NewRetrieveTool(retriever),
	}, DefaultPolicy(), logger)
	require.NoError(t, err)

	store := newMemStore()
	mgr := conversation.NewManager(logger, conversation.WithStore(store), conversation.WithDefaultParams(params))
	session, err := mgr.Open(context.Background(), "s1")
	require.NoError(t, err)

	return &fixture{provider: provider, opener: opener, router: router, session: session, store: store}
}

func roles(turns []ports.Turn) []ports.Role {
	out := make([]ports.Role, len(turns))
	for i, t := range turns {
		out[i] = t.Role
	}
	return out
}
