package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	turns   map[string][]ports.Turn
	saveErr error
}

func newMemStore() *memStore { return &memStore{turns: map[string][]ports.Turn{}} }

func (s *memStore) SaveTurn(_ context.Context, id string, t ports.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.turns[id] = append(s.turns[id], t)
	return nil
}

func (s *memStore) LoadTurns(_ context.Context, id string) ([]ports.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.Turn(nil), s.turns[id]...), nil
}

func (s *memStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, id)
	return nil
}

func TestConversationAppendAssignsIDs(t *testing.T) {
	c := NewConversation("c1", nil, zerolog.Nop())
	ctx := context.Background()

	a, err := c.Append(ctx, ports.Turn{Role: ports.RoleHuman, Content: "hi"})
	require.NoError(t, err)
	b, err := c.Append(ctx, ports.Turn{Role: ports.RoleAssistant, Content: "hello"})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.CreatedAt.IsZero())

	turns := c.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, "hello", turns[1].Content)
}

func TestConversationPendingCallPairing(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		next    ports.Turn
		wantErr bool
	}{
		{name: "matching tool turn", next: ports.Turn{Role: ports.RoleTool, CallID: "call-1"}},
		{name: "wrong call id", next: ports.Turn{Role: ports.RoleTool, CallID: "other"}, wantErr: true},
		{name: "assistant before result", next: ports.Turn{Role: ports.RoleAssistant}, wantErr: true},
		{name: "human before result", next: ports.Turn{Role: ports.RoleHuman}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConversation("c", nil, zerolog.Nop())
			_, err := c.Append(ctx, ports.Turn{Role: ports.RoleHuman, Content: "q"})
			require.NoError(t, err)
			_, err = c.Append(ctx, ports.Turn{
				Role:        ports.RoleAssistant,
				PendingCall: &ports.ToolCall{ID: "call-1", Name: "retrieve"},
			})
			require.NoError(t, err)

			_, err = c.Append(ctx, tt.next)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTurn)
				assert.Equal(t, 2, c.Len())
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConversationRejectsInvalidTurns(t *testing.T) {
	c := NewConversation("c", nil, zerolog.Nop())
	ctx := context.Background()

	_, err := c.Append(ctx, ports.Turn{Role: ports.Role(42)})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	_, err = c.Append(ctx, ports.Turn{Role: ports.RoleTool, CallID: "x"})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	_, err = c.Append(ctx, ports.Turn{Role: ports.RoleHuman, PendingCall: &ports.ToolCall{ID: "x"}})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	assert.Zero(t, c.Len())
}

func TestConversationSinceLastHuman(t *testing.T) {
	c := NewConversation("c", nil, zerolog.Nop())

	mustAppend(t, c, ports.Turn{Role: ports.RoleHuman, Content: "first"})
	mustAppend(t, c, ports.Turn{Role: ports.RoleAssistant, PendingCall: &ports.ToolCall{ID: "a"}})
	mustAppend(t, c, ports.Turn{Role: ports.RoleTool, CallID: "a", Content: "old"})
	mustAppend(t, c, ports.Turn{Role: ports.RoleAssistant, Content: "answer"})
	mustAppend(t, c, ports.Turn{Role: ports.RoleHuman, Content: "second"})
	mustAppend(t, c, ports.Turn{Role: ports.RoleAssistant, PendingCall: &ports.ToolCall{ID: "b"}})
	mustAppend(t, c, ports.Turn{Role: ports.RoleTool, CallID: "b", Content: "new"})

	since := c.SinceLastHuman()
	require.Len(t, since, 2)
	assert.Equal(t, "new", since[1].Content)

	assert.True(t, c.HasCallID("a"))
	assert.True(t, c.HasCallID("b"))
	assert.False(t, c.HasCallID("c"))
}

func TestConversationTurnsAreCopies(t *testing.T) {
	c := NewConversation("c", nil, zerolog.Nop())
	mustAppend(t, c, ports.Turn{Role: ports.RoleHuman, Content: "q"})
	mustAppend(t, c, ports.Turn{
		Role:        ports.RoleAssistant,
		PendingCall: &ports.ToolCall{ID: "a", Args: map[string]any{"query": "q"}},
	})

	turns := c.Turns()
	turns[0].Content = "mutated"
	turns[1].PendingCall.Args["query"] = "mutated"

	again := c.Turns()
	assert.Equal(t, "q", again[0].Content)
	assert.Equal(t, "q", again[1].PendingCall.Args["query"])
}

func TestConversationPersistence(t *testing.T) {
	store := newMemStore()
	c := NewConversation("c", store, zerolog.Nop())
	ctx := context.Background()

	mustAppend(t, c, ports.Turn{Role: ports.RoleHuman, Content: "q"})
	loaded, err := store.LoadTurns(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, loaded, 1)

	store.saveErr = errors.New("disk full")
	mustAppend(t, c, ports.Turn{Role: ports.RoleAssistant, Content: "a"})
	assert.Equal(t, 2, c.Len(), "store failures do not reject the turn")

	require.NoError(t, c.Clear(ctx))
	assert.Zero(t, c.Len())
	loaded, err = store.LoadTurns(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestFormat(t *testing.T) {
	turns := []ports.Turn{
		{ID: "1", Role: ports.RoleHuman, Content: "hi"},
		{ID: "2", Role: ports.RoleAssistant, PendingCall: &ports.ToolCall{ID: "x", Name: "retrieve"}},
		{ID: "3", Role: ports.RoleTool, Content: "ctx", CallID: "x"},
	}
	want := "[human] hi (ID: 1)\n[assistant]  (ID: 2) call=retrieve:x\n[tool] ctx (ID: 3) call_id=x"
	assert.Equal(t, want, Format(turns))
}

func TestSessionSetConnectionWaitsForTurn(t *testing.T) {
	s := NewSession("s", NewConversation("s", nil, zerolog.Nop()), Params{LLMAPIKey: "old"}, zerolog.Nop())
	ctx := context.Background()

	snapshot, release, err := s.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", snapshot.LLMAPIKey)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.SetConnection(ctx, Params{LLMAPIKey: "new"})
	}()

	select {
	case <-done:
		t.Fatal("SetConnection landed during a turn")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	<-done

	assert.Equal(t, "new", s.Params().LLMAPIKey)
}

func TestSessionBeginHonoursContext(t *testing.T) {
	s := NewSession("s", NewConversation("s", nil, zerolog.Nop()), Params{}, zerolog.Nop())
	_, release, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = s.Begin(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParamsRedacted(t *testing.T) {
	p := Params{LLMAPIKey: "sk-1", Index: Connection{APIKey: "pc-1", IndexName: "idx"}}
	r := p.Redacted()
	assert.Equal(t, "***", r.LLMAPIKey)
	assert.Equal(t, "***", r.Index.APIKey)
	assert.Equal(t, "idx", r.Index.IndexName)
	assert.Equal(t, "sk-1", p.LLMAPIKey)
}

func mustAppend(t *testing.T, c *Conversation, turn ports.Turn) ports.Turn {
	t.Helper()
	out, err := c.Append(context.Background(), turn)
	require.NoError(t, err)
	return out
}
