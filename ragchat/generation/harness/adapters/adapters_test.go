package adapters

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/ragchat/ragchat/db"
	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(2)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	_, ok := c.Get(ctx, "a") // a becomes most recent
	require.True(t, ok)
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))

	_, ok = c.Get(ctx, "b")
	assert.False(t, ok, "b should have been evicted")
	v, ok := c.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	assert.Equal(t, 2, c.Len())
}

func TestLRUCacheTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	c := NewLRUCache(4)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 10))
	_, ok := c.Get(ctx, "k")
	require.True(t, ok)

	now = now.Add(11 * time.Second)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUCacheCopiesValues(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(1)
	buf := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", buf, 0))
	buf[0] = 'z'

	v, _ := c.Get(ctx, "k")
	assert.Equal(t, "abc", string(v))
	v[1] = 'z'
	again, _ := c.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))

	require.NoError(t, c.Delete(ctx, "k"))
	require.NoError(t, c.Delete(ctx, "missing"))
	assert.Equal(t, 0, c.Len())
}

func TestKeyedLimiterWaitsForContext(t *testing.T) {
	l := NewKeyedLimiter(0.001, 1)

	release, err := l.Acquire(context.Background(), "model")
	require.NoError(t, err)
	release()

	// The bucket is empty and refills far slower than the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "model")
	require.Error(t, err)

	// Keys are independent.
	_, err = l.Acquire(context.Background(), "embeddings")
	assert.NoError(t, err)
}

func TestKeyedLimiterUnlimited(t *testing.T) {
	l := NewKeyedLimiter(0, 1)
	for range 50 {
		_, err := l.Acquire(context.Background(), "model")
		require.NoError(t, err)
	}
}

func TestZerologTracerNestsSpans(t *testing.T) {
	var buf bytes.Buffer
	tr := NewZerologTracer(zerolog.New(&buf).Level(zerolog.DebugLevel))

	ctx, finishTurn := tr.StartSpan(context.Background(), "turn", map[string]any{"session_id": "s1"})
	ctx, finishRetrieve := tr.StartSpan(ctx, "retrieve", nil)
	tr.Event(ctx, "tool_rejected", map[string]any{"tool": "retrieve"})
	finishRetrieve(errors.New("index unreachable"))
	finishTurn(nil)

	out := buf.String()
	assert.Contains(t, out, `"span":"retrieve"`)
	assert.Contains(t, out, `"session_id":"s1"`)
	assert.Contains(t, out, `"event":"tool_rejected"`)
	assert.Contains(t, out, `"error":"index unreachable"`)
	assert.Contains(t, out, `"event":"span_end"`)
}

func TestLibSQLConversationStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, filepath.Join(t.TempDir(), "turns.db"), zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()

	store := NewLibSQLConversationStore(conn)
	created := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	call := &ports.ToolCall{ID: "call-1", Name: "retrieve", Args: map[string]any{"query": "library hours"}}
	turns := []ports.Turn{
		{ID: "t1", Role: ports.RoleHuman, Content: "When is the library open?", CreatedAt: created},
		{ID: "t2", Role: ports.RoleAssistant, Content: `{"tool_call":{}}`, PendingCall: call, CreatedAt: created},
		{ID: "t3", Role: ports.RoleTool, Content: "Source: 1\nContent: 8am", CallID: "call-1", CreatedAt: created},
		{ID: "t4", Role: ports.RoleAssistant, Content: "From 8am.", CreatedAt: created},
	}
	for _, turn := range turns {
		require.NoError(t, store.SaveTurn(ctx, "conv-a", turn))
	}
	require.NoError(t, store.SaveTurn(ctx, "conv-b", ports.Turn{ID: "other", Role: ports.RoleHuman, Content: "hi", CreatedAt: created}))

	loaded, err := store.LoadTurns(ctx, "conv-a")
	require.NoError(t, err)
	assert.Equal(t, turns, loaded)

	require.NoError(t, store.DeleteConversation(ctx, "conv-a"))
	loaded, err = store.LoadTurns(ctx, "conv-a")
	require.NoError(t, err)
	assert.Empty(t, loaded)

	other, err := store.LoadTurns(ctx, "conv-b")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}
