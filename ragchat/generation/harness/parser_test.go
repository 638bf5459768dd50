package harness

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractStrictCall(t *testing.T) {
	p := NewOutputParser(zerolog.Nop())
	call, ok := p.Extract(`{"tool_call": {"id": "abc", "function": "retrieve", "arguments": {"query": "library"}}}`)
	require.True(t, ok)
	assert.Equal(t, "abc", call.ID)
	assert.Equal(t, "retrieve", call.Name)
	assert.Equal(t, map[string]any{"query": "library"}, call.Args)
}

func TestExtractRecoversMissingBrace(t *testing.T) {
	p := NewOutputParser(zerolog.Nop())
	call, ok := p.Extract(`{"tool_call": {"function": "retrieve", "arguments": {"query": "x"}}`)
	require.True(t, ok)
	assert.Equal(t, "retrieve", call.Name)
	assert.Equal(t, "x", call.Args["query"])
	assert.NotEmpty(t, call.ID)
}

func TestExtractRecoversMissingBraceInProse(t *testing.T) {
	p := NewOutputParser(zerolog.Nop())
	call, ok := p.Extract(`Checking now {"tool_call": {"function": "retrieve", "arguments": {"query": "x"}} thanks`)
	require.True(t, ok)
	assert.Equal(t, "retrieve", call.Name)
	assert.Equal(t, "x", call.Args["query"])
}

func TestExtractEmbeddedInProse(t *testing.T) {
	p := NewOutputParser(zerolog.Nop())
	raw := "Sure, let me look that up.\n{\"tool_call\": {\"name\": \"retrieve\",\n  \"arguments\": \"{\\\"query\\\": \\\"gym\\\"}\"}}\nOne moment."
	call, ok := p.Extract(raw)
	require.True(t, ok)
	assert.Equal(t, "retrieve", call.Name)
	assert.Equal(t, "gym", call.Args["query"])
}

func TestExtractIgnoresTrailingBraces(t *testing.T) {
	p := NewOutputParser(zerolog.Nop())
	cases := map[string]string{
		"prose after":  `Sure: {"tool_call": {"function": "retrieve", "arguments": {"query": "x"}}} (format: {json})`,
		"object first": `{"tool_call": {"function": "retrieve", "arguments": {"query": "x"}}} then {"other": 1}`,
		"prose before": `Reply in {json} form. {"tool_call": {"function": "retrieve", "arguments": {"query": "x"}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			call, ok := p.Extract(raw)
			require.True(t, ok)
			assert.Equal(t, "retrieve", call.Name)
			assert.Equal(t, "x", call.Args["query"])
		})
	}
}

func TestExtractNoCall(t *testing.T) {
	p := NewOutputParser(zerolog.Nop())
	cases := map[string]string{
		"prose":            "The library opens at 9am.",
		"empty":            "   ",
		"json without key": `{"answer": "4"}`,
		"nameless call":    `{"tool_call": {"arguments": {"query": "x"}}}`,
		"bad arguments":    `{"tool_call": {"function": "retrieve", "arguments": 7}}`,
		"garbage":          "{{{not json",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := p.Extract(raw)
			assert.False(t, ok)
		})
	}
}

func TestExtractTopLevelID(t *testing.T) {
	p := NewOutputParser(zerolog.Nop())
	call, ok := p.Extract(`{"id": "outer", "tool_call": {"function": "retrieve", "arguments": {}}}`)
	require.True(t, ok)
	assert.Equal(t, "outer", call.ID)
}

func TestExtractGeneratesDistinctIDs(t *testing.T) {
	p := NewOutputParser(zerolog.Nop())
	raw := `{"tool_call": {"function": "retrieve", "arguments": {"query": "x"}}}`
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		call, ok := p.Extract(raw)
		require.True(t, ok)
		seen[call.ID] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestExtractCustomIDGenerator(t *testing.T) {
	p := NewOutputParser(zerolog.Nop(), WithIDGenerator(func() string { return "fixed" }))
	call, ok := p.Extract(`{"tool_call": {"function": "retrieve", "arguments": {}}}`)
	require.True(t, ok)
	assert.Equal(t, "fixed", call.ID)
}

func TestExtractRedactsLoggedPreview(t *testing.T) {
	var buf bytes.Buffer
	g := NewGuardrails()
	p := NewOutputParser(zerolog.New(&buf), WithRedactor(g.SanitizeOutput))

	_, ok := p.Extract("my key is sk-abcdefghijklmnop " + strings.Repeat("x", 400))
	require.False(t, ok)
	out := buf.String()
	assert.Contains(t, out, "no tool call detected")
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "sk-abcdefghijklmnop")
	assert.NotContains(t, out, strings.Repeat("x", 300))
}

func TestExtractRecoversFromPanic(t *testing.T) {
	p := NewOutputParser(zerolog.Nop(), WithIDGenerator(func() string { panic("id source down") }))
	_, ok := p.Extract(`{"tool_call": {"function": "retrieve", "arguments": {}}}`)
	assert.False(t, ok)
}

func TestPreviewKeepsRunesWhole(t *testing.T) {
	p := NewOutputParser(zerolog.Nop())
	got := p.preview("a" + strings.Repeat("é", previewLimit))
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), previewLimit+len("..."))
}
