package harness

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

const previewLimit = 200

// parseStrategy turns normalized text into a JSON object, or reports failure.
type parseStrategy struct {
	name  string
	parse func(text string) (map[string]any, bool)
}

// OutputParser extracts a tool call from free-form model output. It never
// errors: anything that is not a well-formed call is "no call".
type OutputParser struct {
	strategies []parseStrategy
	spanOnly   []parseStrategy
	redact     func(string) string
	newID      func() string
	logger     zerolog.Logger
}

// ParserOption configures an OutputParser.
type ParserOption func(*OutputParser)

// WithRedactor sets the function applied to output previews before logging.
func WithRedactor(redact func(string) string) ParserOption {
	return func(p *OutputParser) {
		if redact != nil {
			p.redact = redact
		}
	}
}

// WithIDGenerator overrides the id source for calls that arrive without one.
func WithIDGenerator(gen func() string) ParserOption {
	return func(p *OutputParser) {
		if gen != nil {
			p.newID = gen
		}
	}
}

// NewOutputParser creates a parser with the default strategy chain.
func NewOutputParser(logger zerolog.Logger, opts ...ParserOption) *OutputParser {
	span := parseStrategy{name: "span", parse: parseSpan}
	p := &OutputParser{
		strategies: []parseStrategy{
			{name: "strict", parse: parseStrict},
			{name: "balanced", parse: parseBalanced},
			span,
		},
		spanOnly: []parseStrategy{span},
		redact:   func(s string) string { return s },
		newID:    uuid.NewString,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Extract returns the tool call carried by raw, if any.
func (p *OutputParser) Extract(raw string) (call ports.ToolCall, ok bool) {
	var pc panics.Catcher
	pc.Try(func() {
		call, ok = p.extract(raw)
	})
	if r := pc.Recovered(); r != nil {
		p.logger.Warn().Str("panic", r.String()).Str("preview", p.preview(raw)).Msg("tool call extraction panicked")
		return ports.ToolCall{}, false
	}
	return call, ok
}

func (p *OutputParser) extract(raw string) (ports.ToolCall, bool) {
	text := whitespaceRun.ReplaceAllString(strings.TrimSpace(raw), " ")
	if text == "" {
		return ports.ToolCall{}, false
	}

	chain := p.strategies
	if !strings.HasPrefix(text, "{") {
		chain = p.spanOnly
	}

	for _, s := range chain {
		obj, ok := s.parse(text)
		if !ok {
			continue
		}
		call, ok := p.normalize(obj)
		if !ok {
			// A parsed object without a well-formed tool_call is final.
			break
		}
		p.logger.Debug().Str("strategy", s.name).Str("tool", call.Name).Str("call_id", call.ID).Msg("tool call extracted")
		return call, true
	}

	p.logger.Info().Str("preview", p.preview(raw)).Msg("no tool call detected")
	return ports.ToolCall{}, false
}

func (p *OutputParser) normalize(obj map[string]any) (ports.ToolCall, bool) {
	tc, ok := obj["tool_call"].(map[string]any)
	if !ok {
		return ports.ToolCall{}, false
	}

	name, _ := tc["function"].(string)
	if name == "" {
		name, _ = tc["name"].(string)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ports.ToolCall{}, false
	}

	args, ok := decodeArguments(tc["arguments"])
	if !ok {
		return ports.ToolCall{}, false
	}

	id, _ := tc["id"].(string)
	if id == "" {
		id, _ = obj["id"].(string)
	}
	if id = strings.TrimSpace(id); id == "" {
		id = p.newID()
	}

	return ports.ToolCall{ID: id, Name: name, Args: args}, true
}

// decodeArguments accepts an object, or a string holding a JSON object.
func decodeArguments(v any) (map[string]any, bool) {
	switch a := v.(type) {
	case map[string]any:
		return a, true
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(a), &m); err != nil || m == nil {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

func (p *OutputParser) preview(raw string) string {
	s := p.redact(raw)
	if len(s) > previewLimit {
		cut := previewLimit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

func parseStrict(text string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// parseBalanced appends the missing closing braces and retries once.
func parseBalanced(text string) (map[string]any, bool) {
	open := strings.Count(text, "{")
	closed := strings.Count(text, "}")
	if open <= closed {
		return nil, false
	}
	return parseStrict(text + strings.Repeat("}", open-closed))
}

// parseSpan recovers the first JSON object embedded in surrounding prose.
// Text after the object is ignored. A truncated object gets its closing
// braces appended.
func parseSpan(text string) (map[string]any, bool) {
	end := strings.LastIndexByte(text, '}')
	for i := strings.IndexByte(text, '{'); i >= 0 && i < end; {
		var obj map[string]any
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&obj); err == nil && obj != nil {
			return obj, true
		}
		if obj, ok := parseBalanced(text[i : end+1]); ok {
			return obj, true
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, false
}
