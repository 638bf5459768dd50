package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"gopkg.in/yaml.v3"
)

const defaultRoutingPrompt = `You are a helpful assistant with access to a specialized document database containing information related to university files and educational resources.

FIRST EVALUATE THE USER'S QUERY CAREFULLY:
1. If the user is asking about the conversation itself (chat history, previous messages, or your capabilities), answer directly from the conversation history.
2. If the user is making casual conversation or asking general questions, answer directly without using tools.
3. ONLY call the tool '{{.Tool}}' if the user is explicitly requesting information about:
   - University academic content, courses, or materials
   - Campus facilities or services
   - Administrative procedures or documents
   - Faculty information or contacts
   - Student resources or academic policies

DO NOT call the tool for:
- Questions about the current conversation
- Personal questions to you
- General knowledge questions
- Questions about what the user previously said or asked
- Clarification requests

IMPORTANT: When calling the tool, respond with ONLY a valid JSON object. No explanations or additional text before or after.
The JSON must be formatted exactly as shown, with no line breaks within values:

{"tool_call": {"function": "{{.Tool}}", "arguments": {"query": "<your query>", "pinecone_api_key": "<session>", "pinecone_index_name": "{{.IndexName}}", "embedding_model": "{{.EmbeddingModel}}"}}}

If no external specialized information is required, answer directly.`

const defaultGroundingPrompt = `You are a knowledgeable and helpful assistant specialized in official university documents and educational resources.

Your task is to answer the user's question as accurately and clearly as possible, using ONLY the information provided in the context below.

Guidelines:
- Base your answer strictly on the context. Do NOT use prior knowledge.
- If the answer is not present or cannot be inferred from the context, state that the information is not available.
- Be concise, objective, and formal in your response.

Relevant context from university documents:

{{.Context}}`

const defaultNoContextPrompt = `You are a knowledgeable and helpful assistant specialized in official university documents and educational resources.

No context is available for this question: the document search returned nothing usable.
Do NOT use prior knowledge. Tell the user that the information is not available and, if it helps, suggest rephrasing the question.`

// PromptSet holds the instruction templates of a turn. Routing and Grounding
// are text/template sources.
type PromptSet struct {
	Routing   string `yaml:"routing"`
	Grounding string `yaml:"grounding"`
	NoContext string `yaml:"no_context"`
}

// DefaultPromptSet returns the built-in prompts.
func DefaultPromptSet() PromptSet {
	return PromptSet{
		Routing:   defaultRoutingPrompt,
		Grounding: defaultGroundingPrompt,
		NoContext: defaultNoContextPrompt,
	}
}

// LoadPromptSet reads overrides from a YAML file; empty fields keep the
// defaults.
func LoadPromptSet(path string) (PromptSet, error) {
	set := DefaultPromptSet()
	if path == "" {
		return set, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return set, fmt.Errorf("read prompts file: %w", err)
	}
	var override PromptSet
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return set, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	if strings.TrimSpace(override.Routing) != "" {
		set.Routing = override.Routing
	}
	if strings.TrimSpace(override.Grounding) != "" {
		set.Grounding = override.Grounding
	}
	if strings.TrimSpace(override.NoContext) != "" {
		set.NoContext = override.NoContext
	}
	return set, nil
}

// RoutingVars are the values the routing template may reference.
type RoutingVars struct {
	Tool           string
	IndexName      string
	EmbeddingModel string
}

// PromptBuilder assembles model-ready inputs from instructions and turns.
type PromptBuilder struct {
	routing   *template.Template
	grounding *template.Template
	noContext string
}

// NewPromptBuilder parses the templates of set.
func NewPromptBuilder(set PromptSet) (*PromptBuilder, error) {
	routing, err := template.New("routing").Option("missingkey=error").Parse(set.Routing)
	if err != nil {
		return nil, fmt.Errorf("parse routing prompt: %w", err)
	}
	grounding, err := template.New("grounding").Option("missingkey=error").Parse(set.Grounding)
	if err != nil {
		return nil, fmt.Errorf("parse grounding prompt: %w", err)
	}
	return &PromptBuilder{routing: routing, grounding: grounding, noContext: set.NoContext}, nil
}

// Routing builds the routing call input.
func (b *PromptBuilder) Routing(vars RoutingVars, history []ports.Turn, meta map[string]string) (ports.PromptInput, error) {
	var sb bytes.Buffer
	if err := b.routing.Execute(&sb, vars); err != nil {
		return ports.PromptInput{}, fmt.Errorf("render routing prompt: %w", err)
	}
	return b.Build(sb.String(), history, meta), nil
}

// Grounding builds the generation call input. An empty context selects the
// no-context instruction.
func (b *PromptBuilder) Grounding(context string, history []ports.Turn, meta map[string]string) (ports.PromptInput, error) {
	if strings.TrimSpace(context) == "" {
		return b.Build(b.noContext, history, meta), nil
	}
	var sb bytes.Buffer
	if err := b.grounding.Execute(&sb, struct{ Context string }{context}); err != nil {
		return ports.PromptInput{}, fmt.Errorf("render grounding prompt: %w", err)
	}
	return b.Build(sb.String(), history, meta), nil
}

// Build flattens system text and turns into a Provider PromptInput.
func (b *PromptBuilder) Build(system string, turns []ports.Turn, meta map[string]string) ports.PromptInput {
	// Normalize newlines and trim whitespace to reduce prompt diffs for caching
	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

	messages := make([]ports.PromptMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, ports.PromptMessage{Role: t.Role, Content: norm(t.Content)})
	}
	return ports.PromptInput{
		System:   norm(system),
		Messages: messages,
		Meta:     meta,
	}
}
