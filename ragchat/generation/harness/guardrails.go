package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Guardrails validates tool invocations and masks secrets in text bound
// for logs.
type Guardrails struct {
	allowlist     map[string]bool
	outputFilters []*regexp.Regexp
	jsonValidator *JSONValidator
}

// NewGuardrails creates guardrails with the default redaction patterns.
func NewGuardrails() *Guardrails {
	return &Guardrails{
		allowlist: make(map[string]bool),
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)"[a-z_]*(api_key|password|secret|token)"\s*:\s*"[^"]*"`),
			regexp.MustCompile(`(?i)(api[_-]?key|password|secret|token)[:=]\s*\S+`),
			regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`),
			regexp.MustCompile(`\bpcsk_[A-Za-z0-9_-]{8,}`),
		},
		jsonValidator: NewJSONValidator(),
	}
}

// AddAllowedTool adds a tool to the allowlist.
func (g *Guardrails) AddAllowedTool(name string) {
	g.allowlist[name] = true
}

// RemoveAllowedTool removes a tool from the allowlist.
func (g *Guardrails) RemoveAllowedTool(name string) {
	delete(g.allowlist, name)
}

// ValidateToolCall checks that a tool is allowed and its arguments satisfy
// the tool's schema.
func (g *Guardrails) ValidateToolCall(name string, args json.RawMessage, schema []byte) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if !g.allowlist[name] {
		return fmt.Errorf("tool %s is not in allowlist", name)
	}
	return g.jsonValidator.Validate(args, schema)
}

// SanitizeOutput masks credentials in text.
func (g *Guardrails) SanitizeOutput(output string) string {
	sanitized := output
	for _, filter := range g.outputFilters {
		sanitized = filter.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}

// JSONValidator handles JSON schema validation.
type JSONValidator struct{}

// NewJSONValidator creates a new JSON validator.
func NewJSONValidator() *JSONValidator {
	return &JSONValidator{}
}

// Validate checks if JSON data conforms to a schema.
func (v *JSONValidator) Validate(data json.RawMessage, schema []byte) error {
	if len(schema) == 0 {
		return nil
	}
	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(problems, "; "))
	}
	return nil
}
