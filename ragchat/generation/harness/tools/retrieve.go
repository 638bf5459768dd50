package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/ragchat/ragchat/memory/service"
)

// RetrieveName is the tool name the routing prompt advertises.
const RetrieveName = "retrieve"

// RetrieveSchema defines the JSON schema for retrieve tool parameters,
// checked after session parameters have been merged in.
const RetrieveSchema = `{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "minLength": 1,
      "description": "Search query for the campus document index"
    },
    "pinecone_api_key": {
      "type": "string",
      "minLength": 1,
      "description": "API key of the vector index"
    },
    "pinecone_index_name": {
      "type": "string",
      "minLength": 1,
      "description": "Name of the vector index"
    },
    "embedding_model": {
      "type": "string",
      "minLength": 1,
      "description": "Embedding model the index was built with"
    }
  },
  "required": ["query", "pinecone_api_key", "pinecone_index_name", "embedding_model"]
}`

// Argument keys, with the short aliases models sometimes emit.
var (
	apiKeyKeys    = []string{"pinecone_api_key", "api_key"}
	indexNameKeys = []string{"pinecone_index_name", "index_name"}
	modelKeys     = []string{"embedding_model"}
)

// Retriever is the retrieval backend the tool runs.
type Retriever interface {
	Retrieve(ctx context.Context, req service.RetrievalRequest) service.RetrievalResult
}

// RetrieveTool exposes the Retriever as the model-callable "retrieve" tool.
type RetrieveTool struct {
	retriever Retriever
}

func NewRetrieveTool(r Retriever) *RetrieveTool {
	return &RetrieveTool{retriever: r}
}

func (t *RetrieveTool) Name() string   { return RetrieveName }
func (t *RetrieveTool) Schema() []byte { return []byte(RetrieveSchema) }

// Spec describes the tool for prompts.
func (t *RetrieveTool) Spec() ports.ToolSpec {
	return ports.ToolSpec{
		Name:        RetrieveName,
		Description: "Retrieve campus documents relevant to a query",
		JSONSchema:  t.Schema(),
	}
}

// Request merges the model's arguments with the session connection.
// Non-empty session values win; the model's values only fill gaps.
func (t *RetrieveTool) Request(args map[string]any, session service.IndexConnection) service.RetrievalRequest {
	return service.RetrievalRequest{
		Query: stringArg(args, "query"),
		Connection: service.IndexConnection{
			APIKey:         prefer(session.APIKey, stringArg(args, apiKeyKeys...)),
			IndexName:      prefer(session.IndexName, stringArg(args, indexNameKeys...)),
			EmbeddingModel: prefer(session.EmbeddingModel, stringArg(args, modelKeys...)),
		},
	}
}

// Arguments renders a request in schema form for validation.
func (t *RetrieveTool) Arguments(req service.RetrievalRequest) (json.RawMessage, error) {
	b, err := json.Marshal(map[string]string{
		"query":               req.Query,
		"pinecone_api_key":    req.Connection.APIKey,
		"pinecone_index_name": req.Connection.IndexName,
		"embedding_model":     req.Connection.EmbeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("encode retrieve arguments: %w", err)
	}
	return b, nil
}

// Invoke runs the retrieval. It never fails; failures come back as a
// diagnostic inside the result.
func (t *RetrieveTool) Invoke(ctx context.Context, req service.RetrievalRequest) service.RetrievalResult {
	return t.retriever.Retrieve(ctx, req)
}

func stringArg(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k]; ok {
			switch s := v.(type) {
			case string:
				if s = strings.TrimSpace(s); s != "" {
					return s
				}
			case fmt.Stringer:
				return s.String()
			}
		}
	}
	return ""
}

func prefer(primary, fallback string) string {
	if strings.TrimSpace(primary) != "" {
		return primary
	}
	return fallback
}
