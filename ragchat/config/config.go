package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/ragchat/ragchat"
	"github.com/ZanzyTHEbar/ragchat/ragchat/conversation"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RAGCHAT_LLM_MODEL.
const EnvPrefix = "RAGCHAT"

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm"`
	Harness   HarnessConfig   `mapstructure:"harness"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Session   SessionConfig   `mapstructure:"session"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

// LLMConfig stores language model configurations.
type LLMConfig struct {
	BaseURL             string        `mapstructure:"base_url"`               // OpenAI-compatible endpoint
	Model               string        `mapstructure:"model"`                  // Model name
	Temperature         float32       `mapstructure:"temperature"`            // Sampling temperature
	MaxNewTokens        int           `mapstructure:"max_new_tokens"`         // Max tokens for answers
	RoutingMaxNewTokens int           `mapstructure:"routing_max_new_tokens"` // Max tokens for the routing call
	Timeout             time.Duration `mapstructure:"timeout"`                // Per call
}

// HarnessConfig stores turn engine configurations.
type HarnessConfig struct {
	// History budget
	MaxHistoryTokens  int    `mapstructure:"max_history_tokens"`
	TokenizerEncoding string `mapstructure:"tokenizer_encoding"` // tiktoken encoding, empty for the heuristic
	MessageOverhead   int    `mapstructure:"message_overhead"`   // Tokens charged per message

	// Cache settings
	CacheEnabled    bool `mapstructure:"cache_enabled"`     // Cache query embeddings
	CacheCapacity   int  `mapstructure:"cache_capacity"`    // LRU cache capacity
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"` // Cache entry TTL

	// Rate limiting
	RateLimitEnabled bool    `mapstructure:"rate_limit_enabled"`
	RateLimitPerSec  float64 `mapstructure:"rate_limit_per_sec"` // Sustained model calls per second
	RateLimitBurst   int     `mapstructure:"rate_limit_burst"`

	// Safety and validation
	EnableGuardrails bool     `mapstructure:"enable_guardrails"`
	AllowedTools     []string `mapstructure:"allowed_tools"`

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"`

	ResetDelay  time.Duration `mapstructure:"reset_delay"`  // Wait before clearing a session after an auth failure
	PromptsFile string        `mapstructure:"prompts_file"` // Optional YAML prompt overrides
	Greeting    string        `mapstructure:"greeting"`
}

// RetrievalConfig stores vector index configurations.
type RetrievalConfig struct {
	Backend           string        `mapstructure:"backend"` // "pinecone", "local"
	TopK              int           `mapstructure:"top_k"`
	Timeout           time.Duration `mapstructure:"timeout"`
	EmbeddingProvider string        `mapstructure:"embedding_provider"` // "openai", "hugot"
	EmbeddingBaseURL  string        `mapstructure:"embedding_base_url"` // OpenAI-compatible embeddings endpoint
	EmbeddingAPIKey   string        `mapstructure:"embedding_api_key"`
	HugotModelPath    string        `mapstructure:"hugot_model_path"` // Local ONNX model directory
	SeedFile          string        `mapstructure:"seed_file"`        // YAML documents for the local backend
	EmbedWorkers      int           `mapstructure:"embed_workers"`
	LocalAPIKey       string        `mapstructure:"local_api_key"` // Key the local backend requires, empty for any
}

// IndexConfig is the index part of the session parameters.
type IndexConfig struct {
	APIKey         string `mapstructure:"api_key"`
	IndexName      string `mapstructure:"index_name"`
	EmbeddingModel string `mapstructure:"embedding_model"`
}

// SessionConfig holds the user-supplied parameters new sessions start with.
type SessionConfig struct {
	LLMAPIKey string      `mapstructure:"llm_api_key"`
	Index     IndexConfig `mapstructure:"index"`
}

// Params converts the section into session parameters.
func (s SessionConfig) Params() conversation.Params {
	return conversation.Params{
		LLMAPIKey: s.LLMAPIKey,
		Index: conversation.Connection{
			APIKey:         s.Index.APIKey,
			IndexName:      s.Index.IndexName,
			EmbeddingModel: s.Index.EmbeddingModel,
		},
	}
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"` // Persist turns
	Type    string `mapstructure:"type"`
	Path    string `mapstructure:"path"`
}

// Loader reads configuration with its own viper instance.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// Viper exposes the underlying instance, e.g. for flag binding.
func (l *Loader) Viper() *viper.Viper { return l.v }

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	return NewLoader().Load(configPath)
}

// Load reads configuration from configPath, or from the default search
// locations when it is empty. A missing file in the search locations is not
// an error; a missing explicit file is.
func (l *Loader) Load(configPath string) (*Config, error) {
	v := l.v
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. session.llm_api_key becomes RAGCHAT_SESSION_LLM_API_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFileUsed returns the file the configuration came from, if any.
func (l *Loader) ConfigFileUsed() string { return l.v.ConfigFileUsed() }

func setDefaults(v *viper.Viper) {
	// LLM defaults (Maritaca sabia-3 through its OpenAI-compatible API)
	v.SetDefault("llm.base_url", "https://chat.maritaca.ai/api")
	v.SetDefault("llm.model", "sabia-3")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_new_tokens", 2048)
	v.SetDefault("llm.routing_max_new_tokens", 1024)
	v.SetDefault("llm.timeout", "60s")

	// Harness defaults
	v.SetDefault("harness.max_history_tokens", 50000)
	v.SetDefault("harness.tokenizer_encoding", "cl100k_base")
	v.SetDefault("harness.message_overhead", 3)
	v.SetDefault("harness.cache_enabled", true)
	v.SetDefault("harness.cache_capacity", 1000)
	v.SetDefault("harness.cache_ttl_seconds", 3600) // 1 hour
	v.SetDefault("harness.rate_limit_enabled", true)
	v.SetDefault("harness.rate_limit_per_sec", 2.0)
	v.SetDefault("harness.rate_limit_burst", 4)
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.allowed_tools", []string{"retrieve"})
	v.SetDefault("harness.enable_tracing", true)
	v.SetDefault("harness.reset_delay", "4s")
	v.SetDefault("harness.prompts_file", "")
	v.SetDefault("harness.greeting", internal.DefaultGreeting)

	// Retrieval defaults
	v.SetDefault("retrieval.backend", "pinecone")
	v.SetDefault("retrieval.top_k", 3)
	v.SetDefault("retrieval.timeout", "30s")
	v.SetDefault("retrieval.embedding_provider", "openai")
	v.SetDefault("retrieval.embedding_base_url", "http://localhost:11434/v1") // Ollama
	v.SetDefault("retrieval.embedding_api_key", "ollama")
	v.SetDefault("retrieval.hugot_model_path", filepath.Join(internal.DefaultCacheDir, "models"))
	v.SetDefault("retrieval.seed_file", "")
	v.SetDefault("retrieval.embed_workers", 4)
	v.SetDefault("retrieval.local_api_key", "")

	// Session defaults, empty until the user provides them
	v.SetDefault("session.llm_api_key", "")
	v.SetDefault("session.index.api_key", "")
	v.SetDefault("session.index.index_name", "")
	v.SetDefault("session.index.embedding_model", "")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.type", internal.DefaultDatabaseType)
	v.SetDefault("database.path", internal.DefaultDatabasePath)
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string
	if c.LLM.Model == "" {
		problems = append(problems, "llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		problems = append(problems, fmt.Sprintf("llm.temperature %.2f out of range [0,2]", c.LLM.Temperature))
	}
	if c.Harness.MaxHistoryTokens <= 0 {
		problems = append(problems, "harness.max_history_tokens must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		problems = append(problems, "retrieval.top_k must be positive")
	}
	switch c.Retrieval.Backend {
	case "pinecone", "local":
	default:
		problems = append(problems, fmt.Sprintf("retrieval.backend %q must be pinecone or local", c.Retrieval.Backend))
	}
	switch c.Retrieval.EmbeddingProvider {
	case "openai", "hugot":
	default:
		problems = append(problems, fmt.Sprintf("retrieval.embedding_provider %q must be openai or hugot", c.Retrieval.EmbeddingProvider))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
