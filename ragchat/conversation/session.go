package conversation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Connection holds the vector index parameters of a session.
type Connection struct {
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`
	IndexName      string `mapstructure:"index_name" yaml:"index_name"`
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model"`
}

// Params are the user-supplied session parameters: the model credential and
// the index connection.
type Params struct {
	LLMAPIKey string     `mapstructure:"llm_api_key" yaml:"llm_api_key"`
	Index     Connection `mapstructure:"index" yaml:"index"`
}

// Redacted returns a copy with every secret masked, for logging.
func (p Params) Redacted() Params {
	p.LLMAPIKey = mask(p.LLMAPIKey)
	p.Index.APIKey = mask(p.Index.APIKey)
	return p
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// Session owns one conversation and its parameters. Turns of a session are
// serialized through the turn lock; parameter updates take the same lock so
// they only land between turns.
type Session struct {
	id        string
	conv      *Conversation
	turnLock  chan struct{}
	params    Params
	createdAt time.Time
	logger    zerolog.Logger
}

// NewSession creates a session around an existing conversation.
func NewSession(id string, conv *Conversation, params Params, logger zerolog.Logger) *Session {
	return &Session{
		id:        id,
		conv:      conv,
		turnLock:  make(chan struct{}, 1),
		params:    params,
		createdAt: time.Now().UTC(),
		logger:    logger.With().Str("session_id", id).Logger(),
	}
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Conversation() *Conversation { return s.conv }
func (s *Session) CreatedAt() time.Time        { return s.createdAt }

// Begin acquires the turn lock and returns the parameter snapshot for the
// turn. The returned release func must be called exactly once.
func (s *Session) Begin(ctx context.Context) (Params, func(), error) {
	select {
	case s.turnLock <- struct{}{}:
	case <-ctx.Done():
		return Params{}, nil, ctx.Err()
	}
	snapshot := s.params
	return snapshot, func() { <-s.turnLock }, nil
}

// Params returns the current parameters, waiting for any turn in flight.
func (s *Session) Params() Params {
	s.turnLock <- struct{}{}
	defer func() { <-s.turnLock }()
	return s.params
}

// SetConnection replaces the session parameters between turns.
func (s *Session) SetConnection(ctx context.Context, params Params) error {
	select {
	case s.turnLock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.turnLock }()

	s.params = params
	s.logger.Debug().
		Str("index_name", params.Index.IndexName).
		Str("embedding_model", params.Index.EmbeddingModel).
		Bool("llm_key_set", params.LLMAPIKey != "").
		Msg("session parameters updated")
	return nil
}
