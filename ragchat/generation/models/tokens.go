package models

import (
	"github.com/rs/zerolog"
	tiktoken "github.com/weaviate/tiktoken-go"
)

// TiktokenCounter counts tokens with a BPE encoding such as cl100k_base.
// Without an encoding it uses the 4 characters per token estimate.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads encoding. An unknown or empty encoding yields a
// heuristic counter, logged at warn level.
func NewTiktokenCounter(encoding string, logger zerolog.Logger) *TiktokenCounter {
	if encoding == "" {
		return &TiktokenCounter{}
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warn().Err(err).Str("encoding", encoding).Msg("tokenizer unavailable, estimating token counts")
		return &TiktokenCounter{}
	}
	return &TiktokenCounter{enc: enc}
}

// Exact reports whether a real encoding is in use.
func (c *TiktokenCounter) Exact() bool { return c.enc != nil }

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}
