package models

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/ragchat/ragchat/memory/service"
	"github.com/rs/zerolog"
)

// CachedEmbedder memoizes embeddings per (model, text) in a ports.Cache.
// Only the misses of a batch reach the wrapped embedder.
type CachedEmbedder struct {
	inner service.Embedder
	cache ports.Cache
	model  string
	ttl    int
	logger zerolog.Logger
}

func NewCachedEmbedder(inner service.Embedder, cache ports.Cache, model string, ttlSeconds int, logger zerolog.Logger) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache, model: model, ttl: ttlSeconds, logger: logger}
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var (
		missing []string
		slots   []int
	)
	for i, t := range texts {
		if b, ok := c.cache.Get(ctx, c.key(t)); ok {
			if v, ok := decodeVector(b); ok {
				out[i] = v
				continue
			}
		}
		missing = append(missing, t)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(missing))
	}
	for j, v := range vectors {
		out[slots[j]] = v
		if err := c.cache.Set(ctx, c.key(missing[j]), encodeVector(v), c.ttl); err != nil {
			c.logger.Debug().Err(err).Str("model", c.model).Msg("embedding not cached")
		}
	}
	return out, nil
}

func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}

func encodeVector(v []float64) []byte {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(x))
	}
	return b
}

func decodeVector(b []byte) ([]float64, bool) {
	if len(b)%8 != 0 {
		return nil, false
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v, true
}

var _ service.Embedder = (*CachedEmbedder)(nil)
