package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/structpb"
)

// ContentKey is the metadata field holding a chunk's text.
const ContentKey = "text"

// PineconeOpener opens hosted Pinecone indexes. Index hosts are resolved
// once per (credential, index) pair.
type PineconeOpener struct {
	embedder EmbedderFactory
	logger   zerolog.Logger

	mu    sync.Mutex
	hosts map[string]string
}

func NewPineconeOpener(embedder EmbedderFactory, logger zerolog.Logger) *PineconeOpener {
	return &PineconeOpener{
		embedder: embedder,
		logger:   logger,
		hosts:    make(map[string]string),
	}
}

// Open implements IndexOpener.
func (o *PineconeOpener) Open(ctx context.Context, conn IndexConnection) (VectorStore, error) {
	pc, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: conn.APIKey})
	if err != nil {
		return nil, fmt.Errorf("%w: pinecone client: %v", ErrIndexRuntime, err)
	}

	host, err := o.resolveHost(ctx, pc, conn)
	if err != nil {
		return nil, err
	}

	embedder, err := o.embedder(conn.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding model %q: %v", ErrIndexRuntime, conn.EmbeddingModel, err)
	}

	return &pineconeStore{
		client:   pc,
		host:     host,
		index:    conn.IndexName,
		embedder: embedder,
		logger:   o.logger,
	}, nil
}

func (o *PineconeOpener) resolveHost(ctx context.Context, pc *pinecone.Client, conn IndexConnection) (string, error) {
	sum := sha256.Sum256([]byte(conn.APIKey))
	key := hex.EncodeToString(sum[:8]) + "/" + conn.IndexName

	o.mu.Lock()
	host, ok := o.hosts[key]
	o.mu.Unlock()
	if ok {
		return host, nil
	}

	idx, err := pc.DescribeIndex(ctx, conn.IndexName)
	if err != nil {
		return "", fmt.Errorf("%w: describe index %q: %v", ErrIndexRuntime, conn.IndexName, err)
	}
	if idx == nil || idx.Host == "" {
		return "", fmt.Errorf("%w: index %q has no host", ErrIndexRuntime, conn.IndexName)
	}

	o.mu.Lock()
	o.hosts[key] = idx.Host
	o.mu.Unlock()
	o.logger.Debug().Str("index", conn.IndexName).Str("host", idx.Host).Msg("resolved pinecone index host")
	return idx.Host, nil
}

type pineconeStore struct {
	client   *pinecone.Client
	host     string
	index    string
	embedder Embedder
	logger   zerolog.Logger
}

func (s *pineconeStore) SimilaritySearch(ctx context.Context, query string, k int) ([]Document, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrIndexRuntime, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for one query", ErrIndexRuntime, len(vecs))
	}

	conn, err := s.client.Index(pinecone.NewIndexConnParams{Host: s.host})
	if err != nil {
		return nil, fmt.Errorf("%w: connect index %q: %v", ErrIndexRuntime, s.index, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			s.logger.Debug().Err(cerr).Str("index", s.index).Msg("closing pinecone connection")
		}
	}()

	res, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          toFloat32(vecs[0]),
		TopK:            uint32(k),
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query index %q: %v", ErrIndexRuntime, s.index, err)
	}

	docs := make([]Document, 0, len(res.Matches))
	for _, m := range res.Matches {
		if m == nil || m.Vector == nil {
			continue
		}
		docs = append(docs, matchDocument(m.Vector.Id, m.Score, m.Vector.Metadata))
	}
	return docs, nil
}

// matchDocument splits the chunk text out of the match metadata; the rest
// of the metadata becomes the document's source.
func matchDocument(id string, score float32, md *structpb.Struct) Document {
	meta := map[string]any{}
	if md != nil {
		meta = md.AsMap()
	}
	content, _ := meta[ContentKey].(string)
	delete(meta, ContentKey)
	return Document{ID: id, Content: content, Metadata: meta, Score: float64(score)}
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
