package service

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/armon/go-radix"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/floats"
	"gopkg.in/yaml.v3"
)

const embedBatchSize = 16

// FlatIndex is an in-memory brute-force cosine index. Deleted documents are
// tombstoned in the live bitmap rather than compacted.
type FlatIndex struct {
	name           string
	embeddingModel string

	mu        sync.RWMutex
	docs      []Document
	vectors   [][]float64
	norms     []float64
	live      *roaring.Bitmap
	positions map[string]uint32
	dimension int
}

func newFlatIndex(name, embeddingModel string) *FlatIndex {
	return &FlatIndex{
		name:           name,
		embeddingModel: embeddingModel,
		live:           roaring.New(),
		positions:      make(map[string]uint32),
	}
}

// Len returns the number of live documents.
func (f *FlatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int(f.live.GetCardinality())
}

func (f *FlatIndex) upsert(doc Document, vector []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dimension == 0 {
		f.dimension = len(vector)
	}
	if len(vector) != f.dimension {
		return fmt.Errorf("vector dimension mismatch: expected %d, got %d", f.dimension, len(vector))
	}

	if pos, ok := f.positions[doc.ID]; ok {
		f.live.Remove(pos)
	}
	pos := uint32(len(f.docs))
	f.docs = append(f.docs, doc)
	f.vectors = append(f.vectors, vector)
	f.norms = append(f.norms, floats.Norm(vector, 2))
	f.positions[doc.ID] = pos
	f.live.Add(pos)
	return nil
}

// Delete tombstones a document. It reports whether the id was live.
func (f *FlatIndex) Delete(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, ok := f.positions[id]
	if !ok {
		return false
	}
	delete(f.positions, id)
	return f.live.CheckedRemove(pos)
}

// query ranks live documents by cosine similarity to vector.
func (f *FlatIndex) query(vector []float64, k int) ([]Document, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.live.IsEmpty() {
		return []Document{}, nil
	}
	if len(vector) != f.dimension {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", f.dimension, len(vector))
	}

	qnorm := floats.Norm(vector, 2)
	candidates := make([]Document, 0, f.live.GetCardinality())
	it := f.live.Iterator()
	for it.HasNext() {
		pos := it.Next()
		doc := f.docs[pos]
		doc.Score = cosine(vector, f.vectors[pos], qnorm, f.norms[pos])
		candidates = append(candidates, doc)
	}

	slices.SortStableFunc(candidates, func(a, b Document) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func cosine(a, b []float64, na, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// LocalOpener serves indexes held in process memory, keyed by name.
type LocalOpener struct {
	mu       sync.RWMutex
	registry *radix.Tree
	embedder EmbedderFactory
	apiKey   string
	workers  int
	metrics  *MetricsCollector
}

// LocalOption configures a LocalOpener.
type LocalOption func(*LocalOpener)

// WithRequiredAPIKey makes Open reject connections carrying another key.
func WithRequiredAPIKey(key string) LocalOption {
	return func(o *LocalOpener) { o.apiKey = key }
}

// WithEmbedWorkers bounds the goroutines used to embed seeded documents.
func WithEmbedWorkers(n int) LocalOption {
	return func(o *LocalOpener) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithSeedMetrics records seeding through m.
func WithSeedMetrics(m *MetricsCollector) LocalOption {
	return func(o *LocalOpener) { o.metrics = m }
}

func NewLocalOpener(embedder EmbedderFactory, opts ...LocalOption) *LocalOpener {
	o := &LocalOpener{
		registry: radix.New(),
		embedder: embedder,
		workers:  4,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open implements IndexOpener.
func (o *LocalOpener) Open(_ context.Context, conn IndexConnection) (VectorStore, error) {
	if o.apiKey != "" && conn.APIKey != o.apiKey {
		return nil, fmt.Errorf("%w: api key rejected for index %q", ErrIndexRuntime, conn.IndexName)
	}
	idx, ok := o.Index(conn.IndexName)
	if !ok {
		return nil, fmt.Errorf("%w: index %q not found", ErrIndexRuntime, conn.IndexName)
	}
	if idx.embeddingModel != conn.EmbeddingModel {
		return nil, fmt.Errorf("%w: index %q was built with embedding model %q, not %q",
			ErrIndexRuntime, conn.IndexName, idx.embeddingModel, conn.EmbeddingModel)
	}
	embedder, err := o.embedder(conn.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding model %q: %v", ErrIndexRuntime, conn.EmbeddingModel, err)
	}
	return &localStore{index: idx, embedder: embedder}, nil
}

// Index returns a registered index.
func (o *LocalOpener) Index(name string) (*FlatIndex, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.registry.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*FlatIndex), true
}

// Indexes lists registered index names starting with prefix.
func (o *LocalOpener) Indexes(prefix string) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var names []string
	o.registry.WalkPrefix(prefix, func(k string, _ interface{}) bool {
		names = append(names, k)
		return false
	})
	return names
}

// AddDocuments embeds docs with the named model and adds them to the index,
// creating it on first use. Documents without an id get one.
func (o *LocalOpener) AddDocuments(ctx context.Context, indexName, embeddingModel string, docs []Document) (err error) {
	start := time.Now()
	defer func() { o.metrics.RecordSeed(indexName, len(docs), time.Since(start), err) }()

	if indexName == "" || embeddingModel == "" {
		return fmt.Errorf("index name and embedding model are required")
	}
	idx, registered, err := o.indexFor(indexName, embeddingModel)
	if err != nil {
		return err
	}
	embedder, err := o.embedder(embeddingModel)
	if err != nil {
		return fmt.Errorf("embedding model %q: %w", embeddingModel, err)
	}

	vectors := make([][]float64, len(docs))
	p := pool.New().WithContext(ctx).WithMaxGoroutines(o.workers)
	for lo := 0; lo < len(docs); lo += embedBatchSize {
		hi := min(lo+embedBatchSize, len(docs))
		p.Go(func(ctx context.Context) error {
			texts := make([]string, 0, hi-lo)
			for _, d := range docs[lo:hi] {
				texts = append(texts, d.Content)
			}
			out, err := embedder.Embed(ctx, texts)
			if err != nil {
				return fmt.Errorf("embed documents %d-%d: %w", lo, hi, err)
			}
			if len(out) != len(texts) {
				return fmt.Errorf("embedder returned %d vectors for %d texts", len(out), len(texts))
			}
			copy(vectors[lo:hi], out)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	for i, d := range docs {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if err := idx.upsert(d, vectors[i]); err != nil {
			return fmt.Errorf("index %q: %w", indexName, err)
		}
	}
	if !registered {
		return o.register(idx)
	}
	return nil
}

// indexFor returns the registered index, or a new unregistered one. A new
// index becomes visible to Open only once its first documents are stored.
func (o *LocalOpener) indexFor(name, embeddingModel string) (*FlatIndex, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if v, ok := o.registry.Get(name); ok {
		idx := v.(*FlatIndex)
		if idx.embeddingModel != embeddingModel {
			return nil, false, fmt.Errorf("index %q uses embedding model %q", name, idx.embeddingModel)
		}
		return idx, true, nil
	}
	return newFlatIndex(name, embeddingModel), false, nil
}

func (o *LocalOpener) register(idx *FlatIndex) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.registry.Get(idx.name); ok {
		return fmt.Errorf("index %q was created concurrently", idx.name)
	}
	o.registry.Insert(idx.name, idx)
	return nil
}

type localStore struct {
	index    *FlatIndex
	embedder Embedder
}

func (s *localStore) SimilaritySearch(ctx context.Context, query string, k int) ([]Document, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrIndexRuntime, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for one query", ErrIndexRuntime, len(vecs))
	}
	return s.index.query(vecs[0], k)
}

// SeedFile is the YAML layout accepted by LoadSeedFile.
type SeedFile struct {
	Indexes []SeedIndex `yaml:"indexes"`
}

type SeedIndex struct {
	Name           string         `yaml:"name"`
	EmbeddingModel string         `yaml:"embedding_model"`
	Documents      []SeedDocument `yaml:"documents"`
}

type SeedDocument struct {
	ID       string         `yaml:"id"`
	Content  string         `yaml:"content"`
	Metadata map[string]any `yaml:"metadata"`
}

// LoadSeedFile reads a YAML seed file and adds its documents.
func (o *LocalOpener) LoadSeedFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for _, si := range seed.Indexes {
		docs := make([]Document, 0, len(si.Documents))
		for _, sd := range si.Documents {
			if strings.TrimSpace(sd.Content) == "" {
				continue
			}
			docs = append(docs, Document{ID: sd.ID, Content: sd.Content, Metadata: sd.Metadata})
		}
		if err := o.AddDocuments(ctx, si.Name, si.EmbeddingModel, docs); err != nil {
			return fmt.Errorf("seed index %q: %w", si.Name, err)
		}
	}
	return nil
}
