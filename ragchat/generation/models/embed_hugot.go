package models

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ZanzyTHEbar/ragchat/ragchat/memory/service"
	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
)

// HugotEmbedder runs a sentence-transformer ONNX model in process with the
// pure Go hugot backend.
type HugotEmbedder struct {
	mu        sync.Mutex
	session   *hugot.Session
	pipeline  *pipelines.FeatureExtractionPipeline
	dimension int
}

// NewHugotEmbedder loads the model stored in modelPath/model. The model
// directory holds model.onnx and its tokenizer.json.
func NewHugotEmbedder(modelPath, model string) (*HugotEmbedder, error) {
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("hugot session: %w", err)
	}

	cfg := hugot.FeatureExtractionConfig{
		ModelPath:    filepath.Join(modelPath, model),
		Name:         model,
		OnnxFilename: "model.onnx",
		Options: []hugot.FeatureExtractionOption{
			pipelines.WithNormalization(),
		},
	}
	pipeline, err := hugot.NewPipeline(session, cfg)
	if err != nil {
		_ = session.Destroy()
		return nil, fmt.Errorf("hugot pipeline %q: %w", model, err)
	}

	e := &HugotEmbedder{session: session, pipeline: pipeline}
	probe, err := e.run([]string{"dimension probe"})
	if err != nil {
		_ = session.Destroy()
		return nil, err
	}
	e.dimension = len(probe[0])
	return e, nil
}

func (e *HugotEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.run(texts)
}

func (e *HugotEmbedder) run(texts []string) ([][]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("hugot embed: %w", err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("hugot embed: got %d vectors for %d inputs", len(res.Embeddings), len(texts))
	}
	out := make([][]float64, len(res.Embeddings))
	for i, v := range res.Embeddings {
		out[i] = widen(v)
	}
	return out, nil
}

func (e *HugotEmbedder) Dimension() int { return e.dimension }

// Close releases the runtime session.
func (e *HugotEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Destroy()
}

var _ service.Embedder = (*HugotEmbedder)(nil)
