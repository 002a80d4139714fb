package rag

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/bromic007/llamafarm-sub004/internal/models"
)

// fakeEncoder is a deterministic in-memory EncoderModel. Texts with an entry
// in vecs get that vector, everything else gets a stable hash-derived one.
// Errors queued in embedErrs are returned one per call before normal
// operation resumes; embedErr fails every call.
type fakeEncoder struct {
	mu        sync.Mutex
	calls     int
	batches   [][]string
	vecs      map[string][]float32
	dim       int
	embedErr  error
	embedErrs []error
	rerankFn  func(query string, docs []string) []models.RankedDocument
}

func (f *fakeEncoder) Load(ctx context.Context) error   { return nil }
func (f *fakeEncoder) Unload(ctx context.Context) error { return nil }

func (f *fakeEncoder) Embed(ctx context.Context, texts []string, normalize bool) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batches = append(f.batches, append([]string(nil), texts...))
	if len(f.embedErrs) > 0 {
		err := f.embedErrs[0]
		f.embedErrs = f.embedErrs[1:]
		return nil, err
	}
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := f.vecs[text]; ok {
			out[i] = v
			continue
		}
		out[i] = hashVector(text, f.dimension())
	}
	return out, nil
}

func (f *fakeEncoder) Rerank(ctx context.Context, query string, documents []string) ([]models.RankedDocument, error) {
	if f.rerankFn != nil {
		return f.rerankFn(query, documents), nil
	}
	ranked := make([]models.RankedDocument, len(documents))
	for i := range documents {
		ranked[i] = models.RankedDocument{Index: i, Score: 1 - float64(i)*0.1}
	}
	return ranked, nil
}

func (f *fakeEncoder) Classify(ctx context.Context, texts []string) ([]models.Classification, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeEncoder) ExtractEntities(ctx context.Context, texts []string) ([][]models.Entity, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeEncoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEncoder) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func (f *fakeEncoder) dimension() int {
	if f.dim > 0 {
		return f.dim
	}
	return 4
}

func hashVector(text string, dim int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	vec := make([]float32, dim)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(seed%1000)/1000 + 0.001
	}
	return vec
}

// fakeEncoderSource hands the same encoder to every strategy.
type fakeEncoderSource struct {
	enc models.EncoderModel
	err error
}

func (s *fakeEncoderSource) Encoder(ctx context.Context, strategy EmbeddingStrategy) (models.EncoderModel, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.enc, nil
}

// fakeStrategySource returns fixed strategies for every project.
type fakeStrategySource struct {
	processing ProcessingStrategy
	embedding  EmbeddingStrategy
	err        error
}

func (s *fakeStrategySource) IngestStrategies(namespace, project, database, strategyName string) (ProcessingStrategy, EmbeddingStrategy, error) {
	if s.err != nil {
		return ProcessingStrategy{}, EmbeddingStrategy{}, s.err
	}
	return s.processing, s.embedding, nil
}

func boolPtr(b bool) *bool { return &b }
