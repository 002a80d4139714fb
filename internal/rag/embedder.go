package rag

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
	"github.com/bromic007/llamafarm-sub004/internal/models"
)

const defaultEmbedCacheSize = 10000

// Embedder turns text into validated vectors using an encoder model. Calls
// pass through a circuit breaker shared with everything else that uses the
// same encoder; transient backend failures are retried with backoff, and
// repeated texts hit an LRU cache instead of the backend.
type Embedder struct {
	strategy EmbeddingStrategy
	encoder  models.EncoderModel
	breaker  *errors.CircuitBreaker
	cache    *lru.Cache[string, []float32]
	retry    errors.RetryConfig
	logger   logging.Logger
}

// NewEmbedder builds an embedder for one embedding strategy. The breaker may
// be nil, which disables failure isolation (tests mostly).
func NewEmbedder(strategy EmbeddingStrategy, encoder models.EncoderModel, breaker *errors.CircuitBreaker, logger logging.Logger) (*Embedder, error) {
	if encoder == nil {
		return nil, errors.InvalidArgumentf("embedder requires an encoder model")
	}
	cacheSize := strategy.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultEmbedCacheSize
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embed cache: %w", err)
	}
	return &Embedder{
		strategy: strategy,
		encoder:  encoder,
		breaker:  breaker,
		cache:    cache,
		retry:    errors.DefaultRetryConfig(),
		logger:   logging.OrNop(logger),
	}, nil
}

// EmbedTexts returns one vector per input text, in input order. Vectors are
// validated before anything is cached or returned; with fail_fast off,
// invalid vectors are replaced by zero vectors instead of failing the batch.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	var uncachedIndices []int
	var uncachedTexts []string
	for i, text := range texts {
		if cached, ok := e.cache.Get(text); ok {
			results[i] = cached
			continue
		}
		uncachedIndices = append(uncachedIndices, i)
		uncachedTexts = append(uncachedTexts, text)
	}
	if len(uncachedTexts) == 0 {
		return results, nil
	}

	vectors, err := e.embedInBatches(ctx, uncachedTexts)
	if err != nil {
		return nil, err
	}

	verrs := ValidateBatch(vectors, e.strategy.Dimension, e.strategy.AllowZero)
	if len(verrs) > 0 {
		if e.strategy.FailsFast() {
			return nil, invalidEmbeddingError(e.strategy.Model, verrs)
		}
		dim := e.substituteDimension(vectors, verrs)
		if dim == 0 {
			return nil, invalidEmbeddingError(e.strategy.Model, verrs)
		}
		for _, ve := range verrs {
			e.logger.Warn("Substituting zero vector for invalid embedding (%s): %s", e.strategy.Model, ve.Reason)
			vectors[ve.Index] = make([]float32, dim)
		}
	}

	invalid := make(map[int]bool, len(verrs))
	for _, ve := range verrs {
		invalid[ve.Index] = true
	}
	for i, idx := range uncachedIndices {
		if !invalid[i] {
			e.cache.Add(texts[idx], vectors[i])
		}
		results[idx] = vectors[i]
	}
	return results, nil
}

// EmbedQuery embeds a single query string. Queries always fail on an invalid
// vector; substitution would silently retrieve garbage.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.InvalidArgumentf("query text is empty")
	}
	if cached, ok := e.cache.Get(query); ok {
		return cached, nil
	}
	vectors, err := e.embedInBatches(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if err := ValidateEmbedding(vectors[0], e.strategy.Dimension, e.strategy.AllowZero); err != nil {
		return nil, errors.NewTransientError(
			fmt.Errorf("query embedding from %s: %w", e.strategy.Model, err),
			"The embedding model returned an unusable vector for this query. Retry, or check the encoder backend.")
	}
	e.cache.Add(query, vectors[0])
	return vectors[0], nil
}

func (e *Embedder) embedInBatches(ctx context.Context, texts []string) ([][]float32, error) {
	batchSize := e.strategy.EffectiveBatchSize()
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]
		vectors, err := e.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("encoder returned %d embeddings for %d texts", len(vectors), len(batch))
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// embedBatch runs one encoder call with retry around the breaker. A breaker
// that opens mid-retry surfaces as a degraded error, which stops the retry
// loop immediately instead of hammering a backend already known to be down.
func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	return errors.RetryWithResult(ctx, e.retry, func(ctx context.Context) ([][]float32, error) {
		if e.breaker == nil {
			return e.encoder.Embed(ctx, batch, e.strategy.Normalize)
		}
		return errors.ExecuteFunc(e.breaker, ctx, func(ctx context.Context) ([][]float32, error) {
			return e.encoder.Embed(ctx, batch, e.strategy.Normalize)
		})
	})
}

// substituteDimension picks the width for zero-vector substitution: the
// configured dimension, or that of any valid vector in the batch.
func (e *Embedder) substituteDimension(vectors [][]float32, verrs []ValidationError) int {
	if e.strategy.Dimension > 0 {
		return e.strategy.Dimension
	}
	invalid := make(map[int]bool, len(verrs))
	for _, ve := range verrs {
		invalid[ve.Index] = true
	}
	for i, v := range vectors {
		if !invalid[i] && len(v) > 0 {
			return len(v)
		}
	}
	return 0
}

func invalidEmbeddingError(model string, verrs []ValidationError) error {
	parts := make([]string, 0, len(verrs))
	for _, ve := range verrs {
		parts = append(parts, ve.Error())
	}
	return errors.NewTransientError(
		fmt.Errorf("encoder %s produced invalid embeddings: %s", model, strings.Join(parts, "; ")),
		"The embedding model returned unusable vectors. Retry, or check the encoder backend.")
}

// EncoderSource resolves the encoder backend serving an embedding strategy.
// The model manager implements this; tests plug in fakes.
type EncoderSource interface {
	Encoder(ctx context.Context, strategy EmbeddingStrategy) (models.EncoderModel, error)
}

// EmbedderPool hands out one Embedder per embedding strategy so the LRU
// cache and circuit breaker are shared by every ingest and query that uses
// the same encoder.
type EmbedderPool struct {
	encoders EncoderSource
	breakers *errors.CircuitBreakerManager
	logger   logging.Logger

	mu        sync.Mutex
	embedders map[string]*Embedder
}

// NewEmbedderPool builds a pool over an encoder source. breakers may be nil.
func NewEmbedderPool(encoders EncoderSource, breakers *errors.CircuitBreakerManager, logger logging.Logger) *EmbedderPool {
	return &EmbedderPool{
		encoders:  encoders,
		breakers:  breakers,
		logger:    logging.OrNop(logger),
		embedders: map[string]*Embedder{},
	}
}

// For returns the pooled embedder for a strategy, creating it on first use.
func (p *EmbedderPool) For(ctx context.Context, strategy EmbeddingStrategy) (*Embedder, error) {
	key := fmt.Sprintf("%s|%s|%t|%d", strategy.Model, strategy.BaseURL, strategy.Normalize, strategy.Dimension)
	p.mu.Lock()
	if e, ok := p.embedders[key]; ok {
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()

	encoder, err := p.encoders.Encoder(ctx, strategy)
	if err != nil {
		return nil, err
	}
	var breaker *errors.CircuitBreaker
	if p.breakers != nil {
		breaker = p.breakers.Get("embed:" + strategy.Model)
	}
	e, err := NewEmbedder(strategy, encoder, breaker, p.logger)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.embedders[key]; ok {
		return existing, nil
	}
	p.embedders[key] = e
	return e, nil
}
