// Package rag implements the retrieval-augmented-generation substrate:
// data-processing strategies that turn files into embedded chunks, vector
// stores that persist them per database, and the retrieval pipeline that
// answers queries against them.
package rag

import (
	"strings"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

// Document is one unit of parsed content. Parsers emit documents; extractors
// transform them; the chunker splits their content.
type Document struct {
	ID       string            `json:"id"`
	Source   string            `json:"source"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Chunk is a contiguous slice of document text sized for the embedding
// model's input window.
type Chunk struct {
	Index    int
	Text     string
	Tokens   int
	Metadata map[string]string
}

// RetrievedChunk is one retrieval result in the shape handlers return.
type RetrievedChunk struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score"`
}

// EmbeddingStrategy names an embedder configuration. Referenced by databases
// and resolvable through a project's components section.
type EmbeddingStrategy struct {
	Name      string `yaml:"name,omitempty" json:"name,omitempty"`
	Model     string `yaml:"model" json:"model"`
	BaseURL   string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey    string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Dimension int    `yaml:"dimension,omitempty" json:"dimension,omitempty"`
	Normalize bool   `yaml:"normalize,omitempty" json:"normalize,omitempty"`
	BatchSize int    `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	CacheSize int    `yaml:"cache_size,omitempty" json:"cache_size,omitempty"`

	// AllowZero accepts all-zero vectors instead of rejecting them.
	AllowZero bool `yaml:"allow_zero,omitempty" json:"allow_zero,omitempty"`

	// FailFast decides what an invalid embedding does to the file being
	// ingested: fail it (default) or substitute a zero vector.
	FailFast *bool `yaml:"fail_fast,omitempty" json:"fail_fast,omitempty"`
}

// EffectiveBatchSize returns the embed batch cap, defaulting to 64.
func (s EmbeddingStrategy) EffectiveBatchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return 64
}

// FailsFast reports whether invalid embeddings fail the file (the default).
func (s EmbeddingStrategy) FailsFast() bool {
	if s.FailFast == nil {
		return true
	}
	return *s.FailFast
}

// Retrieval strategy types.
const (
	RetrievalSimilarity = "similarity"
	RetrievalHybrid     = "hybrid"
	RetrievalRerank     = "rerank"
)

// RetrievalStrategy names a retrieval configuration: how candidates are
// scored and whether a reranker re-orders them.
type RetrievalStrategy struct {
	Name           string  `yaml:"name,omitempty" json:"name,omitempty"`
	Type           string  `yaml:"type,omitempty" json:"type,omitempty"`
	TopK           int     `yaml:"top_k,omitempty" json:"top_k,omitempty"`
	ScoreThreshold float64 `yaml:"score_threshold,omitempty" json:"score_threshold,omitempty"`

	// HybridAlpha weights vector similarity against keyword overlap for
	// hybrid retrieval. 1.0 is pure vector; default 0.7.
	HybridAlpha float64 `yaml:"hybrid_alpha,omitempty" json:"hybrid_alpha,omitempty"`

	Reranker *RerankerConfig `yaml:"reranker,omitempty" json:"reranker,omitempty"`
}

// RerankerConfig binds a rerank-capable encoder model to a retrieval
// strategy.
type RerankerConfig struct {
	Model   string `yaml:"model" json:"model"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// TopN caps how many candidates are sent to the reranker (0 = all).
	TopN int `yaml:"top_n,omitempty" json:"top_n,omitempty"`
}

// EffectiveType normalizes the strategy type, defaulting to similarity.
// A configured reranker upgrades an unset type to rerank.
func (s RetrievalStrategy) EffectiveType() string {
	t := strings.ToLower(strings.TrimSpace(s.Type))
	if t == "" {
		if s.Reranker != nil {
			return RetrievalRerank
		}
		return RetrievalSimilarity
	}
	return t
}

// EffectiveTopK returns the candidate count, defaulting to 5.
func (s RetrievalStrategy) EffectiveTopK() int {
	if s.TopK > 0 {
		return s.TopK
	}
	return 5
}

// ParserConfig is one entry of a data-processing strategy's parser list.
// Selection fields decide which files it claims; Config carries the
// type-specific settings merged through the cascade.
type ParserConfig struct {
	Type       string         `yaml:"type" json:"type"`
	Extensions []string       `yaml:"extensions,omitempty" json:"extensions,omitempty"`
	Patterns   []string       `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	MimeTypes  []string       `yaml:"mime_types,omitempty" json:"mime_types,omitempty"`
	Config     map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// ExtractorConfig is one entry of a data-processing strategy's extractor
// list.
type ExtractorConfig struct {
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// ProcessingStrategy is a named list of parsers and optional extractors used
// to convert files into documents.
type ProcessingStrategy struct {
	Name       string            `yaml:"name,omitempty" json:"name,omitempty"`
	Parsers    []ParserConfig    `yaml:"parsers" json:"parsers"`
	Extractors []ExtractorConfig `yaml:"extractors,omitempty" json:"extractors,omitempty"`
}

// Database binds a vector store to an embedding strategy and a retrieval
// strategy. Each strategy slot holds either a component reference or an
// inline definition, never both.
type Database struct {
	Name           string `yaml:"name" json:"name"`
	Type           string `yaml:"type,omitempty" json:"type,omitempty"`
	DistanceMetric string `yaml:"distance_metric,omitempty" json:"distance_metric,omitempty"`

	EmbeddingStrategyRef string             `yaml:"embedding_strategy,omitempty" json:"embedding_strategy,omitempty"`
	Embedding            *EmbeddingStrategy `yaml:"embedding,omitempty" json:"embedding,omitempty"`

	RetrievalStrategyRef string             `yaml:"retrieval_strategy,omitempty" json:"retrieval_strategy,omitempty"`
	Retrieval            *RetrievalStrategy `yaml:"retrieval,omitempty" json:"retrieval,omitempty"`
}

// ComponentDefaults names the fallback strategies used when a database or
// an ingest request does not pick one itself.
type ComponentDefaults struct {
	EmbeddingStrategy      string `yaml:"embedding_strategy,omitempty" json:"embedding_strategy,omitempty"`
	RetrievalStrategy      string `yaml:"retrieval_strategy,omitempty" json:"retrieval_strategy,omitempty"`
	DataProcessingStrategy string `yaml:"data_processing_strategy,omitempty" json:"data_processing_strategy,omitempty"`
}

// Components is the reusable strategy section of a project config.
type Components struct {
	EmbeddingStrategies      map[string]EmbeddingStrategy  `yaml:"embedding_strategies,omitempty" json:"embedding_strategies,omitempty"`
	RetrievalStrategies      map[string]RetrievalStrategy  `yaml:"retrieval_strategies,omitempty" json:"retrieval_strategies,omitempty"`
	DataProcessingStrategies map[string]ProcessingStrategy `yaml:"data_processing_strategies,omitempty" json:"data_processing_strategies,omitempty"`
	Defaults                 ComponentDefaults             `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// ProcessingStrategyByName resolves a named data-processing strategy.
func (c *Components) ProcessingStrategyByName(name string) (ProcessingStrategy, error) {
	if c != nil {
		if s, ok := c.DataProcessingStrategies[name]; ok {
			s.Name = name
			return s, nil
		}
	}
	return ProcessingStrategy{}, errors.NotFoundf("data processing strategy %q", name)
}

// EmbeddingStrategyByName resolves a named embedding strategy.
func (c *Components) EmbeddingStrategyByName(name string) (EmbeddingStrategy, error) {
	if c != nil {
		if s, ok := c.EmbeddingStrategies[name]; ok {
			s.Name = name
			return s, nil
		}
	}
	return EmbeddingStrategy{}, errors.NotFoundf("embedding strategy %q", name)
}

// RetrievalStrategyByName resolves a named retrieval strategy.
func (c *Components) RetrievalStrategyByName(name string) (RetrievalStrategy, error) {
	if c != nil {
		if s, ok := c.RetrievalStrategies[name]; ok {
			s.Name = name
			return s, nil
		}
	}
	return RetrievalStrategy{}, errors.NotFoundf("retrieval strategy %q", name)
}
