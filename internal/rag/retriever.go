package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
)

// QueryRequest is one retrieval call against a database, with strategies
// already resolved through the component cascade.
type QueryRequest struct {
	Namespace string
	Project   string
	Database  string
	Query     string
	Embedding EmbeddingStrategy
	Retrieval RetrievalStrategy

	// TopK and ScoreThreshold override the strategy when set.
	TopK           int
	ScoreThreshold *float64
	Filters        map[string]string
}

// BatchItem is one entry of a batch query response. Failed queries carry an
// error string instead of aborting their siblings.
type BatchItem struct {
	Results []RetrievedChunk `json:"results"`
	Error   string           `json:"error,omitempty"`
}

// Retriever answers queries against vector stores using the database's
// retrieval strategy.
type Retriever struct {
	stores    *StoreManager
	embedders *EmbedderPool
	encoders  EncoderSource
	logger    logging.Logger
}

// NewRetriever builds a retriever. encoders is only needed for rerank
// strategies and may be nil otherwise.
func NewRetriever(stores *StoreManager, embedders *EmbedderPool, encoders EncoderSource, logger logging.Logger) (*Retriever, error) {
	if stores == nil {
		return nil, errors.InvalidArgumentError("retriever requires a store manager")
	}
	if embedders == nil {
		return nil, errors.InvalidArgumentError("retriever requires an embedder pool")
	}
	return &Retriever{
		stores:    stores,
		embedders: embedders,
		encoders:  encoders,
		logger:    logging.OrNop(logger),
	}, nil
}

// Query embeds the query text and retrieves the best chunks per the
// retrieval strategy. Results come back best first.
func (r *Retriever) Query(ctx context.Context, req QueryRequest) ([]RetrievedChunk, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.InvalidArgumentError("query text is empty")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = req.Retrieval.EffectiveTopK()
	}
	threshold := req.Retrieval.ScoreThreshold
	if req.ScoreThreshold != nil {
		threshold = *req.ScoreThreshold
	}

	embedder, err := r.embedders.For(ctx, req.Embedding)
	if err != nil {
		return nil, err
	}
	queryVec, err := embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	store, err := r.stores.Open(req.Namespace, req.Project, req.Database)
	if err != nil {
		return nil, err
	}

	var chunks []RetrievedChunk
	switch t := req.Retrieval.EffectiveType(); t {
	case RetrievalSimilarity:
		chunks, err = r.similarity(ctx, store, queryVec, topK, req.Filters)
	case RetrievalHybrid:
		chunks, err = r.hybrid(ctx, store, queryVec, req.Query, topK, req.Retrieval, req.Filters)
	case RetrievalRerank:
		chunks, err = r.rerank(ctx, store, queryVec, req.Query, topK, req.Retrieval, req.Filters)
	default:
		return nil, errors.InvalidArgumentf("unknown retrieval strategy type %q", t)
	}
	if err != nil {
		return nil, err
	}

	if threshold > 0 {
		kept := chunks[:0]
		for _, c := range chunks {
			if c.Score >= threshold {
				kept = append(kept, c)
			}
		}
		chunks = kept
	}
	return chunks, nil
}

// BatchQuery runs queries concurrently with per-query isolation: results
// come back in request order and one failure never cancels the rest.
func (r *Retriever) BatchQuery(ctx context.Context, reqs []QueryRequest) []BatchItem {
	items := make([]BatchItem, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, req := range reqs {
		g.Go(func() error {
			results, err := r.Query(gctx, req)
			if err != nil {
				items[i] = BatchItem{Error: err.Error()}
				return nil
			}
			items[i] = BatchItem{Results: results}
			return nil
		})
	}
	_ = g.Wait()
	return items
}

func (r *Retriever) similarity(ctx context.Context, store VectorStore, vec []float32, topK int, filters map[string]string) ([]RetrievedChunk, error) {
	scored, err := store.Query(ctx, vec, topK, filters)
	if err != nil {
		return nil, err
	}
	return toChunks(scored), nil
}

// hybrid blends vector similarity with keyword overlap. Candidates are
// over-fetched so keyword-strong chunks outside the vector topK still get a
// chance.
func (r *Retriever) hybrid(ctx context.Context, store VectorStore, vec []float32, query string, topK int, strategy RetrievalStrategy, filters map[string]string) ([]RetrievedChunk, error) {
	alpha := strategy.HybridAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.7
	}
	scored, err := store.Query(ctx, vec, topK*4, filters)
	if err != nil {
		return nil, err
	}
	terms := queryTerms(query)
	chunks := make([]RetrievedChunk, 0, len(scored))
	for _, s := range scored {
		kw := keywordOverlap(terms, s.Chunk.Content)
		chunks = append(chunks, RetrievedChunk{
			ID:       s.Chunk.ID,
			Content:  s.Chunk.Content,
			Metadata: s.Chunk.Metadata,
			Score:    alpha*float64(s.Similarity) + (1-alpha)*kw,
		})
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, nil
}

// rerank over-fetches by vector similarity, then lets a cross-encoder
// re-score the candidate set. Rerank scores replace the vector scores.
func (r *Retriever) rerank(ctx context.Context, store VectorStore, vec []float32, query string, topK int, strategy RetrievalStrategy, filters map[string]string) ([]RetrievedChunk, error) {
	if strategy.Reranker == nil {
		return nil, errors.InvalidArgumentError("rerank strategy requires a reranker model")
	}
	if r.encoders == nil {
		return nil, errors.UnavailableError("no encoder source configured for reranking")
	}
	fetch := topK * 3
	if strategy.Reranker.TopN > fetch {
		fetch = strategy.Reranker.TopN
	}
	scored, err := store.Query(ctx, vec, fetch, filters)
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return nil, nil
	}
	if n := strategy.Reranker.TopN; n > 0 && len(scored) > n {
		scored = scored[:n]
	}

	encoder, err := r.encoders.Encoder(ctx, EmbeddingStrategy{
		Model:   strategy.Reranker.Model,
		BaseURL: strategy.Reranker.BaseURL,
		APIKey:  strategy.Reranker.APIKey,
	})
	if err != nil {
		return nil, err
	}
	docs := make([]string, len(scored))
	for i, s := range scored {
		docs[i] = s.Chunk.Content
	}
	ranked, err := encoder.Rerank(ctx, query, docs)
	if err != nil {
		return nil, fmt.Errorf("rerank with %s: %w", strategy.Reranker.Model, err)
	}

	chunks := make([]RetrievedChunk, 0, len(ranked))
	for _, rd := range ranked {
		if rd.Index < 0 || rd.Index >= len(scored) {
			return nil, fmt.Errorf("reranker returned index %d for %d documents", rd.Index, len(scored))
		}
		s := scored[rd.Index]
		chunks = append(chunks, RetrievedChunk{
			ID:       s.Chunk.ID,
			Content:  s.Chunk.Content,
			Metadata: s.Chunk.Metadata,
			Score:    rd.Score,
		})
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, nil
}

func toChunks(scored []Scored) []RetrievedChunk {
	chunks := make([]RetrievedChunk, 0, len(scored))
	for _, s := range scored {
		chunks = append(chunks, RetrievedChunk{
			ID:       s.Chunk.ID,
			Content:  s.Chunk.Content,
			Metadata: s.Chunk.Metadata,
			Score:    float64(s.Similarity),
		})
	}
	return chunks
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()[]{}`)
		if len(f) >= 2 && !stopwords[f] {
			terms = append(terms, f)
		}
	}
	return terms
}

// keywordOverlap is the fraction of query terms present in the content.
func keywordOverlap(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// FormatContext renders retrieved chunks as a context block for prompt
// injection.
func FormatContext(chunks []RetrievedChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n---\n\n")
		}
		source := c.Metadata[MetaSource]
		if source == "" {
			source = c.ID
		}
		sb.WriteString(fmt.Sprintf("Source: %s (score: %.2f)\n", source, c.Score))
		sb.WriteString(strings.TrimSpace(c.Content))
		sb.WriteString("\n")
	}
	return sb.String()
}
