package models

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// EncoderHTTPBackend speaks the embeddings, rerank and encoder-head
// endpoints of a local runtime server.
type EncoderHTTPBackend struct {
	httpBackend
}

// NewEncoderHTTP builds an encoder adapter for an OpenAI-compatible
// runtime endpoint.
func NewEncoderHTTP(cfg HTTPConfig) *EncoderHTTPBackend {
	return &EncoderHTTPBackend{httpBackend: newHTTPBackend(cfg)}
}

func (c *EncoderHTTPBackend) postJSON(ctx context.Context, path string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.doPost(ctx, c.baseURL+path, body)
	if err != nil {
		return wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("runtime error response (%d) on %s: %s", resp.StatusCode, path, string(respBody))
		return mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Embed returns one vector per input text, in input order. With normalize
// set, vectors are L2-normalized client side.
func (c *EncoderHTTPBackend) Embed(ctx context.Context, texts []string, normalize bool) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	var embResp struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	payload := map[string]any{"model": c.model, "input": texts}
	if err := c.postJSON(ctx, "/embeddings", payload, &embResp); err != nil {
		return nil, err
	}
	if len(embResp.Data) != len(texts) {
		return nil, fmt.Errorf("runtime returned %d embeddings for %d inputs", len(embResp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range embResp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("runtime returned embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	if normalize {
		for i := range vectors {
			vectors[i] = l2Normalize(vectors[i])
		}
	}
	return vectors, nil
}

// Rerank scores documents against the query and returns them best first.
func (c *EncoderHTTPBackend) Rerank(ctx context.Context, query string, documents []string) ([]RankedDocument, error) {
	if len(documents) == 0 {
		return []RankedDocument{}, nil
	}

	var rrResp struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	}
	payload := map[string]any{"model": c.model, "query": query, "documents": documents}
	if err := c.postJSON(ctx, "/rerank", payload, &rrResp); err != nil {
		return nil, err
	}

	ranked := make([]RankedDocument, 0, len(rrResp.Results))
	for _, r := range rrResp.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("runtime returned rerank index %d out of range", r.Index)
		}
		ranked = append(ranked, RankedDocument{Index: r.Index, Score: r.RelevanceScore})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked, nil
}

// Classify predicts one label per input text.
func (c *EncoderHTTPBackend) Classify(ctx context.Context, texts []string) ([]Classification, error) {
	if len(texts) == 0 {
		return []Classification{}, nil
	}

	var clResp struct {
		Data []Classification `json:"data"`
	}
	payload := map[string]any{"model": c.model, "input": texts}
	if err := c.postJSON(ctx, "/classify", payload, &clResp); err != nil {
		return nil, err
	}
	if len(clResp.Data) != len(texts) {
		return nil, fmt.Errorf("runtime returned %d labels for %d inputs", len(clResp.Data), len(texts))
	}
	return clResp.Data, nil
}

// ExtractEntities returns the entity spans found in each input text.
func (c *EncoderHTTPBackend) ExtractEntities(ctx context.Context, texts []string) ([][]Entity, error) {
	if len(texts) == 0 {
		return [][]Entity{}, nil
	}

	var neResp struct {
		Data [][]Entity `json:"data"`
	}
	payload := map[string]any{"model": c.model, "input": texts}
	if err := c.postJSON(ctx, "/extract_entities", payload, &neResp); err != nil {
		return nil, err
	}
	if len(neResp.Data) != len(texts) {
		return nil, fmt.Errorf("runtime returned %d entity lists for %d inputs", len(neResp.Data), len(texts))
	}
	return neResp.Data, nil
}

func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
