package models

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

func TestEncoderEmbed_OrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		// Deliberately out of order.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float64{0, 1}},
				{"index": 0, "embedding": []float64{1, 0}},
			},
		})
	}))
	defer srv.Close()

	backend := NewEncoderHTTP(HTTPConfig{BaseURL: srv.URL, Model: "embed"})
	vectors, err := backend.Embed(context.Background(), []string{"a", "b"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vectors))
	}
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Fatalf("vectors not reordered by index: %v", vectors)
	}
}

func TestEncoderEmbed_Normalize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float64{3, 4}}},
		})
	}))
	defer srv.Close()

	backend := NewEncoderHTTP(HTTPConfig{BaseURL: srv.URL, Model: "embed"})
	vectors, err := backend.Embed(context.Background(), []string{"a"}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var norm float64
	for _, x := range vectors[0] {
		norm += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-6 {
		t.Fatalf("expected unit vector, got %v", vectors[0])
	}
}

func TestEncoderEmbed_EmptyInputSkipsBackend(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	backend := NewEncoderHTTP(HTTPConfig{BaseURL: srv.URL, Model: "embed"})
	vectors, err := backend.Embed(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 0 {
		t.Fatalf("expected empty result, got %v", vectors)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no backend calls, got %d", calls.Load())
	}
}

func TestEncoderEmbed_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float64{1}}},
		})
	}))
	defer srv.Close()

	backend := NewEncoderHTTP(HTTPConfig{BaseURL: srv.URL, Model: "embed"})
	if _, err := backend.Embed(context.Background(), []string{"a", "b"}, false); err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestEncoderRerank_SortsByScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 0, "relevance_score": 0.2},
				{"index": 1, "relevance_score": 0.9},
				{"index": 2, "relevance_score": 0.5},
			},
		})
	}))
	defer srv.Close()

	backend := NewEncoderHTTP(HTTPConfig{BaseURL: srv.URL, Model: "rerank"})
	ranked, err := backend.Rerank(context.Background(), "query", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("expected 3 results, got %d", len(ranked))
	}
	if ranked[0].Index != 1 || ranked[1].Index != 2 || ranked[2].Index != 0 {
		t.Fatalf("results not sorted by score: %+v", ranked)
	}
}

func TestEncoderClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"label": "positive", "score": 0.98},
				{"label": "negative", "score": 0.71},
			},
		})
	}))
	defer srv.Close()

	backend := NewEncoderHTTP(HTTPConfig{BaseURL: srv.URL, Model: "cls"})
	labels, err := backend.Classify(context.Background(), []string{"great", "bad"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if labels[0].Label != "positive" || labels[1].Label != "negative" {
		t.Fatalf("unexpected labels %+v", labels)
	}
}

func TestEncoderExtractEntities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": [][]map[string]any{
				{{"text": "Paris", "label": "LOC", "start": 10, "end": 15, "score": 0.99}},
			},
		})
	}))
	defer srv.Close()

	backend := NewEncoderHTTP(HTTPConfig{BaseURL: srv.URL, Model: "ner"})
	entities, err := backend.ExtractEntities(context.Background(), []string{"I live in Paris"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entities) != 1 || len(entities[0]) != 1 {
		t.Fatalf("unexpected entity shape %+v", entities)
	}
	if entities[0][0].Text != "Paris" || entities[0][0].Label != "LOC" {
		t.Fatalf("unexpected entity %+v", entities[0][0])
	}
}

func TestEncoderEmbed_ErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	backend := NewEncoderHTTP(HTTPConfig{BaseURL: srv.URL, Model: "embed"})
	_, err := backend.Embed(context.Background(), []string{"a"}, false)
	var terr *errors.TransientError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransientError, got %T (%v)", err, err)
	}
}
