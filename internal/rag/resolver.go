package rag

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

// Builtin parser types. Anything else is rejected when the config loads.
const (
	ParserText     = "text"
	ParserMarkdown = "markdown"
	ParserCSV      = "csv"
	ParserHTML     = "html"
	ParserPDF      = "pdf"
)

// KnownParserType reports whether t names a builtin parser.
func KnownParserType(t string) bool {
	switch t {
	case ParserText, ParserMarkdown, ParserCSV, ParserHTML, ParserPDF:
		return true
	}
	return false
}

// ChunkSettings are the splitting knobs every parser type shares.
type ChunkSettings struct {
	Strategy string `mapstructure:"chunk_strategy"`
	Size     int    `mapstructure:"chunk_size"`
	Overlap  int    `mapstructure:"chunk_overlap"`
}

// TextSettings configures the plain-text parser.
type TextSettings struct {
	ChunkSettings `mapstructure:",squash"`
}

// MarkdownSettings configures the markdown parser.
type MarkdownSettings struct {
	ChunkSettings    `mapstructure:",squash"`
	StripFrontmatter bool `mapstructure:"strip_frontmatter"`
}

// CSVSettings configures the CSV parser.
type CSVSettings struct {
	ChunkSettings  `mapstructure:",squash"`
	Delimiter      string   `mapstructure:"delimiter"`
	HasHeader      bool     `mapstructure:"has_header"`
	ContentColumns []string `mapstructure:"content_columns"`
	RowsPerDoc     int      `mapstructure:"rows_per_document"`
}

// HTMLSettings configures the HTML parser.
type HTMLSettings struct {
	ChunkSettings `mapstructure:",squash"`
	Selector      string `mapstructure:"selector"`
	IncludeTitle  bool   `mapstructure:"include_title"`
}

// PDFSettings configures the PDF parser.
type PDFSettings struct {
	ChunkSettings `mapstructure:",squash"`
	MaxPages      int `mapstructure:"max_pages"`
}

// ResolvedParser is a parser entry after the settings cascade: builtin
// defaults, then the strategy's config, then the request override, deeper
// layers winning key by key. Config holds the typed per-parser settings.
type ResolvedParser struct {
	Type     string
	Chunking ChunkSettings
	Config   any
	Merged   map[string]any
}

func builtinParserDefaults(parserType string) map[string]any {
	switch parserType {
	case ParserText:
		return map[string]any{
			"chunk_strategy": ChunkByParagraphs,
			"chunk_size":     512,
			"chunk_overlap":  64,
		}
	case ParserMarkdown:
		return map[string]any{
			"chunk_strategy":    ChunkByParagraphs,
			"chunk_size":        512,
			"chunk_overlap":     64,
			"strip_frontmatter": true,
		}
	case ParserCSV:
		return map[string]any{
			"chunk_strategy":    ChunkByParagraphs,
			"chunk_size":        512,
			"chunk_overlap":     0,
			"delimiter":         ",",
			"has_header":        true,
			"rows_per_document": 0,
		}
	case ParserHTML:
		return map[string]any{
			"chunk_strategy": ChunkByParagraphs,
			"chunk_size":     512,
			"chunk_overlap":  64,
			"include_title":  true,
		}
	case ParserPDF:
		return map[string]any{
			"chunk_strategy": ChunkByParagraphs,
			"chunk_size":     512,
			"chunk_overlap":  64,
			"max_pages":      200,
		}
	}
	return nil
}

// MergeLayers deep-merges configuration layers left to right, later layers
// winning. Nested maps merge recursively; everything else, including slices,
// replaces wholesale. Inputs are never mutated.
func MergeLayers(layers ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, layer := range layers {
		mergeInto(out, layer)
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		sv, svOK := normalizeMap(v)
		if !svOK {
			dst[k] = v
			continue
		}
		dv, dvOK := dst[k].(map[string]any)
		if !dvOK {
			dv = map[string]any{}
		}
		merged := map[string]any{}
		mergeInto(merged, dv)
		mergeInto(merged, sv)
		dst[k] = merged
	}
}

// normalizeMap converts the map shapes yaml.v3 produces into map[string]any.
func normalizeMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	}
	return nil, false
}

func decodeStrict(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: false,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return errors.InvalidArgumentf("parser config: %v", err)
	}
	return nil
}

// ResolveParser merges the cascade for one parser entry and decodes the
// result into that parser type's settings struct. Keys no schema field
// claims are rejected rather than silently carried.
func ResolveParser(pc ParserConfig, override map[string]any) (ResolvedParser, error) {
	t := strings.ToLower(strings.TrimSpace(pc.Type))
	if !KnownParserType(t) {
		return ResolvedParser{}, errors.InvalidArgumentf("unknown parser type %q", pc.Type)
	}
	merged := MergeLayers(builtinParserDefaults(t), pc.Config, override)
	rp := ResolvedParser{Type: t, Merged: merged}
	switch t {
	case ParserText:
		cfg := &TextSettings{}
		if err := decodeStrict(merged, cfg); err != nil {
			return ResolvedParser{}, err
		}
		rp.Chunking, rp.Config = cfg.ChunkSettings, cfg
	case ParserMarkdown:
		cfg := &MarkdownSettings{}
		if err := decodeStrict(merged, cfg); err != nil {
			return ResolvedParser{}, err
		}
		rp.Chunking, rp.Config = cfg.ChunkSettings, cfg
	case ParserCSV:
		cfg := &CSVSettings{}
		if err := decodeStrict(merged, cfg); err != nil {
			return ResolvedParser{}, err
		}
		rp.Chunking, rp.Config = cfg.ChunkSettings, cfg
	case ParserHTML:
		cfg := &HTMLSettings{}
		if err := decodeStrict(merged, cfg); err != nil {
			return ResolvedParser{}, err
		}
		rp.Chunking, rp.Config = cfg.ChunkSettings, cfg
	case ParserPDF:
		cfg := &PDFSettings{}
		if err := decodeStrict(merged, cfg); err != nil {
			return ResolvedParser{}, err
		}
		rp.Chunking, rp.Config = cfg.ChunkSettings, cfg
	}
	if err := rp.Chunking.validate(); err != nil {
		return ResolvedParser{}, err
	}
	return rp, nil
}

func (c ChunkSettings) validate() error {
	switch c.Strategy {
	case ChunkByParagraphs, ChunkBySentences, ChunkByCharacters:
	default:
		return errors.InvalidArgumentf("unknown chunk strategy %q", c.Strategy)
	}
	if c.Size <= 0 {
		return errors.InvalidArgumentf("chunk_size must be positive, got %d", c.Size)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return errors.InvalidArgumentf("chunk_overlap %d must be in [0, chunk_size)", c.Overlap)
	}
	return nil
}

// ResolveDatabaseStrategies returns the embedding and retrieval strategies a
// database uses. Each slot accepts a component reference or an inline
// definition but not both; an empty slot falls back to the components
// defaults. Embedding is mandatory, retrieval falls back to plain
// similarity.
func ResolveDatabaseStrategies(db Database, comps *Components) (EmbeddingStrategy, RetrievalStrategy, error) {
	var emb EmbeddingStrategy
	var ret RetrievalStrategy

	switch {
	case db.Embedding != nil && db.EmbeddingStrategyRef != "":
		return emb, ret, errors.InvalidArgumentf("database %q sets both embedding_strategy and inline embedding", db.Name)
	case db.Embedding != nil:
		emb = *db.Embedding
	case db.EmbeddingStrategyRef != "":
		s, err := comps.EmbeddingStrategyByName(db.EmbeddingStrategyRef)
		if err != nil {
			return emb, ret, err
		}
		emb = s
	case comps != nil && comps.Defaults.EmbeddingStrategy != "":
		s, err := comps.EmbeddingStrategyByName(comps.Defaults.EmbeddingStrategy)
		if err != nil {
			return emb, ret, err
		}
		emb = s
	default:
		return emb, ret, errors.InvalidArgumentf("database %q has no embedding strategy", db.Name)
	}
	if strings.TrimSpace(emb.Model) == "" {
		return emb, ret, errors.InvalidArgumentf("database %q embedding strategy has no model", db.Name)
	}

	switch {
	case db.Retrieval != nil && db.RetrievalStrategyRef != "":
		return emb, ret, errors.InvalidArgumentf("database %q sets both retrieval_strategy and inline retrieval", db.Name)
	case db.Retrieval != nil:
		ret = *db.Retrieval
	case db.RetrievalStrategyRef != "":
		s, err := comps.RetrievalStrategyByName(db.RetrievalStrategyRef)
		if err != nil {
			return emb, ret, err
		}
		ret = s
	case comps != nil && comps.Defaults.RetrievalStrategy != "":
		s, err := comps.RetrievalStrategyByName(comps.Defaults.RetrievalStrategy)
		if err != nil {
			return emb, ret, err
		}
		ret = s
	default:
		ret = RetrievalStrategy{Type: RetrievalSimilarity}
	}
	return emb, ret, nil
}
