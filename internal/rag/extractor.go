package rag

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-viper/mapstructure/v2"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

// Builtin extractor types.
const (
	ExtractorKeywords = "keywords"
	ExtractorMetadata = "metadata"
)

// KnownExtractorType reports whether t names a builtin extractor.
func KnownExtractorType(t string) bool {
	switch t {
	case ExtractorKeywords, ExtractorMetadata:
		return true
	}
	return false
}

// Extractor enriches parsed documents with derived metadata. Extractors run
// after parsing and before chunking; a failing extractor is skipped, it
// never fails the file.
type Extractor interface {
	Type() string
	Extract(ctx context.Context, docs []Document, cfg ExtractorConfig) ([]Document, error)
}

// ExtractorRegistry maps extractor type names to implementations.
type ExtractorRegistry struct {
	extractors map[string]Extractor
}

// NewExtractorRegistry returns a registry with all builtin extractors
// installed.
func NewExtractorRegistry() *ExtractorRegistry {
	r := &ExtractorRegistry{extractors: map[string]Extractor{}}
	r.Register(&keywordExtractor{})
	r.Register(&metadataExtractor{})
	return r
}

// Register installs e, replacing any previous extractor of the same type.
func (r *ExtractorRegistry) Register(e Extractor) {
	r.extractors[e.Type()] = e
}

// Get returns the extractor for a type name.
func (r *ExtractorRegistry) Get(extractorType string) (Extractor, error) {
	e, ok := r.extractors[strings.ToLower(extractorType)]
	if !ok {
		return nil, errors.NotFoundf("extractor implementation %q", extractorType)
	}
	return e, nil
}

type keywordSettings struct {
	MaxKeywords int `mapstructure:"max_keywords"`
	MinLength   int `mapstructure:"min_length"`
}

type keywordExtractor struct{}

func (e *keywordExtractor) Type() string { return ExtractorKeywords }

func (e *keywordExtractor) Extract(ctx context.Context, docs []Document, cfg ExtractorConfig) ([]Document, error) {
	settings := keywordSettings{MaxKeywords: 10, MinLength: 3}
	if len(cfg.Config) > 0 {
		if err := mapstructure.Decode(cfg.Config, &settings); err != nil {
			return nil, errors.InvalidArgumentf("keywords extractor config: %v", err)
		}
	}
	if settings.MaxKeywords <= 0 {
		settings.MaxKeywords = 10
	}
	out := make([]Document, len(docs))
	for i, doc := range docs {
		kws := topKeywords(doc.Content, settings.MaxKeywords, settings.MinLength)
		if len(kws) > 0 {
			doc.Metadata = cloneMeta(doc.Metadata)
			doc.Metadata["keywords"] = strings.Join(kws, ", ")
		}
		out[i] = doc
	}
	return out, nil
}

type metadataExtractor struct{}

func (e *metadataExtractor) Type() string { return ExtractorMetadata }

func (e *metadataExtractor) Extract(ctx context.Context, docs []Document, cfg ExtractorConfig) ([]Document, error) {
	out := make([]Document, len(docs))
	for i, doc := range docs {
		doc.Metadata = cloneMeta(doc.Metadata)
		doc.Metadata["char_count"] = strconv.Itoa(len([]rune(doc.Content)))
		doc.Metadata["word_count"] = strconv.Itoa(len(strings.Fields(doc.Content)))
		doc.Metadata["line_count"] = strconv.Itoa(strings.Count(doc.Content, "\n") + 1)
		out[i] = doc
	}
	return out, nil
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+3)
	for k, v := range m {
		out[k] = v
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "with": true,
	"was": true, "this": true, "that": true, "have": true, "has": true,
	"from": true, "they": true, "will": true, "what": true, "when": true,
	"your": true, "which": true, "their": true, "there": true, "been": true,
	"were": true, "into": true, "than": true, "them": true, "then": true,
	"its": true, "also": true, "more": true, "some": true, "such": true,
	"only": true, "other": true, "about": true, "these": true, "those": true,
	"each": true, "most": true, "over": true, "very": true, "after": true,
	"where": true, "does": true, "much": true, "any": true, "our": true,
	"out": true, "use": true, "used": true, "using": true, "how": true,
}

// topKeywords ranks words by frequency, filtering stopwords and short
// tokens. Ties break alphabetically so output is deterministic.
func topKeywords(text string, max, minLen int) []string {
	if minLen <= 0 {
		minLen = 3
	}
	counts := map[string]int{}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if len(w) < minLen || stopwords[w] {
			continue
		}
		counts[w]++
	}
	type wc struct {
		word  string
		count int
	}
	ranked := make([]wc, 0, len(counts))
	for w, c := range counts {
		ranked = append(ranked, wc{w, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})
	if len(ranked) > max {
		ranked = ranked[:max]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.word
	}
	return out
}
