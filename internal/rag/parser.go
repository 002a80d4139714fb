package rag

import (
	"context"
	stderrors "errors"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

// ErrNoParser reports that no parser in the processing strategy claimed the
// file. The file fails; the rest of its batch continues.
var ErrNoParser = stderrors.New("no parser matches file")

// Source is the raw input handed to a parser. Data always carries the full
// content; Filename is the original name used for parser selection, which
// for dataset blobs differs from the on-disk hash name.
type Source struct {
	Path     string
	Filename string
	MimeType string
	Data     []byte
}

// Parser converts one source into documents.
type Parser interface {
	Type() string
	Parse(ctx context.Context, src Source, rp ResolvedParser) ([]Document, error)
}

// ParserRegistry maps parser type names to implementations.
type ParserRegistry struct {
	parsers map[string]Parser
}

// NewParserRegistry returns a registry with all builtin parsers installed.
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{parsers: map[string]Parser{}}
	r.Register(&textParser{})
	r.Register(&markdownParser{})
	r.Register(&csvParser{})
	r.Register(&htmlParser{})
	r.Register(&pdfParser{})
	return r
}

// Register installs p, replacing any previous parser of the same type.
func (r *ParserRegistry) Register(p Parser) {
	r.parsers[p.Type()] = p
}

// Get returns the parser for a type name.
func (r *ParserRegistry) Get(parserType string) (Parser, error) {
	p, ok := r.parsers[strings.ToLower(parserType)]
	if !ok {
		return nil, errors.NotFoundf("parser implementation %q", parserType)
	}
	return p, nil
}

// SelectParser walks the strategy's parser list in order and returns the
// first entry that claims the file. An entry with no selection criteria
// claims everything, so a catch-all belongs last.
func SelectParser(strategy ProcessingStrategy, filename, mimeType string) (ParserConfig, bool) {
	for _, pc := range strategy.Parsers {
		if parserMatches(pc, filename, mimeType) {
			return pc, true
		}
	}
	return ParserConfig{}, false
}

func parserMatches(pc ParserConfig, filename, mimeType string) bool {
	if len(pc.Extensions) == 0 && len(pc.Patterns) == 0 && len(pc.MimeTypes) == 0 {
		return true
	}
	base := strings.ToLower(filepath.Base(filename))
	ext := filepath.Ext(base)
	for _, e := range pc.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if ext == e {
			return true
		}
	}
	for _, pat := range pc.Patterns {
		pat = strings.ToLower(strings.TrimSpace(pat))
		if pat == "" {
			continue
		}
		if ok, err := path.Match(pat, base); err == nil && ok {
			return true
		}
	}
	if mimeType != "" {
		mt := strings.ToLower(mimeType)
		if i := strings.Index(mt, ";"); i >= 0 {
			mt = strings.TrimSpace(mt[:i])
		}
		for _, want := range pc.MimeTypes {
			want = strings.ToLower(strings.TrimSpace(want))
			if want == "" {
				continue
			}
			if strings.HasSuffix(want, "/*") {
				if strings.HasPrefix(mt, strings.TrimSuffix(want, "*")) {
					return true
				}
				continue
			}
			if mt == want {
				return true
			}
		}
	}
	return false
}

// GuessMimeType maps a filename extension to a MIME type, empty when
// unknown.
func GuessMimeType(filename string) string {
	mt := mime.TypeByExtension(filepath.Ext(filename))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}
