package rag

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

type pdfParser struct{}

func (p *pdfParser) Type() string { return ParserPDF }

// Parse extracts plain text page by page, one document per page so retrieval
// hits keep their page number. A page that fails to decode is skipped; the
// file only fails when no page yields text.
func (p *pdfParser) Parse(ctx context.Context, src Source, rp ResolvedParser) ([]Document, error) {
	cfg, ok := rp.Config.(*PDFSettings)
	if !ok {
		return nil, errors.InvalidArgumentf("pdf parser got %T settings", rp.Config)
	}
	reader, err := pdf.NewReader(bytes.NewReader(src.Data), int64(len(src.Data)))
	if err != nil {
		return nil, errors.InvalidArgumentf("pdf open: %v", err)
	}

	totalPages := reader.NumPage()
	maxPages := cfg.MaxPages
	if maxPages <= 0 || maxPages > totalPages {
		maxPages = totalPages
	}

	var docs []Document
	failed := 0
	for pageNum := 1; pageNum <= maxPages; pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Continue with other pages if one fails.
			failed++
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		docs = append(docs, Document{
			Source:  src.Filename,
			Content: text,
			Metadata: map[string]string{
				"page":       strconv.Itoa(pageNum),
				"page_count": strconv.Itoa(totalPages),
			},
		})
	}
	if len(docs) == 0 {
		if failed > 0 {
			return nil, errors.InvalidArgumentf("pdf: no readable text in %d pages (%d failed to decode)", totalPages, failed)
		}
		return nil, nil
	}
	return docs, nil
}
