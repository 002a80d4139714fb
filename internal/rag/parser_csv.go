package rag

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

type csvParser struct{}

func (p *csvParser) Type() string { return ParserCSV }

func (p *csvParser) Parse(ctx context.Context, src Source, rp ResolvedParser) ([]Document, error) {
	cfg, ok := rp.Config.(*CSVSettings)
	if !ok {
		return nil, errors.InvalidArgumentf("csv parser got %T settings", rp.Config)
	}
	delim := ','
	if cfg.Delimiter != "" {
		runes := []rune(cfg.Delimiter)
		if len(runes) != 1 {
			return nil, errors.InvalidArgumentf("csv delimiter must be a single character, got %q", cfg.Delimiter)
		}
		delim = runes[0]
	}

	reader := csv.NewReader(strings.NewReader(normalizeText(src.Data)))
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.InvalidArgumentf("csv parse: %v", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var header []string
	if cfg.HasHeader {
		header = rows[0]
		rows = rows[1:]
	}

	keep := map[int]bool{}
	if len(cfg.ContentColumns) > 0 {
		if header == nil {
			return nil, errors.InvalidArgumentf("content_columns requires has_header")
		}
		want := map[string]bool{}
		for _, c := range cfg.ContentColumns {
			want[strings.ToLower(strings.TrimSpace(c))] = true
		}
		for i, name := range header {
			if want[strings.ToLower(strings.TrimSpace(name))] {
				keep[i] = true
			}
		}
		if len(keep) == 0 {
			return nil, errors.InvalidArgumentf("content_columns matched no header columns")
		}
	}

	renderRow := func(row []string) string {
		var b strings.Builder
		for i, field := range row {
			if len(keep) > 0 && !keep[i] {
				continue
			}
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			if header != nil && i < len(header) {
				b.WriteString(strings.TrimSpace(header[i]))
				b.WriteString(": ")
			}
			b.WriteString(field)
		}
		return b.String()
	}

	perDoc := cfg.RowsPerDoc
	if perDoc <= 0 {
		perDoc = len(rows)
	}

	var docs []Document
	for start := 0; start < len(rows); start += perDoc {
		end := start + perDoc
		if end > len(rows) {
			end = len(rows)
		}
		var parts []string
		for _, row := range rows[start:end] {
			if rendered := renderRow(row); rendered != "" {
				parts = append(parts, rendered)
			}
		}
		if len(parts) == 0 {
			continue
		}
		docs = append(docs, Document{
			Source:  src.Filename,
			Content: strings.Join(parts, "\n\n"),
			Metadata: map[string]string{
				"rows":      strconv.Itoa(end - start),
				"row_range": fmt.Sprintf("%d-%d", start+1, end),
			},
		})
	}
	return docs, nil
}
