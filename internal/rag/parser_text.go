package rag

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

type textParser struct{}

func (p *textParser) Type() string { return ParserText }

func (p *textParser) Parse(ctx context.Context, src Source, rp ResolvedParser) ([]Document, error) {
	content := normalizeText(src.Data)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return []Document{{
		Source:   src.Filename,
		Content:  content,
		Metadata: map[string]string{},
	}}, nil
}

type markdownParser struct{}

func (p *markdownParser) Type() string { return ParserMarkdown }

func (p *markdownParser) Parse(ctx context.Context, src Source, rp ResolvedParser) ([]Document, error) {
	cfg, ok := rp.Config.(*MarkdownSettings)
	if !ok {
		return nil, errors.InvalidArgumentf("markdown parser got %T settings", rp.Config)
	}
	content := normalizeText(src.Data)
	meta := map[string]string{}
	if cfg.StripFrontmatter {
		var fm map[string]string
		content, fm = stripFrontmatter(content)
		for k, v := range fm {
			meta[k] = v
		}
	}
	if title := firstHeading(content); title != "" {
		meta["title"] = title
	}
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return []Document{{
		Source:   src.Filename,
		Content:  content,
		Metadata: meta,
	}}, nil
}

// normalizeText decodes bytes as UTF-8, replacing invalid sequences, and
// normalizes CRLF to LF.
func normalizeText(data []byte) string {
	s := string(data)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// stripFrontmatter removes a leading YAML frontmatter block and returns the
// scalar string fields it carried. Anything that is not a simple key: value
// line is ignored rather than parsed.
func stripFrontmatter(content string) (string, map[string]string) {
	if !strings.HasPrefix(content, "---\n") {
		return content, nil
	}
	rest := content[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return content, nil
	}
	block := rest[:end]
	after := rest[end+4:]
	if i := strings.IndexByte(after, '\n'); i >= 0 {
		after = after[i+1:]
	} else {
		after = ""
	}
	fields := map[string]string{}
	for _, line := range strings.Split(block, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if k == "" || v == "" || strings.ContainsAny(v, "{}[]") {
			continue
		}
		fields[k] = v
	}
	return after, fields
}

func firstHeading(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return ""
}
