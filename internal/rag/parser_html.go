package rag

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

type htmlParser struct{}

func (p *htmlParser) Type() string { return ParserHTML }

func (p *htmlParser) Parse(ctx context.Context, src Source, rp ResolvedParser) ([]Document, error) {
	cfg, ok := rp.Config.(*HTMLSettings)
	if !ok {
		return nil, errors.InvalidArgumentf("html parser got %T settings", rp.Config)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(src.Data))
	if err != nil {
		return nil, errors.InvalidArgumentf("html parse: %v", err)
	}

	// Remove noise elements
	doc.Find("script, style, nav, footer, header, aside, iframe, noscript").Remove()

	meta := map[string]string{}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title != "" {
		meta["title"] = title
	}

	root := doc.Selection
	if cfg.Selector != "" {
		scoped := doc.Find(cfg.Selector)
		if scoped.Length() == 0 {
			return nil, errors.InvalidArgumentf("html selector %q matched nothing", cfg.Selector)
		}
		root = scoped
	}

	var content strings.Builder
	if title != "" && cfg.IncludeTitle {
		content.WriteString("# " + title + "\n\n")
	}

	root.Find("h1, h2, h3, h4, h5, h6").Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			level := s.Get(0).Data[1] - '0'
			content.WriteString(strings.Repeat("#", int(level)) + " " + text + "\n\n")
		}
	})

	root.Find("p, div.content, article, section, blockquote, pre").Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" && len(text) > 30 {
			content.WriteString(text + "\n\n")
		}
	})

	root.Find("ul, ol").Each(func(i int, s *goquery.Selection) {
		s.Find("li").Each(func(j int, li *goquery.Selection) {
			if text := strings.TrimSpace(li.Text()); text != "" {
				content.WriteString("- " + text + "\n")
			}
		})
		content.WriteString("\n")
	})

	text := strings.TrimSpace(content.String())
	if text == "" {
		// Element scan found nothing structured, fall back to the raw text.
		text = strings.TrimSpace(root.Text())
	}
	if text == "" {
		return nil, nil
	}
	return []Document{{
		Source:   src.Filename,
		Content:  text,
		Metadata: meta,
	}}, nil
}
