package rag

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/bromic007/llamafarm-sub004/internal/token"
)

// Chunk strategies.
const (
	ChunkByParagraphs = "paragraphs"
	ChunkBySentences  = "sentences"
	ChunkByCharacters = "characters"
)

var paragraphSplit = regexp.MustCompile(`\n[ \t]*\n+`)

// SplitText splits text into chunks of at most Size tokens with Overlap
// tokens carried between neighbours. Paragraph and sentence strategies pack
// whole units and fall back to token windows for units larger than a chunk;
// the characters strategy windows the token stream directly.
func SplitText(text string, cfg ChunkSettings) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	switch cfg.Strategy {
	case ChunkBySentences:
		return packUnits(splitSentences(text), " ", cfg)
	case ChunkByCharacters:
		return tokenWindowChunks(text, cfg)
	default:
		return packUnits(splitParagraphs(text), "\n\n", cfg)
	}
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphSplit.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences breaks prose on terminal punctuation followed by
// whitespace, keeping trailing quotes and brackets with their sentence.
func splitSentences(text string) []string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	var out []string
	var b strings.Builder
	for i := 0; i < len(runes); i++ {
		b.WriteRune(runes[i])
		if runes[i] != '.' && runes[i] != '!' && runes[i] != '?' {
			continue
		}
		j := i + 1
		for j < len(runes) && (runes[j] == '"' || runes[j] == '\'' || runes[j] == ')' || runes[j] == ']') {
			b.WriteRune(runes[j])
			j++
		}
		if j >= len(runes) || unicode.IsSpace(runes[j]) {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
			i = j
			continue
		}
		i = j - 1
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// packUnits accumulates units into chunks up to the token budget. When a
// chunk fills, the next one is seeded with trailing units worth up to
// Overlap tokens, collected backwards the same way the previous chunk ended.
func packUnits(units []string, sep string, cfg ChunkSettings) []Chunk {
	sepTokens := token.Count(sep)

	var chunks []Chunk
	var cur []string
	var curTok []int
	curTokens := 0
	hasNew := false

	emit := func() {
		text := strings.Join(cur, sep)
		chunks = append(chunks, Chunk{Index: len(chunks), Text: text, Tokens: curTokens})
		if cfg.Overlap <= 0 {
			cur, curTok, curTokens = nil, nil, 0
			return
		}
		// Seed the next chunk with the tail of this one.
		var seed []string
		var seedTok []int
		total := 0
		for i := len(cur) - 1; i >= 0; i-- {
			add := curTok[i]
			if len(seed) > 0 {
				add += sepTokens
			}
			if total+add > cfg.Overlap {
				break
			}
			seed = append([]string{cur[i]}, seed...)
			seedTok = append([]int{curTok[i]}, seedTok...)
			total += add
		}
		cur, curTok, curTokens = seed, seedTok, total
	}

	for _, u := range units {
		ut := token.Count(u)
		if ut > cfg.Size {
			if hasNew {
				emit()
			}
			cur, curTok, curTokens, hasNew = nil, nil, 0, false
			for _, piece := range splitByTokens(u, cfg.Size, cfg.Overlap) {
				chunks = append(chunks, Chunk{Index: len(chunks), Text: piece, Tokens: token.Count(piece)})
			}
			continue
		}
		add := ut
		if len(cur) > 0 {
			add += sepTokens
		}
		if curTokens+add > cfg.Size && len(cur) > 0 {
			if hasNew {
				emit()
				hasNew = false
			} else {
				cur, curTok, curTokens = nil, nil, 0
			}
			add = ut
			if len(cur) > 0 {
				add += sepTokens
			}
		}
		cur = append(cur, u)
		curTok = append(curTok, ut)
		curTokens += add
		hasNew = true
	}
	if hasNew && len(cur) > 0 {
		text := strings.Join(cur, sep)
		chunks = append(chunks, Chunk{Index: len(chunks), Text: text, Tokens: curTokens})
	}
	return chunks
}

func tokenWindowChunks(text string, cfg ChunkSettings) []Chunk {
	var chunks []Chunk
	for _, piece := range splitByTokens(text, cfg.Size, cfg.Overlap) {
		chunks = append(chunks, Chunk{Index: len(chunks), Text: piece, Tokens: token.Count(piece)})
	}
	return chunks
}

// splitByTokens windows the token stream with stride size-overlap. Without a
// tokenizer it falls back to rune windows at roughly 4 characters per token.
func splitByTokens(text string, size, overlap int) []string {
	stride := size - overlap
	if stride <= 0 {
		stride = size
	}
	ids := token.Encode(text)
	if ids == nil {
		return splitByRunes(text, size*4, overlap*4)
	}
	if len(ids) <= size {
		return []string{text}
	}
	var out []string
	for start := 0; start < len(ids); start += stride {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, token.Decode(ids[start:end]))
		if end == len(ids) {
			break
		}
	}
	return out
}

func splitByRunes(text string, size, overlap int) []string {
	stride := size - overlap
	if stride <= 0 {
		stride = size
	}
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	var out []string
	for start := 0; start < len(runes); start += stride {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}
