package rag

import (
	"strings"
	"testing"
)

func TestSplitText_EmptyInput(t *testing.T) {
	cfg := ChunkSettings{Strategy: ChunkByParagraphs, Size: 100}
	if chunks := SplitText("", cfg); chunks != nil {
		t.Errorf("Expected nil for empty text, got %d chunks", len(chunks))
	}
	if chunks := SplitText("   \n\n  ", cfg); chunks != nil {
		t.Errorf("Expected nil for whitespace text, got %d chunks", len(chunks))
	}
}

func TestSplitText_SingleChunkWhenSmall(t *testing.T) {
	text := "First paragraph here.\n\nSecond paragraph here."
	chunks := SplitText(text, ChunkSettings{Strategy: ChunkByParagraphs, Size: 500, Overlap: 50})
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "First paragraph") || !strings.Contains(chunks[0].Text, "Second paragraph") {
		t.Errorf("Chunk should contain both paragraphs: %q", chunks[0].Text)
	}
	if chunks[0].Index != 0 {
		t.Errorf("Expected index 0, got %d", chunks[0].Index)
	}
	if chunks[0].Tokens <= 0 {
		t.Errorf("Expected positive token count, got %d", chunks[0].Tokens)
	}
}

func TestSplitText_ParagraphsRespectBudget(t *testing.T) {
	paragraphs := make([]string, 8)
	for i := range paragraphs {
		paragraphs[i] = "the cat sat on the mat and then the dog sat down too"
	}
	text := strings.Join(paragraphs, "\n\n")

	cfg := ChunkSettings{Strategy: ChunkByParagraphs, Size: 30, Overlap: 0}
	chunks := SplitText(text, cfg)
	if len(chunks) < 2 {
		t.Fatalf("Expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Tokens > cfg.Size {
			t.Errorf("Chunk %d has %d tokens, budget is %d", i, c.Tokens, cfg.Size)
		}
		if c.Index != i {
			t.Errorf("Chunk %d has index %d", i, c.Index)
		}
	}
	// Every paragraph must survive, whole, in some chunk.
	joined := strings.Join(chunkTexts(chunks), "\n\n")
	if count := strings.Count(joined, "the cat sat"); count != len(paragraphs) {
		t.Errorf("Expected %d paragraph occurrences, found %d", len(paragraphs), count)
	}
}

func TestSplitText_OverlapCarriesTail(t *testing.T) {
	paragraphs := []string{
		"the cat sat on the mat",
		"a dog ran in the park",
		"the bird flew over the house",
		"a fish swam in the pond",
		"the horse stood in the field",
		"a mouse hid under the floor",
	}
	text := strings.Join(paragraphs, "\n\n")

	cfg := ChunkSettings{Strategy: ChunkByParagraphs, Size: 16, Overlap: 8}
	chunks := SplitText(text, cfg)
	if len(chunks) < 2 {
		t.Fatalf("Expected multiple chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		prevParas := strings.Split(chunks[i-1].Text, "\n\n")
		lastPara := prevParas[len(prevParas)-1]
		if !strings.HasPrefix(chunks[i].Text, lastPara) {
			t.Errorf("Chunk %d should start with the previous tail %q, got %q", i, lastPara, chunks[i].Text)
		}
	}
}

func TestSplitText_OversizedParagraphFallsBackToWindows(t *testing.T) {
	long := strings.Repeat("alpha beta gamma delta epsilon ", 40)
	text := "short intro\n\n" + long

	cfg := ChunkSettings{Strategy: ChunkByParagraphs, Size: 20, Overlap: 0}
	chunks := SplitText(text, cfg)
	if len(chunks) < 3 {
		t.Fatalf("Expected the long paragraph to split into windows, got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if c.Tokens > cfg.Size {
			t.Errorf("Chunk %d has %d tokens, budget is %d", i, c.Tokens, cfg.Size)
		}
	}
}

func TestSplitText_Sentences(t *testing.T) {
	text := "The cat sat. The dog ran! Did the bird fly? Yes it did."
	chunks := SplitText(text, ChunkSettings{Strategy: ChunkBySentences, Size: 8, Overlap: 0})
	if len(chunks) < 2 {
		t.Fatalf("Expected multiple sentence chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		last := c.Text[len(c.Text)-1]
		if last != '.' && last != '!' && last != '?' {
			t.Errorf("Chunk %d should end at a sentence boundary: %q", i, c.Text)
		}
	}
	joined := strings.Join(chunkTexts(chunks), " ")
	for _, sentence := range []string{"The cat sat.", "The dog ran!", "Did the bird fly?", "Yes it did."} {
		if !strings.Contains(joined, sentence) {
			t.Errorf("Sentence %q missing from chunks", sentence)
		}
	}
}

func TestSplitText_CharactersWindows(t *testing.T) {
	text := strings.Repeat("one two three four five six seven eight nine ten ", 20)
	cfg := ChunkSettings{Strategy: ChunkByCharacters, Size: 25, Overlap: 5}
	chunks := SplitText(text, cfg)
	if len(chunks) < 4 {
		t.Fatalf("Expected several windows, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Tokens > cfg.Size {
			t.Errorf("Window %d has %d tokens, budget is %d", i, c.Tokens, cfg.Size)
		}
	}
	if !strings.HasPrefix(chunks[0].Text, "one two three") {
		t.Errorf("First window should start at the beginning: %q", chunks[0].Text[:30])
	}
	lastChunk := chunks[len(chunks)-1].Text
	if !strings.HasSuffix(strings.TrimSpace(lastChunk), "ten") {
		t.Errorf("Last window should reach the end: %q", lastChunk)
	}
}

func TestSplitSentences_KeepsTrailingQuotes(t *testing.T) {
	sentences := splitSentences(`He said "stop." Then he left.`)
	if len(sentences) != 2 {
		t.Fatalf("Expected 2 sentences, got %d: %v", len(sentences), sentences)
	}
	if sentences[0] != `He said "stop."` {
		t.Errorf("Quote should stay with its sentence: %q", sentences[0])
	}
}

func chunkTexts(chunks []Chunk) []string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return texts
}
