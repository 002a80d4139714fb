package token

import (
	"strings"
	"testing"
)

func TestEstimateFast(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"whitespace only", "   \n\t ", 0},
		{"single short word", "hi", 1},
		{"words dominate runes", "a b c d e f", 6},
		{"runes dominate words", strings.Repeat("x", 100), 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateFast(tt.text); got != tt.want {
				t.Errorf("EstimateFast(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestCount(t *testing.T) {
	if got := Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}
	short := Count("hello")
	if short < 1 {
		t.Errorf("Count(hello) = %d, want >= 1", short)
	}
	long := Count(strings.Repeat("forklift safety training ", 50))
	if long <= short {
		t.Errorf("longer text should count more tokens: %d <= %d", long, short)
	}
}

func TestTruncate(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40)

	if got := Truncate(text, 0); got != text {
		t.Error("zero budget must leave text unchanged")
	}
	if got := Truncate(text, 1_000_000); got != text {
		t.Error("oversized budget must leave text unchanged")
	}

	got := Truncate(text, 10)
	if len(got) >= len(text) {
		t.Errorf("Truncate kept %d of %d bytes", len(got), len(text))
	}
	// Truncation cuts the tail, never rewrites the front.
	if !strings.HasPrefix(text, got) {
		t.Errorf("truncated text is not a prefix: %q", got)
	}
}

func TestTruncateShortTextUntouched(t *testing.T) {
	if got := Truncate("hi", 10); got != "hi" {
		t.Errorf("Truncate(hi, 10) = %q", got)
	}
}
