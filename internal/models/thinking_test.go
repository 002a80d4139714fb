package models

import (
	"strings"
	"testing"

	"github.com/bromic007/llamafarm-sub004/internal/streaming"
)

func feedAll(f *thinkFilter, chunks ...string) string {
	var out strings.Builder
	for _, c := range chunks {
		out.WriteString(f.Feed(c))
	}
	out.WriteString(f.Flush())
	return out.String()
}

func TestThinkFilter_PassthroughWithoutTags(t *testing.T) {
	f := newThinkFilter(10)
	got := feedAll(f, "Hello, ", "world", "!")
	if got != "Hello, world!" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestThinkFilter_WithinBudgetUnchanged(t *testing.T) {
	f := newThinkFilter(100000)
	in := "<think>short reasoning</think>The answer is 4."
	if got := feedAll(f, in); got != in {
		t.Fatalf("expected unchanged output, got %q", got)
	}
}

func TestThinkFilter_TruncatesOverBudget(t *testing.T) {
	f := newThinkFilter(1)
	thinking := strings.Repeat("deliberate reasoning tokens ", 50)
	got := feedAll(f, "<think>"+thinking+"</think>", "Answer.")

	if !strings.HasPrefix(got, "<think>") {
		t.Fatalf("expected open tag preserved, got %q", got)
	}
	if !strings.HasSuffix(got, "Answer.") {
		t.Fatalf("expected visible tail preserved, got %q", got)
	}
	if strings.Count(got, "</think>") != 1 {
		t.Fatalf("expected exactly one close tag, got %q", got)
	}
	inner := got[len("<think>"):strings.Index(got, "</think>")]
	if len(inner) >= len(thinking) {
		t.Fatalf("expected thinking truncated, kept %d of %d bytes", len(inner), len(thinking))
	}
}

func TestThinkFilter_DiscardsUntilModelClose(t *testing.T) {
	f := newThinkFilter(1)
	long := strings.Repeat("reasoning and more reasoning ", 40)
	got := feedAll(f, "<think>"+long, long, "</think>", "Visible.")

	if strings.Count(got, "</think>") != 1 {
		t.Fatalf("expected exactly one close tag, got %d in %q", strings.Count(got, "</think>"), got)
	}
	if !strings.HasSuffix(got, "Visible.") {
		t.Fatalf("expected visible text after discard, got %q", got)
	}
}

func TestThinkFilter_TagSplitAcrossChunks(t *testing.T) {
	f := newThinkFilter(100000)
	got := feedAll(f, "before <thi", "nk>inside</th", "ink> after")
	if got != "before <think>inside</think> after" {
		t.Fatalf("expected reassembled tags, got %q", got)
	}
}

func TestThinkFilter_UnclosedBlockGetsClosed(t *testing.T) {
	f := newThinkFilter(100000)
	got := feedAll(f, "<think>dangling reasoning")
	if !strings.HasSuffix(got, "</think>") {
		t.Fatalf("expected injected close tag, got %q", got)
	}
}

func TestThinkFilter_PartialTagAtStreamEndIsLiteral(t *testing.T) {
	f := newThinkFilter(100000)
	got := feedAll(f, "value < thresh and <thi")
	if got != "value < thresh and <thi" {
		t.Fatalf("expected literal partial tag, got %q", got)
	}
}

func TestEnforceThinkingBudget_ZeroBudgetPassthrough(t *testing.T) {
	in := make(chan streaming.Delta)
	out := EnforceThinkingBudget(in, 0)
	if out != (<-chan streaming.Delta)(in) {
		t.Fatal("expected the same channel back for zero budget")
	}
	close(in)
}

func TestEnforceThinkingBudget_FiltersStream(t *testing.T) {
	in := make(chan streaming.Delta, 8)
	long := strings.Repeat("chain of thought ", 60)
	in <- streaming.Delta{Content: "<think>" + long}
	in <- streaming.Delta{Content: long + "</think>"}
	in <- streaming.Delta{Content: "Result: 42"}
	in <- streaming.Delta{FinishReason: "stop"}
	close(in)

	var full strings.Builder
	finish := ""
	for d := range EnforceThinkingBudget(in, 1) {
		if d.Err != nil {
			t.Fatalf("unexpected error: %v", d.Err)
		}
		if d.FinishReason != "" {
			finish = d.FinishReason
		}
		full.WriteString(d.Content)
	}
	got := full.String()
	if finish != "stop" {
		t.Fatalf("expected finish reason forwarded, got %q", finish)
	}
	if strings.Count(got, "</think>") != 1 {
		t.Fatalf("expected exactly one close tag, got %q", got)
	}
	if !strings.HasSuffix(got, "Result: 42") {
		t.Fatalf("expected visible content preserved, got %q", got)
	}
	if len(got) >= len(long)*2 {
		t.Fatalf("expected thinking discarded, output %d bytes", len(got))
	}
}

func TestSplitThinking(t *testing.T) {
	visible, thinking := SplitThinking("<think>step one</think>\nThe answer.")
	if visible != "The answer." {
		t.Fatalf("expected visible text, got %q", visible)
	}
	if thinking != "step one" {
		t.Fatalf("expected thinking text, got %q", thinking)
	}

	visible, thinking = SplitThinking("no tags here")
	if visible != "no tags here" || thinking != "" {
		t.Fatalf("expected passthrough, got %q / %q", visible, thinking)
	}

	visible, thinking = SplitThinking("<think>never closed")
	if visible != "" || thinking != "never closed" {
		t.Fatalf("expected unterminated block treated as thinking, got %q / %q", visible, thinking)
	}
}
