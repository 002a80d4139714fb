package models

import (
	"strings"

	"github.com/bromic007/llamafarm-sub004/internal/streaming"
	"github.com/bromic007/llamafarm-sub004/internal/token"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

const (
	thinkOutside = iota
	thinkInside
	thinkDiscard
)

// thinkFilter enforces a thinking-token budget on a text stream. Once the
// token count inside <think>...</think> reaches the budget, the block is
// force-closed and further thinking output is discarded until the model
// emits its own closing tag. Tags split across chunk boundaries are held in
// carry until they resolve. The budget is cumulative across blocks.
type thinkFilter struct {
	budget int
	used   int
	state  int
	carry  string
}

func newThinkFilter(budget int) *thinkFilter {
	return &thinkFilter{budget: budget}
}

// Feed consumes one stream increment and returns the filtered output.
func (f *thinkFilter) Feed(text string) string {
	buf := f.carry + text
	f.carry = ""
	var out strings.Builder

	for len(buf) > 0 {
		switch f.state {
		case thinkOutside:
			idx := strings.Index(buf, thinkOpen)
			if idx >= 0 {
				out.WriteString(buf[:idx+len(thinkOpen)])
				buf = buf[idx+len(thinkOpen):]
				f.state = thinkInside
				continue
			}
			keep := partialTagSuffix(buf, thinkOpen)
			out.WriteString(buf[:len(buf)-keep])
			f.carry = buf[len(buf)-keep:]
			buf = ""

		case thinkInside:
			if f.budget-f.used <= 0 {
				out.WriteString(thinkClose)
				f.state = thinkDiscard
				continue
			}
			idx := strings.Index(buf, thinkClose)
			inner := buf
			rest := ""
			closed := false
			if idx >= 0 {
				inner, rest, closed = buf[:idx], buf[idx+len(thinkClose):], true
			} else {
				keep := partialTagSuffix(buf, thinkClose)
				inner = buf[:len(buf)-keep]
				f.carry = buf[len(buf)-keep:]
			}

			remaining := f.budget - f.used
			n := token.Count(inner)
			if n <= remaining {
				f.used += n
				out.WriteString(inner)
				if closed {
					out.WriteString(thinkClose)
					f.state = thinkOutside
				}
			} else {
				out.WriteString(token.Truncate(inner, remaining))
				out.WriteString(thinkClose)
				f.used = f.budget
				if closed {
					f.state = thinkOutside
				} else {
					f.state = thinkDiscard
				}
			}
			buf = rest

		case thinkDiscard:
			idx := strings.Index(buf, thinkClose)
			if idx >= 0 {
				buf = buf[idx+len(thinkClose):]
				f.state = thinkOutside
				continue
			}
			keep := partialTagSuffix(buf, thinkClose)
			f.carry = buf[len(buf)-keep:]
			buf = ""
		}
	}
	return out.String()
}

// Flush drains held text at stream end. An unclosed thinking block gets its
// closing tag injected so the output stays well formed. Idempotent.
func (f *thinkFilter) Flush() string {
	var out strings.Builder
	switch f.state {
	case thinkOutside:
		out.WriteString(f.carry)
	case thinkInside:
		remaining := f.budget - f.used
		inner := f.carry
		if remaining <= 0 {
			inner = ""
		} else if token.Count(inner) > remaining {
			inner = token.Truncate(inner, remaining)
		}
		out.WriteString(inner)
		out.WriteString(thinkClose)
	case thinkDiscard:
		// Close tag already injected at truncation time.
	}
	f.carry = ""
	f.state = thinkOutside
	return out.String()
}

// partialTagSuffix returns the length of the longest proper prefix of tag
// that ends buf, so a tag split across chunks is never emitted half-done.
func partialTagSuffix(buf, tag string) int {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, tag[:n]) {
			return n
		}
	}
	return 0
}

// EnforceThinkingBudget wraps a delta stream with the thinking-token cap.
// A budget <= 0 leaves the stream untouched.
func EnforceThinkingBudget(deltas <-chan streaming.Delta, budget int) <-chan streaming.Delta {
	if budget <= 0 {
		return deltas
	}
	out := make(chan streaming.Delta)
	go func() {
		defer close(out)
		filter := newThinkFilter(budget)
		for delta := range deltas {
			if delta.Content != "" {
				delta.Content = filter.Feed(delta.Content)
			}
			if delta.Err != nil || delta.FinishReason != "" {
				if tail := filter.Flush(); tail != "" {
					out <- streaming.Delta{Content: tail}
				}
				out <- delta
				continue
			}
			if delta.Content == "" && len(delta.ToolCalls) == 0 {
				continue
			}
			out <- delta
		}
		if tail := filter.Flush(); tail != "" {
			out <- streaming.Delta{Content: tail}
		}
	}()
	return out
}

// SplitThinking separates <think> blocks from the visible answer. The
// returned thinking text has the tags stripped.
func SplitThinking(text string) (visible, thinking string) {
	var visibleB, thinkingB strings.Builder
	rest := text
	for {
		start := strings.Index(rest, thinkOpen)
		if start < 0 {
			visibleB.WriteString(rest)
			break
		}
		visibleB.WriteString(rest[:start])
		rest = rest[start+len(thinkOpen):]
		end := strings.Index(rest, thinkClose)
		if end < 0 {
			// Unterminated block; everything left is thinking.
			thinkingB.WriteString(rest)
			break
		}
		thinkingB.WriteString(rest[:end])
		rest = rest[end+len(thinkClose):]
	}
	return strings.TrimLeft(visibleB.String(), "\n"), strings.TrimSpace(thinkingB.String())
}
