// Package streaming provides the byte-to-text decoding and SSE plumbing for
// token streams.
package streaming

import (
	"strings"
	"unicode/utf8"
)

// Decoder converts a byte stream into text without ever splitting a
// multi-byte UTF-8 sequence across emissions. Bytes that may be the start of
// a rune whose tail has not arrived yet are held back until the next call.
type Decoder struct {
	pending []byte
}

// Decode consumes the next chunk and returns all text that is complete so
// far. Invalid byte sequences decode to one U+FFFD per offending byte;
// a trailing truncated sequence is retained for the next call.
func (d *Decoder) Decode(chunk []byte) string {
	buf := chunk
	if len(d.pending) > 0 {
		buf = append(d.pending, chunk...)
	}
	complete, rest := SplitIncompleteRune(buf)
	d.pending = append([]byte(nil), rest...)
	return decodeReplace(complete)
}

// Flush returns the text for any bytes still held back. Called at stream
// end, when a truncated sequence can no longer be completed.
func (d *Decoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	text := decodeReplace(d.pending)
	d.pending = nil
	return text
}

// Pending reports how many bytes are currently held back.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// SplitIncompleteRune splits b into the longest prefix that ends on a rune
// boundary and a remainder holding a possibly-truncated trailing sequence.
// Outright invalid bytes are not held back; they stay in the prefix so the
// decoder can replace them.
func SplitIncompleteRune(b []byte) (complete, remainder []byte) {
	n := len(b)
	for back := 1; back <= utf8.UTFMax && back <= n; back++ {
		i := n - back
		c := b[i]
		if c&0xC0 == 0x80 {
			// Continuation byte, keep scanning for the start.
			continue
		}
		need := runeLen(c)
		if need < 0 {
			return b, nil
		}
		if back < need {
			return b[:i], b[i:]
		}
		return b, nil
	}
	return b, nil
}

// runeLen returns the encoded length implied by a leading byte, or -1 when
// the byte cannot start a sequence.
func runeLen(c byte) int {
	switch {
	case c < 0x80:
		return 1
	case c&0xE0 == 0xC0:
		return 2
	case c&0xF0 == 0xE0:
		return 3
	case c&0xF8 == 0xF0:
		return 4
	default:
		return -1
	}
}

func decodeReplace(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(b[:size])
		}
		b = b[size:]
	}
	return sb.String()
}
