package streaming

import (
	"strings"
	"testing"
)

func TestDecoderSplitEmoji(t *testing.T) {
	var d Decoder

	// First chunk ends mid-emoji: the two lead bytes must be held back.
	text := d.Decode([]byte("Hi \xf0\x9f"))
	if text != "Hi " {
		t.Fatalf("first chunk text = %q, want %q", text, "Hi ")
	}
	if d.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", d.Pending())
	}

	text = d.Decode([]byte("\x98\x8e done"))
	if text != "\U0001F60E done" {
		t.Fatalf("second chunk text = %q, want emoji + done", text)
	}
	if d.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", d.Pending())
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	var d Decoder
	input := "héllo 世界 \U0001F60E"
	var got strings.Builder
	for _, b := range []byte(input) {
		got.WriteString(d.Decode([]byte{b}))
	}
	got.WriteString(d.Flush())
	if got.String() != input {
		t.Fatalf("reassembled %q, want %q", got.String(), input)
	}
}

func TestDecoderArbitraryPartition(t *testing.T) {
	input := "日本語テキスト with ascii and \U0001F680 rockets"
	raw := []byte(input)
	for cut := 0; cut <= len(raw); cut++ {
		var d Decoder
		text := d.Decode(raw[:cut]) + d.Decode(raw[cut:]) + d.Flush()
		if text != input {
			t.Fatalf("cut at %d: got %q, want %q", cut, text, input)
		}
	}
}

func TestDecoderInvalidBytes(t *testing.T) {
	var d Decoder
	// A lone continuation byte is invalid and must not be held forever.
	text := d.Decode([]byte{0x80})
	if text != "�" {
		t.Fatalf("got %q, want single replacement char", text)
	}

	// A run of continuation bytes becomes one replacement char each.
	text = d.Decode([]byte{0x80, 0x80, 0x80})
	if text != "���" {
		t.Fatalf("got %q", text)
	}
}

func TestDecoderFlushReplacesDangling(t *testing.T) {
	var d Decoder
	if text := d.Decode([]byte("ok \xf0\x9f")); text != "ok " {
		t.Fatalf("got %q", text)
	}
	if text := d.Flush(); text != "��" {
		t.Fatalf("flush = %q, want two replacement chars", text)
	}
	if d.Pending() != 0 {
		t.Fatalf("pending after flush = %d", d.Pending())
	}
}

func TestDecoderEmptyChunks(t *testing.T) {
	var d Decoder
	if text := d.Decode(nil); text != "" {
		t.Fatalf("got %q", text)
	}
	if text := d.Flush(); text != "" {
		t.Fatalf("flush on empty = %q", text)
	}
}

func TestSplitIncompleteRune(t *testing.T) {
	cases := []struct {
		name     string
		in       []byte
		complete string
		rest     string
	}{
		{"ascii", []byte("abc"), "abc", ""},
		{"complete emoji", []byte("a\xf0\x9f\x98\x8e"), "a\xf0\x9f\x98\x8e", ""},
		{"truncated 4-byte", []byte("a\xf0\x9f\x98"), "a", "\xf0\x9f\x98"},
		{"truncated 3-byte", []byte("x\xe4\xb8"), "x", "\xe4\xb8"},
		{"truncated 2-byte", []byte("x\xc3"), "x", "\xc3"},
		{"invalid lead kept", []byte("x\xff"), "x\xff", ""},
		{"empty", nil, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			complete, rest := SplitIncompleteRune(tc.in)
			if string(complete) != tc.complete || string(rest) != tc.rest {
				t.Errorf("SplitIncompleteRune = (%q, %q), want (%q, %q)",
					complete, rest, tc.complete, tc.rest)
			}
		})
	}
}
