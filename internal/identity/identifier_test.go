package identity

import "testing"

func TestParseIdentifier(t *testing.T) {
	cases := []struct {
		in        string
		wantBase  string
		wantQuant string
	}{
		{"llama3.2", "llama3.2", ""},
		{"llama3.2:Q4_K_M", "llama3.2", "Q4_K_M"},
		{"mistral:F16", "mistral", "F16"},
		{"nomic-embed:Q8_0", "nomic-embed", "Q8_0"},
		// lower-case tags are not quantization suffixes
		{"hf.co/org/model:latest", "hf.co/org/model:latest", ""},
		// only the last segment is examined
		{"registry:5000/model:Q4_0", "registry:5000/model", "Q4_0"},
		{"model:", "model:", ""},
		{":Q4_0", "", "Q4_0"},
		{"plain:q4_k_m", "plain:q4_k_m", ""},
		{"over:ABCDEFGHIJKLMNOPQ", "over:ABCDEFGHIJKLMNOPQ", ""}, // 17 chars, too long
	}

	for _, tc := range cases {
		base, quant := ParseIdentifier(tc.in)
		if base != tc.wantBase || quant != tc.wantQuant {
			t.Errorf("ParseIdentifier(%q) = (%q, %q), want (%q, %q)",
				tc.in, base, quant, tc.wantBase, tc.wantQuant)
		}
	}
}

func TestFormatIdentifierRoundTrip(t *testing.T) {
	inputs := []string{"llama3.2", "llama3.2:Q4_K_M", "a/b/c:F16"}
	for _, in := range inputs {
		base, quant := ParseIdentifier(in)
		if got := FormatIdentifier(base, quant); got != in {
			t.Errorf("round trip of %q produced %q", in, got)
		}
	}
}

func TestCacheKey(t *testing.T) {
	cases := []struct {
		name   string
		family string
		id     string
		opts   KeyOptions
		want   string
	}{
		{
			"defaults",
			"language", "llama3.2", KeyOptions{},
			"language:llama3.2:default:auto",
		},
		{
			"slashes normalized",
			"language", "hf.co/org/model", KeyOptions{Quantization: "Q4_K_M", ContextWindow: 8192},
			"language:hf.co_org_model:Q4_K_M:8192",
		},
		{
			"normalization appended",
			"encoder", "nomic-embed", KeyOptions{Normalization: "l2"},
			"encoder:nomic-embed:default:auto:l2",
		},
		{
			"backslashes normalized",
			"speech", `models\whisper`, KeyOptions{},
			"speech:models_whisper:default:auto",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CacheKey(tc.family, tc.id, tc.opts); got != tc.want {
				t.Errorf("CacheKey = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCacheKeyDistinguishesOptions(t *testing.T) {
	a := CacheKey("language", "m", KeyOptions{ContextWindow: 4096})
	b := CacheKey("language", "m", KeyOptions{ContextWindow: 8192})
	if a == b {
		t.Fatalf("different context windows must not share a key")
	}
}
