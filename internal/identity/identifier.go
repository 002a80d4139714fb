// Package identity implements the naming rules shared by every subsystem:
// model identifier parsing, cache key derivation and path-safe name checks.
package identity

import (
	"regexp"
	"strconv"
	"strings"
)

// quantPattern matches a quantization suffix such as Q4_K_M, F16 or Q8_0.
var quantPattern = regexp.MustCompile(`^[A-Z0-9_]{1,16}$`)

// ParseIdentifier splits a model identifier into its base name and an
// optional quantization suffix. Only the last colon-separated segment is
// considered, and only when it looks like a quantization tag; otherwise the
// whole string is the base. Registry-style ids with embedded colons
// ("hf.co/org/model:latest") therefore keep their tag in the base.
func ParseIdentifier(s string) (base, quant string) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, ""
	}
	suffix := s[idx+1:]
	if quantPattern.MatchString(suffix) {
		return s[:idx], suffix
	}
	return s, ""
}

// FormatIdentifier is the inverse of ParseIdentifier.
func FormatIdentifier(base, quant string) string {
	if quant == "" {
		return base
	}
	return base + ":" + quant
}

// KeyOptions carries the load-time options that distinguish otherwise equal
// model instances in the cache.
type KeyOptions struct {
	Quantization  string
	ContextWindow int
	Normalization string
}

// CacheKey derives the canonical cache key for a loaded model instance.
// Two requests that must share an instance produce the same key; any
// difference in family, id, quantization, context window or normalization
// mode yields a distinct key.
func CacheKey(family, id string, opts KeyOptions) string {
	normalized := strings.NewReplacer("/", "_", "\\", "_").Replace(id)

	quant := opts.Quantization
	if quant == "" {
		quant = "default"
	}

	ctx := "auto"
	if opts.ContextWindow > 0 {
		ctx = strconv.Itoa(opts.ContextWindow)
	}

	parts := []string{family, normalized, quant, ctx}
	if opts.Normalization != "" {
		parts = append(parts, opts.Normalization)
	}
	return strings.Join(parts, ":")
}
