// Package template implements the prompt placeholder syntax used by project
// configs: {{name}} substitutes a variable, {{name | fallback}} substitutes
// the literal fallback when the variable is absent.
package template

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

// MaxValueSize caps the rendered size of a single substituted value.
const MaxValueSize = 100 * 1024

// Resolve substitutes every placeholder in text using vars. Substituted
// values are emitted verbatim and never re-scanned, so a value containing
// "{{" cannot trigger a second expansion. Unterminated "{{" sequences are
// left in place as literal text.
func Resolve(text string, vars map[string]any) (string, error) {
	var out strings.Builder
	out.Grow(len(text))

	rest := text
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:start])
		rest = rest[start:]

		end := strings.Index(rest, "}}")
		if end < 0 {
			// No closing braces anywhere ahead: literal.
			out.WriteString(rest)
			return out.String(), nil
		}

		inner := rest[2:end]
		value, err := resolvePlaceholder(inner, vars)
		if err != nil {
			return "", err
		}
		out.WriteString(value)
		rest = rest[end+2:]
	}
}

// ResolveObject walks an arbitrary JSON-shaped value and resolves every
// string it contains. Maps and slices are copied; non-string leaves pass
// through untouched.
func ResolveObject(value any, vars map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return Resolve(v, vars)
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for key, item := range v {
			r, err := ResolveObject(item, vars)
			if err != nil {
				return nil, err
			}
			resolved[key] = r
		}
		return resolved, nil
	case []any:
		resolved := make([]any, len(v))
		for i, item := range v {
			r, err := ResolveObject(item, vars)
			if err != nil {
				return nil, err
			}
			resolved[i] = r
		}
		return resolved, nil
	default:
		return value, nil
	}
}

func resolvePlaceholder(inner string, vars map[string]any) (string, error) {
	name := inner
	fallback := ""
	hasFallback := false
	if idx := strings.Index(inner, "|"); idx >= 0 {
		name = inner[:idx]
		fallback = strings.TrimSpace(inner[idx+1:])
		hasFallback = true
	}
	name = strings.TrimSpace(name)

	if !validIdentifier(name) {
		return "", errors.InvalidArgumentf("malformed template placeholder {{%s}}", inner)
	}

	raw, ok := vars[name]
	if !ok {
		if hasFallback {
			return fallback, nil
		}
		return "", errors.InvalidArgumentf(
			"template variable %q is not defined (available: %s)", name, availableNames(vars))
	}

	value, err := formatValue(raw)
	if err != nil {
		return "", fmt.Errorf("template variable %q: %w", name, err)
	}
	if len(value) > MaxValueSize {
		return "", errors.PayloadTooLargeError(
			fmt.Sprintf("template variable %q renders to %d bytes (limit %d)", name, len(value), MaxValueSize))
	}
	return value, nil
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func formatValue(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return "", errors.InvalidArgumentf("unsupported value type %T", raw)
	}
}

func availableNames(vars map[string]any) string {
	if len(vars) == 0 {
		return "none"
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
