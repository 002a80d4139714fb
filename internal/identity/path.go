package identity

import (
	"path/filepath"
	"strings"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

// Characters that are never allowed in user-supplied file or directory
// names. Backslash and colon are rejected outright so names behave the same
// on every filesystem; glob metacharacters are rejected because several
// stores expand names against the filesystem.
const forbiddenNameChars = `\:*?[]{}`

// SafeJoin joins name onto base and verifies the result stays inside base.
// It rejects empty names, absolute paths, parent-directory traversal and
// names containing forbidden characters. The returned path is absolute.
func SafeJoin(base, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.InvalidPathError("empty name")
	}
	if strings.ContainsAny(name, forbiddenNameChars) {
		return "", errors.InvalidPathError("name contains forbidden characters: " + name)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", errors.InvalidPathError("absolute paths not allowed: " + name)
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return "", errors.InvalidPathError("parent traversal not allowed: " + name)
		}
	}

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", errors.InvalidPathError("resolve base: " + base)
	}
	joined := filepath.Join(absBase, name)

	// Containment check on the cleaned path, separator-boundary aware so
	// that "/data/foo" does not pass for base "/data/fo".
	if joined != absBase && !strings.HasPrefix(joined, absBase+string(filepath.Separator)) {
		return "", errors.InvalidPathError("path escapes base directory: " + name)
	}
	return joined, nil
}

// SafeBaseName reduces a possibly path-qualified name (e.g. from a folder
// upload) to its final component and validates it as a standalone name.
func SafeBaseName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errors.InvalidPathError("empty name")
	}
	base := filepath.Base(filepath.ToSlash(trimmed))
	if base == "." || base == ".." || base == "/" || base == "" {
		return "", errors.InvalidPathError("unusable name: " + name)
	}
	if strings.ContainsAny(base, forbiddenNameChars) {
		return "", errors.InvalidPathError("name contains forbidden characters: " + name)
	}
	return base, nil
}
