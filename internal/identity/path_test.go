package identity

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

func TestSafeJoinAccepts(t *testing.T) {
	base := t.TempDir()
	cases := []string{
		"file.txt",
		"sub/dir/file.txt",
		"with space.md",
		"dots.in.name.csv",
	}
	for _, name := range cases {
		got, err := SafeJoin(base, name)
		if err != nil {
			t.Errorf("SafeJoin(%q) unexpected error: %v", name, err)
			continue
		}
		if !strings.HasPrefix(got, base) {
			t.Errorf("SafeJoin(%q) = %q escapes base %q", name, got, base)
		}
	}
}

func TestSafeJoinRejects(t *testing.T) {
	base := t.TempDir()
	cases := []string{
		"",
		"   ",
		"/etc/passwd",
		"../sibling",
		"a/../../escape",
		`back\slash`,
		"colon:name",
		"glob*",
		"glob?",
		"glob[ab]",
		"glob{a,b}",
	}
	for _, name := range cases {
		if _, err := SafeJoin(base, name); err == nil {
			t.Errorf("SafeJoin(%q) should have been rejected", name)
		} else if !errors.Is(err, errors.ErrInvalidPath) {
			t.Errorf("SafeJoin(%q) error kind = %v, want ErrInvalidPath", name, err)
		}
	}
}

func TestSafeJoinBoundary(t *testing.T) {
	// "data/fo" must not act as a prefix match for "data/foo".
	base := filepath.Join(t.TempDir(), "fo")
	got, err := SafeJoin(base, "x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != filepath.Join(base, "x") {
		t.Fatalf("got %q", got)
	}
}

func TestSafeBaseName(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"report.pdf", "report.pdf", false},
		{"dir/sub/report.pdf", "report.pdf", false},
		{"", "", true},
		{"..", "", true},
		{".", "", true},
		{"a/..", "", true},
	}
	for _, tc := range cases {
		got, err := SafeBaseName(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("SafeBaseName(%q) should fail", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("SafeBaseName(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("SafeBaseName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
