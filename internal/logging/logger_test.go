package logging

import (
	"strings"
	"testing"
)

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var file *FileLogger
	var logger Logger = file
	if !IsNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected")
	}
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world") // should not panic
}

type captureLogger struct {
	lines []string
}

func (c *captureLogger) Debug(format string, args ...any) { c.record("DEBUG", format, args...) }
func (c *captureLogger) Info(format string, args ...any)  { c.record("INFO", format, args...) }
func (c *captureLogger) Warn(format string, args ...any)  { c.record("WARN", format, args...) }
func (c *captureLogger) Error(format string, args ...any) { c.record("ERROR", format, args...) }

func (c *captureLogger) record(level, format string, args ...any) {
	c.lines = append(c.lines, level+" "+format)
}

func TestMultiFansOutAndFlattens(t *testing.T) {
	a := &captureLogger{}
	b := &captureLogger{}
	inner := Multi(a, nil)
	outer := Multi(inner, b)

	outer.Info("msg")

	if len(a.lines) != 1 || len(b.lines) != 1 {
		t.Fatalf("expected both sinks to receive the line, got %d and %d", len(a.lines), len(b.lines))
	}
}

func TestMultiWithNoLoggersIsNop(t *testing.T) {
	logger := Multi(nil, nil)
	logger.Error("ignored") // should not panic
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeLogLineRedactsSecrets(t *testing.T) {
	cases := []struct {
		name string
		in   string
		leak string
	}{
		{"bearer header", `Authorization: Bearer abc123tokenvalue`, "abc123tokenvalue"},
		{"api key field", `api_key=sk-abcdefghijklmnop1234`, "sk-abcdefghijklmnop1234"},
		{"password field", `"password": "hunter2-long-secret"`, "hunter2-long-secret"},
		{"github token", `pushed with ghp_ABCDEFGHIJKLMNOP1234`, "ghp_ABCDEFGHIJKLMNOP1234"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := sanitizeLogLine(tc.in)
			if strings.Contains(out, tc.leak) {
				t.Fatalf("secret survived sanitization: %q", out)
			}
			if !strings.Contains(out, redactedPlaceholder) {
				t.Fatalf("expected placeholder in output, got %q", out)
			}
		})
	}
}

func TestSanitizeLogLineLeavesPlainTextAlone(t *testing.T) {
	in := "loaded model llama3.2 in 120ms"
	if out := sanitizeLogLine(in); out != in {
		t.Fatalf("plain line was altered: %q", out)
	}
}
