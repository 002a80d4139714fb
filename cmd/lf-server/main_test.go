package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "lf-server") {
		t.Fatalf("version output missing binary name: %q", out.String())
	}
}

func TestRootRejectsArgs(t *testing.T) {
	root := newRootCommand()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"unexpected"})

	err := root.Execute()
	if err == nil {
		t.Fatal("expected an error for a stray argument")
	}
	if !errors.Is(err, errUsage) {
		t.Fatalf("stray argument should be a usage error, got: %v", err)
	}
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	root := newRootCommand()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--no-such-flag"})

	err := root.Execute()
	if err == nil {
		t.Fatal("expected an error for an unknown flag")
	}
	if !errors.Is(err, errUsage) {
		t.Fatalf("unknown flag should be a usage error, got: %v", err)
	}
}

func TestVersionRejectsArgs(t *testing.T) {
	root := newRootCommand()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"version", "extra"})

	err := root.Execute()
	if err == nil {
		t.Fatal("expected an error for version with arguments")
	}
	if !errors.Is(err, errUsage) {
		t.Fatalf("expected a usage error, got: %v", err)
	}
}
