package project

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/rag"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg
}

func createSample(t *testing.T, reg *Registry) *Config {
	t.Helper()
	cfg := parseSample(t)
	created, err := reg.Create("acme", cfg)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return created
}

func TestRegistry_CreateGetRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	createSample(t, reg)

	dir, err := reg.Dir("acme", "support-bot")
	if err != nil {
		t.Fatalf("Dir failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Fatalf("Expected %s on disk: %v", ConfigFileName, err)
	}

	got, err := reg.Get("acme", "support-bot")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "support-bot" || got.Namespace != "acme" {
		t.Errorf("Unexpected config identity %s/%s", got.Namespace, got.Name)
	}

	// A second registry over the same root sees the file without the cache.
	reg2, err := NewRegistry(reg.Root(), nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if _, err := reg2.Get("acme", "support-bot"); err != nil {
		t.Errorf("Expected cold read to succeed, got %v", err)
	}
}

func TestRegistry_CreateConflict(t *testing.T) {
	reg := newTestRegistry(t)
	createSample(t, reg)

	_, err := reg.Create("acme", parseSample(t))
	if !errors.Is(err, errors.ErrConflict) {
		t.Errorf("Expected ErrConflict on duplicate create, got %v", err)
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Get("acme", "ghost")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_RejectsTraversal(t *testing.T) {
	reg := newTestRegistry(t)

	for _, bad := range []string{"../escape", "/abs", `back\slash`, "wild*card", ""} {
		if _, err := reg.Dir(bad, "p"); err == nil {
			t.Errorf("Expected Dir to reject namespace %q", bad)
		}
		if _, err := reg.Dir("ns", bad); err == nil {
			t.Errorf("Expected Dir to reject project %q", bad)
		}
	}
}

func TestRegistry_UpdateAndMutate(t *testing.T) {
	reg := newTestRegistry(t)
	createSample(t, reg)

	// Update must keep the path identity.
	renamed := parseSample(t)
	renamed.Name = "other"
	if _, err := reg.Update("acme", "support-bot", renamed); !errors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for name mismatch, got %v", err)
	}

	updated, err := reg.Mutate("acme", "support-bot", func(cfg *Config) error {
		cfg.Version = "2"
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if updated.Version != "2" {
		t.Errorf("Expected version 2, got %q", updated.Version)
	}

	got, err := reg.Get("acme", "support-bot")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != "2" {
		t.Errorf("Expected persisted version 2, got %q", got.Version)
	}

	// A failed mutation leaves the stored config untouched.
	_, err = reg.Mutate("acme", "support-bot", func(cfg *Config) error {
		cfg.Version = "3"
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("Expected mutation error to propagate")
	}
	got, _ = reg.Get("acme", "support-bot")
	if got.Version != "2" {
		t.Errorf("Expected version 2 after failed mutation, got %q", got.Version)
	}
}

func TestRegistry_DeleteRunsHooks(t *testing.T) {
	reg := newTestRegistry(t)
	createSample(t, reg)

	var hookNS, hookProject string
	reg.OnDelete(func(namespace, project string) {
		hookNS, hookProject = namespace, project
	})

	dir, _ := reg.Dir("acme", "support-bot")
	if err := reg.Delete("acme", "support-bot"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("Expected project directory removed")
	}
	if hookNS != "acme" || hookProject != "support-bot" {
		t.Errorf("Expected delete hook with acme/support-bot, got %s/%s", hookNS, hookProject)
	}
	if _, err := reg.Get("acme", "support-bot"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := reg.Delete("acme", "support-bot"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on double delete, got %v", err)
	}
}

func TestRegistry_List(t *testing.T) {
	reg := newTestRegistry(t)
	createSample(t, reg)

	second := parseSample(t)
	second.Name = "billing-bot"
	if _, err := reg.Create("acme", second); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A stray directory without a config file is skipped, not fatal.
	dir, _ := reg.Dir("acme", "halfbaked")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	summaries, err := reg.List("acme")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("Expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].Name != "billing-bot" || summaries[1].Name != "support-bot" {
		t.Errorf("Expected sorted names, got %s then %s", summaries[0].Name, summaries[1].Name)
	}
	if summaries[1].Databases != 1 || summaries[1].Datasets != 1 {
		t.Errorf("Expected 1 database and 1 dataset, got %d/%d", summaries[1].Databases, summaries[1].Datasets)
	}

	empty, err := reg.List("nobody")
	if err != nil {
		t.Fatalf("List of empty namespace failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected no summaries, got %d", len(empty))
	}
}

func TestRegistry_DatasetsStore(t *testing.T) {
	reg := newTestRegistry(t)
	createSample(t, reg)

	store, err := reg.Datasets("acme", "support-bot")
	if err != nil {
		t.Fatalf("Datasets failed: %v", err)
	}
	meta, err := store.Put("manuals", "guide.txt", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if meta.Hash == "" {
		t.Error("Expected content hash")
	}

	again, err := reg.Datasets("acme", "support-bot")
	if err != nil {
		t.Fatalf("Datasets failed: %v", err)
	}
	if again != store {
		t.Error("Expected cached store instance")
	}

	if _, err := reg.Datasets("acme", "ghost"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing project, got %v", err)
	}
}

func TestRegistry_IngestStrategies(t *testing.T) {
	reg := newTestRegistry(t)
	createSample(t, reg)

	proc, embed, err := reg.IngestStrategies("acme", "support-bot", "kb", "")
	if err != nil {
		t.Fatalf("IngestStrategies failed: %v", err)
	}
	if len(proc.Parsers) != 1 || proc.Parsers[0].Type != "text" {
		t.Errorf("Unexpected processing strategy %+v", proc)
	}
	if embed.Model != "nomic-embed-text" {
		t.Errorf("Unexpected embedding strategy %+v", embed)
	}

	// Explicit strategy name overrides the default.
	proc, _, err = reg.IngestStrategies("acme", "support-bot", "kb", "docs")
	if err != nil {
		t.Fatalf("IngestStrategies with name failed: %v", err)
	}
	if proc.Name != "docs" {
		t.Errorf("Expected docs strategy, got %q", proc.Name)
	}

	if _, _, err := reg.IngestStrategies("acme", "support-bot", "kb", "ghost"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown strategy, got %v", err)
	}
	if _, _, err := reg.IngestStrategies("acme", "support-bot", "nope", ""); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown database, got %v", err)
	}
}

func TestRegistry_QueryStrategies(t *testing.T) {
	reg := newTestRegistry(t)
	createSample(t, reg)

	embed, retr, err := reg.QueryStrategies("acme", "support-bot", "kb", "")
	if err != nil {
		t.Fatalf("QueryStrategies failed: %v", err)
	}
	if embed.Model != "nomic-embed-text" {
		t.Errorf("Unexpected embedding strategy %+v", embed)
	}
	if retr.EffectiveTopK() != 3 {
		t.Errorf("Expected top_k 3 from strict strategy, got %d", retr.EffectiveTopK())
	}

	_, retr, err = reg.QueryStrategies("acme", "support-bot", "kb", "strict")
	if err != nil {
		t.Fatalf("QueryStrategies with override failed: %v", err)
	}
	if retr.Name != "strict" {
		t.Errorf("Expected strict override, got %q", retr.Name)
	}
}

func TestRegistry_AddDatabase(t *testing.T) {
	reg := newTestRegistry(t)
	createSample(t, reg)

	cfg, err := reg.AddDatabase("acme", "support-bot", rag.Database{
		Name:      "notes",
		Embedding: &rag.EmbeddingStrategy{Model: "nomic-embed-text"},
	})
	if err != nil {
		t.Fatalf("AddDatabase failed: %v", err)
	}
	db, err := cfg.DatabaseByName("notes")
	if err != nil {
		t.Fatalf("DatabaseByName failed: %v", err)
	}
	if db.DistanceMetric != "cosine" {
		t.Errorf("Expected cosine default, got %q", db.DistanceMetric)
	}
	if db.Retrieval == nil || db.Retrieval.EffectiveType() != rag.RetrievalSimilarity {
		t.Errorf("Expected similarity fallback retrieval, got %+v", db.Retrieval)
	}

	_, err = reg.AddDatabase("acme", "support-bot", rag.Database{Name: "kb", EmbeddingStrategyRef: "fast"})
	if !errors.Is(err, errors.ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate database, got %v", err)
	}
}

func TestRegistry_AttachDetachDatasetFile(t *testing.T) {
	reg := newTestRegistry(t)
	createSample(t, reg)

	cfg, err := reg.AttachDatasetFile("acme", "support-bot", "manuals", "", "abc123")
	if err != nil {
		t.Fatalf("AttachDatasetFile failed: %v", err)
	}
	ds, _ := cfg.DatasetByName("manuals")
	if len(ds.Files) != 1 || ds.Files[0] != "abc123" {
		t.Errorf("Expected file abc123 attached, got %v", ds.Files)
	}

	// Re-attaching the same hash is a no-op.
	cfg, err = reg.AttachDatasetFile("acme", "support-bot", "manuals", "", "abc123")
	if err != nil {
		t.Fatalf("AttachDatasetFile failed: %v", err)
	}
	ds, _ = cfg.DatasetByName("manuals")
	if len(ds.Files) != 1 {
		t.Errorf("Expected dedup, got %v", ds.Files)
	}

	// Attaching to a new dataset name auto-creates the entry against the
	// single database.
	cfg, err = reg.AttachDatasetFile("acme", "support-bot", "faq", "", "def456")
	if err != nil {
		t.Fatalf("AttachDatasetFile auto-create failed: %v", err)
	}
	ds, err = cfg.DatasetByName("faq")
	if err != nil {
		t.Fatalf("Expected faq dataset created: %v", err)
	}
	if ds.Database != "kb" {
		t.Errorf("Expected kb database, got %q", ds.Database)
	}

	cfg, err = reg.DetachDatasetFile("acme", "support-bot", "manuals", "abc123")
	if err != nil {
		t.Fatalf("DetachDatasetFile failed: %v", err)
	}
	ds, _ = cfg.DatasetByName("manuals")
	if len(ds.Files) != 0 {
		t.Errorf("Expected empty file list, got %v", ds.Files)
	}

	if _, err := reg.DetachDatasetFile("acme", "support-bot", "ghost", "x"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing dataset, got %v", err)
	}
}
