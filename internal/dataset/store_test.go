package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "lf_data", "datasets"), logging.Nop())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func TestStore_PutWritesBlobSidecarAndIndex(t *testing.T) {
	store := newTestStore(t)
	content := []byte("quarterly revenue held steady")
	wantHash := sha256.Sum256(content)

	meta, err := store.Put("docs", "report.pdf", "application/pdf", strings.NewReader(string(content)))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if meta.Hash != hex.EncodeToString(wantHash[:]) {
		t.Errorf("Expected hash %s, got %s", hex.EncodeToString(wantHash[:]), meta.Hash)
	}
	if meta.OriginalFilename != "report.pdf" {
		t.Errorf("Expected original filename 'report.pdf', got %q", meta.OriginalFilename)
	}
	if !regexp.MustCompile(`^report_\d+\.pdf$`).MatchString(meta.ResolvedFilename) {
		t.Errorf("Expected resolved filename 'report_<epoch>.pdf', got %q", meta.ResolvedFilename)
	}
	if meta.Size != int64(len(content)) {
		t.Errorf("Expected size %d, got %d", len(content), meta.Size)
	}
	if meta.MimeType != "application/pdf" {
		t.Errorf("Expected mime type 'application/pdf', got %q", meta.MimeType)
	}

	blob, err := os.ReadFile(filepath.Join(store.Root(), "docs", "raw", meta.Hash))
	if err != nil {
		t.Fatalf("Blob file missing: %v", err)
	}
	if string(blob) != string(content) {
		t.Error("Blob content does not match upload")
	}

	linkPath := filepath.Join(store.Root(), "docs", "index", "by_name", meta.ResolvedFilename)
	target, err := os.Readlink(linkPath)
	if err != nil {
		t.Fatalf("Index symlink missing: %v", err)
	}
	if target != "../../raw/"+meta.Hash {
		t.Errorf("Expected symlink target '../../raw/%s', got %q", meta.Hash, target)
	}
	linked, err := os.ReadFile(linkPath)
	if err != nil {
		t.Fatalf("Index symlink does not resolve: %v", err)
	}
	if string(linked) != string(content) {
		t.Error("Symlinked content does not match upload")
	}

	got, err := store.GetMetadata("docs", meta.Hash)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got.Hash != meta.Hash || got.ResolvedFilename != meta.ResolvedFilename {
		t.Errorf("Sidecar round-trip mismatch: %+v vs %+v", got, meta)
	}
}

func TestStore_PutResolvesNameCollisions(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Put("docs", "notes.txt", "text/plain", strings.NewReader("alpha"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	second, err := store.Put("docs", "notes.txt", "text/plain", strings.NewReader("beta"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if first.ResolvedFilename == second.ResolvedFilename {
		t.Errorf("Expected distinct resolved filenames, both are %q", first.ResolvedFilename)
	}
	for _, meta := range []*Metadata{first, second} {
		if _, err := os.Readlink(filepath.Join(store.Root(), "docs", "index", "by_name", meta.ResolvedFilename)); err != nil {
			t.Errorf("Index entry for %q missing: %v", meta.ResolvedFilename, err)
		}
	}
}

func TestStore_PutDeduplicatesContent(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Put("docs", "a.txt", "text/plain", strings.NewReader("same bytes"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	second, err := store.Put("docs", "b.txt", "text/plain", strings.NewReader("same bytes"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if first.Hash != second.Hash {
		t.Fatalf("Expected identical hashes, got %s and %s", first.Hash, second.Hash)
	}

	entries, err := os.ReadDir(filepath.Join(store.Root(), "docs", "raw"))
	if err != nil {
		t.Fatalf("Reading raw dir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected a single blob for duplicated content, got %d entries", len(entries))
	}
}

func TestStore_PutReducesFolderUploadNames(t *testing.T) {
	store := newTestStore(t)

	meta, err := store.Put("docs", "guides/install/setup.md", "", strings.NewReader("# setup"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if meta.OriginalFilename != "setup.md" {
		t.Errorf("Expected folder upload reduced to basename 'setup.md', got %q", meta.OriginalFilename)
	}
	if meta.MimeType == "" {
		t.Error("Expected mime type fallback, got empty string")
	}
}

func TestStore_PutRejectsUnsafeNames(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Put("../escape", "a.txt", "", strings.NewReader("x")); !errors.Is(err, errors.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath for traversal dataset name, got %v", err)
	}
	if _, err := store.Put("docs", "   ", "", strings.NewReader("x")); !errors.Is(err, errors.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath for blank filename, got %v", err)
	}
}

func TestStore_GetMetadataErrors(t *testing.T) {
	store := newTestStore(t)

	missing := strings.Repeat("ab", 32)
	if _, err := store.GetMetadata("docs", missing); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown hash, got %v", err)
	}
	if _, err := store.GetMetadata("docs", "../../../etc/passwd"); !errors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for malformed hash, got %v", err)
	}
}

func TestStore_DeleteRemovesAllEntries(t *testing.T) {
	store := newTestStore(t)

	meta, err := store.Put("docs", "gone.txt", "text/plain", strings.NewReader("temporary"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	deleted, err := store.Delete("docs", meta.Hash)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if deleted.ResolvedFilename != meta.ResolvedFilename {
		t.Errorf("Expected delete to return the stored metadata, got %+v", deleted)
	}

	for _, path := range []string{
		filepath.Join(store.Root(), "docs", "raw", meta.Hash),
		filepath.Join(store.Root(), "docs", "meta", meta.Hash+".json"),
		filepath.Join(store.Root(), "docs", "index", "by_name", meta.ResolvedFilename),
	} {
		if _, err := os.Lstat(path); !os.IsNotExist(err) {
			t.Errorf("Expected %s to be removed, lstat err=%v", path, err)
		}
	}

	if _, err := store.Delete("docs", meta.Hash); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestStore_ListReturnsNewestFirst(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Put("docs", "one.txt", "text/plain", strings.NewReader("one")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := store.Put("docs", "two.txt", "text/plain", strings.NewReader("two")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	records, err := store.List("docs")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp.After(records[i-1].Timestamp) {
			t.Errorf("Expected newest-first ordering, got %v before %v", records[i-1].Timestamp, records[i].Timestamp)
		}
	}

	empty, err := store.List("never-created")
	if err != nil {
		t.Fatalf("List of unknown dataset failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected empty listing, got %d records", len(empty))
	}
}

func TestStore_OpenRoundTrip(t *testing.T) {
	store := newTestStore(t)

	meta, err := store.Put("docs", "read.txt", "text/plain", strings.NewReader("hello blob"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rc, got, err := store.Open("docs", meta.Hash)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("Reading blob failed: %v", err)
	}
	if string(data) != "hello blob" {
		t.Errorf("Expected 'hello blob', got %q", string(data))
	}
	if got.OriginalFilename != "read.txt" {
		t.Errorf("Expected metadata alongside content, got %+v", got)
	}

	path, err := store.BlobPath("docs", meta.Hash)
	if err != nil {
		t.Fatalf("BlobPath failed: %v", err)
	}
	if filepath.Base(path) != meta.Hash {
		t.Errorf("Expected blob path ending in hash, got %s", path)
	}
}

func TestStore_DetectRawBlob(t *testing.T) {
	store := newTestStore(t)

	meta, err := store.Put("docs", "detect.txt", "text/plain", strings.NewReader("find me"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	blobPath := filepath.Join(store.Root(), "docs", "raw", meta.Hash)
	ds, hash, ok := store.DetectRawBlob(blobPath)
	if !ok || ds != "docs" || hash != meta.Hash {
		t.Errorf("Expected (docs, %s, true), got (%s, %s, %v)", meta.Hash, ds, hash, ok)
	}

	// Index symlinks resolve to their blob.
	linkPath := filepath.Join(store.Root(), "docs", "index", "by_name", meta.ResolvedFilename)
	ds, hash, ok = store.DetectRawBlob(linkPath)
	if !ok || ds != "docs" || hash != meta.Hash {
		t.Errorf("Expected symlink detection (docs, %s, true), got (%s, %s, %v)", meta.Hash, ds, hash, ok)
	}

	outside := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(outside, []byte("plain"), 0o644); err != nil {
		t.Fatalf("Writing outside file failed: %v", err)
	}
	if _, _, ok := store.DetectRawBlob(outside); ok {
		t.Error("Expected ordinary file to not be detected as a blob")
	}

	// A sibling directory sharing the root as a string prefix must not match.
	evil := store.Root() + "-evil"
	evilBlob := filepath.Join(evil, "raw", meta.Hash)
	if err := os.MkdirAll(filepath.Dir(evilBlob), 0o755); err != nil {
		t.Fatalf("Creating lookalike dir failed: %v", err)
	}
	if err := os.WriteFile(evilBlob, []byte("evil"), 0o644); err != nil {
		t.Fatalf("Writing lookalike blob failed: %v", err)
	}
	if _, _, ok := store.DetectRawBlob(evilBlob); ok {
		t.Error("Expected lookalike sibling path to not be detected as a blob")
	}
}
