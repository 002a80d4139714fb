// Package dataset implements the content-addressed file store backing
// project datasets. Each dataset directory holds raw blobs keyed by SHA-256,
// sidecar metadata per blob and a friendly-name symlink index:
//
//	<root>/<dataset>/
//	  raw/<hash>
//	  meta/<hash>.json
//	  index/by_name/<resolved_filename> -> ../../raw/<hash>
//	  stores/
package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/identity"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
)

const (
	rawDirName    = "raw"
	metaDirName   = "meta"
	indexDirName  = "index"
	byNameDirName = "by_name"
	storesDirName = "stores"

	defaultMimeType = "application/octet-stream"
)

var contentHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Metadata is the sidecar record written next to each stored blob.
type Metadata struct {
	OriginalFilename string    `json:"original_filename"`
	ResolvedFilename string    `json:"resolved_filename"`
	Timestamp        time.Time `json:"timestamp"`
	Size             int64     `json:"size"`
	MimeType         string    `json:"mime_type"`
	Hash             string    `json:"hash"`
}

// Store manages the dataset directories under one project's data root.
type Store struct {
	root   string
	logger logging.Logger
}

// NewStore creates a dataset store rooted at the given directory, creating
// it if needed.
func NewStore(root string, logger logging.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.InvalidArgumentError("dataset store requires a root directory")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve dataset root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset root: %w", err)
	}
	return &Store{root: abs, logger: logging.OrNop(logger)}, nil
}

// Root returns the absolute datasets root directory.
func (s *Store) Root() string {
	return s.root
}

// Put stores an upload: the bytes are hashed with SHA-256, written once per
// content hash under raw/ via atomic rename, described by a sidecar and
// indexed under a resolved filename. The resolved name carries an epoch
// suffix so repeated uploads of the same name never clash.
func (s *Store) Put(dataset, filename, mimeType string, body io.Reader) (*Metadata, error) {
	dsDir, err := identity.SafeJoin(s.root, dataset)
	if err != nil {
		return nil, err
	}
	// Folder uploads arrive with path-qualified names; only the final
	// component is kept so uploads cannot create nested directories.
	original, err := identity.SafeBaseName(filename)
	if err != nil {
		return nil, err
	}
	if err := ensureLayout(dsDir); err != nil {
		return nil, err
	}

	hash, size, err := s.writeBlob(dsDir, body)
	if err != nil {
		return nil, err
	}

	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(original))
	}
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	target := filepath.ToSlash(filepath.Join("..", "..", rawDirName, hash))
	byNameDir := filepath.Join(dsDir, indexDirName, byNameDirName)
	resolved, reused, err := resolveEntryName(byNameDir, original, target)
	if err != nil {
		return nil, fmt.Errorf("resolve index name: %w", err)
	}

	meta := &Metadata{
		OriginalFilename: original,
		ResolvedFilename: resolved,
		Timestamp:        time.Now().UTC(),
		Size:             size,
		MimeType:         mimeType,
		Hash:             hash,
	}
	if err := writeSidecar(sidecarPath(dsDir, hash), meta); err != nil {
		return nil, err
	}
	if !reused {
		if err := os.Symlink(target, filepath.Join(byNameDir, resolved)); err != nil {
			return nil, fmt.Errorf("index dataset file: %w", err)
		}
	}

	s.logger.Info("stored dataset file %s/%s as %s (%d bytes)", dataset, original, hash[:12], size)
	return meta, nil
}

// writeBlob streams body through a SHA-256 into a temp file, then renames it
// to its content hash. An existing blob with the same hash is kept as is.
func (s *Store) writeBlob(dsDir string, body io.Reader) (string, int64, error) {
	rawDir := filepath.Join(dsDir, rawDirName)
	sum := sha256.New()
	tee := io.TeeReader(body, sum)

	tmpPath := filepath.Join(rawDir, fmt.Sprintf("tmp-%d", time.Now().UnixNano()))
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("create temp blob: %w", err)
	}
	size, err := io.Copy(f, tee)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("close blob: %w", err)
	}

	hash := hex.EncodeToString(sum.Sum(nil))
	finalPath := filepath.Join(rawDir, hash)
	if _, err := os.Stat(finalPath); err == nil {
		_ = os.Remove(tmpPath)
		return hash, size, nil
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("rename blob: %w", err)
	}
	return hash, size, nil
}

// GetMetadata returns the sidecar record for a stored blob.
func (s *Store) GetMetadata(dataset, hash string) (*Metadata, error) {
	dsDir, err := s.datasetDir(dataset, hash)
	if err != nil {
		return nil, err
	}
	return readSidecar(sidecarPath(dsDir, hash))
}

// Open returns the blob contents together with its metadata.
func (s *Store) Open(dataset, hash string) (io.ReadCloser, *Metadata, error) {
	dsDir, err := s.datasetDir(dataset, hash)
	if err != nil {
		return nil, nil, err
	}
	meta, err := readSidecar(sidecarPath(dsDir, hash))
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(dsDir, rawDirName, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.NotFoundf("dataset blob %s", hash)
		}
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}
	return f, meta, nil
}

// BlobPath returns the filesystem path of a stored blob. Parsers that must
// read from disk (PDF) use this instead of Open.
func (s *Store) BlobPath(dataset, hash string) (string, error) {
	dsDir, err := s.datasetDir(dataset, hash)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dsDir, rawDirName, hash)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", errors.NotFoundf("dataset blob %s", hash)
		}
		return "", fmt.Errorf("stat blob: %w", err)
	}
	return path, nil
}

// Delete removes a stored file: symlink first, then blob, then sidecar. A
// failure after the symlink is gone is surfaced as is; there is no rollback.
func (s *Store) Delete(dataset, hash string) (*Metadata, error) {
	dsDir, err := s.datasetDir(dataset, hash)
	if err != nil {
		return nil, err
	}
	meta, err := readSidecar(sidecarPath(dsDir, hash))
	if err != nil {
		return nil, err
	}

	linkPath := filepath.Join(dsDir, indexDirName, byNameDirName, meta.ResolvedFilename)
	if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove index entry: %w", err)
	}
	if err := os.Remove(filepath.Join(dsDir, rawDirName, hash)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove blob: %w", err)
	}
	if err := os.Remove(sidecarPath(dsDir, hash)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove sidecar: %w", err)
	}

	s.logger.Info("deleted dataset file %s/%s (%s)", dataset, meta.OriginalFilename, hash[:12])
	return meta, nil
}

// List returns the sidecar records of a dataset, newest first.
func (s *Store) List(dataset string) ([]Metadata, error) {
	dsDir, err := identity.SafeJoin(s.root, dataset)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dsDir, metaDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return []Metadata{}, nil
		}
		return nil, fmt.Errorf("list dataset %s: %w", dataset, err)
	}

	records := make([]Metadata, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		meta, err := readSidecar(filepath.Join(dsDir, metaDirName, entry.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable sidecar %s: %v", entry.Name(), err)
			continue
		}
		records = append(records, *meta)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ResolvedFilename < records[j].ResolvedFilename
		}
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// StoresDir returns (and creates) the vector store directory of a dataset.
func (s *Store) StoresDir(dataset string) (string, error) {
	dsDir, err := identity.SafeJoin(s.root, dataset)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(dsDir, storesDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create stores dir: %w", err)
	}
	return dir, nil
}

// DetectRawBlob reports whether path points at a stored blob and, if so,
// which dataset and hash it belongs to. Detection uses canonical path
// containment: symlinked paths (including index entries) resolve to their
// blob, and lookalike sibling directories never match.
func (s *Store) DetectRawBlob(path string) (dataset, hash string, ok bool) {
	root, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return "", "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", false
	}
	if canonical, err := filepath.EvalSymlinks(abs); err == nil {
		abs = canonical
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 || parts[0] == ".." || parts[1] != rawDirName {
		return "", "", false
	}
	if !contentHashPattern.MatchString(parts[2]) {
		return "", "", false
	}
	return parts[0], parts[2], true
}

func (s *Store) datasetDir(dataset, hash string) (string, error) {
	if !contentHashPattern.MatchString(hash) {
		return "", errors.InvalidArgumentf("malformed content hash %q", hash)
	}
	return identity.SafeJoin(s.root, dataset)
}

func ensureLayout(dsDir string) error {
	for _, dir := range []string{
		filepath.Join(dsDir, rawDirName),
		filepath.Join(dsDir, metaDirName),
		filepath.Join(dsDir, indexDirName, byNameDirName),
		filepath.Join(dsDir, storesDirName),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dataset layout: %w", err)
		}
	}
	return nil
}

func sidecarPath(dsDir, hash string) string {
	return filepath.Join(dsDir, metaDirName, hash+".json")
}

// resolveEntryName picks the indexed filename for an upload: the stem gains
// an epoch suffix, bumped until the name is free. An existing symlink that
// already points at the same blob is reused, so re-uploading identical
// content under the same name does not grow the index.
func resolveEntryName(byNameDir, filename, target string) (string, bool, error) {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	epoch := time.Now().Unix()
	for {
		candidate := fmt.Sprintf("%s_%d%s", stem, epoch, ext)
		path := filepath.Join(byNameDir, candidate)
		info, err := os.Lstat(path)
		if os.IsNotExist(err) {
			return candidate, false, nil
		}
		if err != nil {
			return "", false, err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if existing, readErr := os.Readlink(path); readErr == nil && existing == target {
				return candidate, true, nil
			}
		}
		epoch++
	}
}

func writeSidecar(path string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	tmpPath := fmt.Sprintf("%s.tmp-%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persist sidecar: %w", err)
	}
	return nil
}

func readSidecar(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("dataset file %s", strings.TrimSuffix(filepath.Base(path), ".json"))
		}
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse sidecar %s: %w", filepath.Base(path), err)
	}
	return &meta, nil
}
