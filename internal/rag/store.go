package rag

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/identity"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
)

// Metadata keys every stored chunk carries. file_hash drives cleanup after
// cancelled ingestions.
const (
	MetaFileHash   = "file_hash"
	MetaDataset    = "dataset"
	MetaSource     = "source"
	MetaChunkIndex = "chunk_index"
)

// StoredChunk is one embedded chunk as persisted in a vector store.
type StoredChunk struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Scored pairs a stored chunk with its query similarity.
type Scored struct {
	Chunk      StoredChunk
	Similarity float32
}

// VectorStore is one database's chunk storage.
type VectorStore interface {
	// Add upserts chunks. Every chunk must carry a precomputed embedding.
	Add(ctx context.Context, chunks []StoredChunk) error

	// Query returns up to topK chunks most similar to the embedding,
	// optionally restricted by exact-match metadata filters. topK larger
	// than the store is clamped, an empty store returns no results.
	Query(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]Scored, error)

	// DeleteByFileHash removes every chunk ingested from one source file.
	DeleteByFileHash(ctx context.Context, fileHash string) error

	// DeleteByIDs removes specific chunks.
	DeleteByIDs(ctx context.Context, ids []string) error

	Count() int
	Close() error
}

type chromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	path       string
}

func newChromemStore(path, collectionName string) (*chromemStore, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("create persistent DB: %w", err)
	}
	// Vectors are always precomputed, so the embedding func only exists to
	// satisfy the collection contract.
	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("text queries require a precomputed embedding")
	}
	collection, err := db.GetOrCreateCollection(collectionName, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &chromemStore{db: db, collection: collection, path: path}, nil
}

func (s *chromemStore) Add(ctx context.Context, chunks []StoredChunk) error {
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return errors.InvalidArgumentf("chunk %s has no embedding", c.ID)
		}
		err := s.collection.AddDocument(ctx, chromem.Document{
			ID:        c.ID,
			Content:   c.Content,
			Embedding: c.Embedding,
			Metadata:  c.Metadata,
		})
		if err != nil {
			return fmt.Errorf("add chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

func (s *chromemStore) Query(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]Scored, error) {
	if len(embedding) == 0 {
		return nil, errors.InvalidArgumentf("query embedding is empty")
	}
	if topK <= 0 {
		topK = 5
	}
	// chromem rejects nResults beyond the collection size, and a filter can
	// shrink the candidate set below any requested nResults. Rank the whole
	// collection and apply metadata filters here so topK stays a cap, not a
	// promise chromem has to keep.
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	fetch := topK
	if len(filters) > 0 || fetch > count {
		fetch = count
	}
	results, err := s.collection.QueryEmbedding(ctx, embedding, fetch, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	scored := make([]Scored, 0, len(results))
	for _, r := range results {
		if !matchesFilters(r.Metadata, filters) {
			continue
		}
		scored = append(scored, Scored{
			Chunk: StoredChunk{
				ID:        r.ID,
				Content:   r.Content,
				Embedding: r.Embedding,
				Metadata:  r.Metadata,
			},
			Similarity: r.Similarity,
		})
		if len(scored) == topK {
			break
		}
	}
	return scored, nil
}

func matchesFilters(metadata, filters map[string]string) bool {
	for k, v := range filters {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

func (s *chromemStore) DeleteByFileHash(ctx context.Context, fileHash string) error {
	if strings.TrimSpace(fileHash) == "" {
		return errors.InvalidArgumentf("file hash is empty")
	}
	return s.collection.Delete(ctx, map[string]string{MetaFileHash: fileHash}, nil)
}

func (s *chromemStore) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.collection.Delete(ctx, nil, nil, ids...)
}

func (s *chromemStore) Count() int {
	return s.collection.Count()
}

func (s *chromemStore) Close() error {
	// chromem persists on every mutation, nothing to flush.
	return nil
}

// StoreStats summarizes one database's vector store.
type StoreStats struct {
	Database  string `json:"database"`
	Chunks    int    `json:"chunks"`
	DiskBytes int64  `json:"disk_bytes"`
	Path      string `json:"path"`
}

// StoreManager opens and caches vector stores across projects. Store data
// lives under <root>/<namespace>/<project>/lf_data/stores/<database>.
type StoreManager struct {
	root   string
	logger logging.Logger

	mu     sync.Mutex
	stores map[string]*chromemStore
}

// NewStoreManager creates a manager rooted at the projects data root.
func NewStoreManager(root string, logger logging.Logger) (*StoreManager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.InvalidArgumentError("store manager requires a root directory")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	return &StoreManager{
		root:   abs,
		logger: logging.OrNop(logger),
		stores: map[string]*chromemStore{},
	}, nil
}

func (m *StoreManager) storePath(namespace, project, database string) (string, error) {
	projDir, err := m.projectDir(namespace, project)
	if err != nil {
		return "", err
	}
	return identity.SafeJoin(filepath.Join(projDir, "lf_data", "stores"), database)
}

func (m *StoreManager) projectDir(namespace, project string) (string, error) {
	nsDir, err := identity.SafeJoin(m.root, namespace)
	if err != nil {
		return "", err
	}
	return identity.SafeJoin(nsDir, project)
}

// Open returns the vector store for a database, creating it on first use.
func (m *StoreManager) Open(namespace, project, database string) (VectorStore, error) {
	path, err := m.storePath(namespace, project, database)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[path]; ok {
		return s, nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s, err := newChromemStore(path, "chunks")
	if err != nil {
		return nil, err
	}
	m.stores[path] = s
	m.logger.Debug("opened vector store %s/%s/%s", namespace, project, database)
	return s, nil
}

// Stats reports chunk count and disk usage for a database.
func (m *StoreManager) Stats(namespace, project, database string) (*StoreStats, error) {
	s, err := m.Open(namespace, project, database)
	if err != nil {
		return nil, err
	}
	path, _ := m.storePath(namespace, project, database)
	var diskBytes int64
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			diskBytes += info.Size()
		}
		return nil
	})
	return &StoreStats{
		Database:  database,
		Chunks:    s.Count(),
		DiskBytes: diskBytes,
		Path:      path,
	}, nil
}

// Drop closes a database's store and removes its files.
func (m *StoreManager) Drop(namespace, project, database string) error {
	path, err := m.storePath(namespace, project, database)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if s, ok := m.stores[path]; ok {
		_ = s.Close()
		delete(m.stores, path)
	}
	m.mu.Unlock()
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove store dir: %w", err)
	}
	m.logger.Info("dropped vector store %s/%s/%s", namespace, project, database)
	return nil
}

// CloseProject evicts every open store under one project, for project
// deletion. Files are left for the caller to remove with the project dir.
func (m *StoreManager) CloseProject(namespace, project string) {
	prefix, err := m.projectDir(namespace, project)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, s := range m.stores {
		if strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			_ = s.Close()
			delete(m.stores, path)
		}
	}
}
