package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bromic007/llamafarm-sub004/internal/dataset"
	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
)

// DatasetSource resolves a project's dataset store.
type DatasetSource interface {
	Datasets(namespace, project string) (*dataset.Store, error)
}

// IngestFileRequest describes one file to push through the processing
// pipeline into a database. Overrides is the request-level cascade layer,
// keyed by parser type.
type IngestFileRequest struct {
	Namespace string
	Project   string
	Database  string
	Dataset   string
	Path      string
	Strategy  ProcessingStrategy
	Embedding EmbeddingStrategy
	Overrides map[string]map[string]any
}

// FileResult summarizes one successfully ingested file.
type FileResult struct {
	File      string `json:"file"`
	FileHash  string `json:"file_hash"`
	Parser    string `json:"parser"`
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
}

// Pipeline executes the ingest flow: locate, parse, extract, chunk, embed,
// store. One pipeline serves all projects.
type Pipeline struct {
	parsers    *ParserRegistry
	extractors *ExtractorRegistry
	stores     *StoreManager
	datasets   DatasetSource
	embedders  *EmbedderPool
	logger     logging.Logger
}

// PipelineConfig wires a pipeline's collaborators.
type PipelineConfig struct {
	Stores    *StoreManager
	Datasets  DatasetSource
	Embedders *EmbedderPool
	Logger    logging.Logger
}

// NewPipeline builds the ingest pipeline with builtin parser and extractor
// registries.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Stores == nil {
		return nil, errors.InvalidArgumentError("pipeline requires a store manager")
	}
	if cfg.Embedders == nil {
		return nil, errors.InvalidArgumentError("pipeline requires an embedder pool")
	}
	return &Pipeline{
		parsers:    NewParserRegistry(),
		extractors: NewExtractorRegistry(),
		stores:     cfg.Stores,
		datasets:   cfg.Datasets,
		embedders:  cfg.Embedders,
		logger:     logging.OrNop(cfg.Logger),
	}, nil
}

// IngestFile runs one file through the full pipeline. Paths pointing into a
// dataset's raw blob area resolve the original filename and MIME type from
// the blob's sidecar, so parser selection sees the name the user uploaded.
func (p *Pipeline) IngestFile(ctx context.Context, req IngestFileRequest) (*FileResult, error) {
	src, fileHash, dsName, err := p.loadSource(req)
	if err != nil {
		return nil, err
	}
	if req.Dataset == "" {
		req.Dataset = dsName
	}

	pc, ok := SelectParser(req.Strategy, src.Filename, src.MimeType)
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoParser, src.Filename, src.MimeType)
	}
	rp, err := ResolveParser(pc, req.Overrides[pc.Type])
	if err != nil {
		return nil, err
	}
	parser, err := p.parsers.Get(rp.Type)
	if err != nil {
		return nil, err
	}

	docs, err := parser.Parse(ctx, src, rp)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", src.Filename, err)
	}
	result := &FileResult{File: src.Filename, FileHash: fileHash, Parser: rp.Type}
	if len(docs) == 0 {
		p.logger.Info("file %s parsed to no content, nothing to index", src.Filename)
		return result, nil
	}

	for i := range docs {
		docs[i].ID = fmt.Sprintf("%s:%d", fileHash, i)
		docs[i].Metadata = cloneMeta(docs[i].Metadata)
		docs[i].Metadata[MetaSource] = src.Filename
		docs[i].Metadata[MetaFileHash] = fileHash
		if req.Dataset != "" {
			docs[i].Metadata[MetaDataset] = req.Dataset
		}
	}
	docs = p.runExtractors(ctx, docs, req.Strategy.Extractors)
	result.Documents = len(docs)

	var stored []StoredChunk
	var texts []string
	for _, doc := range docs {
		for _, chunk := range SplitText(doc.Content, rp.Chunking) {
			meta := cloneMeta(doc.Metadata)
			meta[MetaChunkIndex] = strconv.Itoa(chunk.Index)
			stored = append(stored, StoredChunk{
				ID:       fmt.Sprintf("%s:%d", doc.ID, chunk.Index),
				Content:  chunk.Text,
				Metadata: meta,
			})
			texts = append(texts, chunk.Text)
		}
	}
	if len(stored) == 0 {
		p.logger.Info("file %s chunked to nothing, nothing to index", src.Filename)
		return result, nil
	}

	embedder, err := p.embedders.For(ctx, req.Embedding)
	if err != nil {
		return nil, err
	}
	vectors, err := embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", src.Filename, err)
	}
	for i := range stored {
		stored[i].Embedding = vectors[i]
	}

	store, err := p.stores.Open(req.Namespace, req.Project, req.Database)
	if err != nil {
		return nil, err
	}
	// Re-ingesting a file replaces its chunks instead of stacking stale ones.
	if err := store.DeleteByFileHash(ctx, fileHash); err != nil {
		p.logger.Warn("pre-ingest cleanup for %s failed: %v", fileHash, err)
	}
	if err := store.Add(ctx, stored); err != nil {
		if derr := store.DeleteByFileHash(context.WithoutCancel(ctx), fileHash); derr != nil {
			p.logger.Warn("rollback of partial ingest %s failed: %v", fileHash, derr)
		}
		return nil, fmt.Errorf("store %s: %w", src.Filename, err)
	}

	result.Chunks = len(stored)
	p.logger.Info("ingested %s into %s/%s/%s: %d documents, %d chunks",
		src.Filename, req.Namespace, req.Project, req.Database, result.Documents, result.Chunks)
	return result, nil
}

// DeleteFileChunks removes everything a previously ingested file put into a
// database. Used when a task group is cancelled partway through.
func (p *Pipeline) DeleteFileChunks(ctx context.Context, namespace, project, database, fileHash string) error {
	store, err := p.stores.Open(namespace, project, database)
	if err != nil {
		return err
	}
	return store.DeleteByFileHash(ctx, fileHash)
}

func (p *Pipeline) loadSource(req IngestFileRequest) (Source, string, string, error) {
	if p.datasets != nil {
		store, err := p.datasets.Datasets(req.Namespace, req.Project)
		if err != nil {
			return Source{}, "", "", err
		}
		if dsName, hash, ok := store.DetectRawBlob(req.Path); ok {
			rc, meta, err := store.Open(dsName, hash)
			if err != nil {
				return Source{}, "", "", err
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				return Source{}, "", "", fmt.Errorf("read blob %s: %w", hash, err)
			}
			return Source{
				Path:     req.Path,
				Filename: meta.OriginalFilename,
				MimeType: meta.MimeType,
				Data:     data,
			}, hash, dsName, nil
		}
	}

	data, err := os.ReadFile(req.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Source{}, "", "", errors.NotFoundf("file %s", req.Path)
		}
		return Source{}, "", "", fmt.Errorf("read %s: %w", req.Path, err)
	}
	sum := sha256.Sum256(data)
	filename := filepath.Base(req.Path)
	return Source{
		Path:     req.Path,
		Filename: filename,
		MimeType: GuessMimeType(filename),
		Data:     data,
	}, hex.EncodeToString(sum[:]), "", nil
}

// runExtractors applies each configured extractor in order. A failing or
// unknown extractor is logged and skipped; it never fails the file.
func (p *Pipeline) runExtractors(ctx context.Context, docs []Document, configs []ExtractorConfig) []Document {
	for _, cfg := range configs {
		ex, err := p.extractors.Get(cfg.Type)
		if err != nil {
			p.logger.Warn("skipping extractor %q: %v", cfg.Type, err)
			continue
		}
		out, err := ex.Extract(ctx, docs, cfg)
		if err != nil {
			p.logger.Warn("extractor %q failed, continuing without it: %v", cfg.Type, err)
			continue
		}
		docs = out
	}
	return docs
}
