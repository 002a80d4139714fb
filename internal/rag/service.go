package rag

import (
	"context"
	"strings"

	"github.com/bromic007/llamafarm-sub004/internal/broker"
	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
)

// TaskIngestFile is the broker task name for single-file ingestion. Dataset
// processing submits a group of these, one per file.
const TaskIngestFile = "rag.ingest_file"

// Task meta keys the service writes so cleanup can find what a finished
// child touched.
const (
	MetaNamespace = "namespace"
	MetaProject   = "project"
	MetaDatabase  = "database"
)

// StrategySource resolves a project's configured strategies. The project
// registry implements this; keeping it an interface here avoids an import
// cycle and lets tests stub configs.
type StrategySource interface {
	// IngestStrategies returns the processing strategy named by
	// strategyName (or the project default when empty) and the embedding
	// strategy of the target database.
	IngestStrategies(namespace, project, database, strategyName string) (ProcessingStrategy, EmbeddingStrategy, error)
}

// IngestSubmission describes a batch of files to ingest as one task group.
type IngestSubmission struct {
	Namespace    string
	Project      string
	Database     string
	Dataset      string
	StrategyName string
	Paths        []string
}

// Service connects the ingest pipeline to the task broker: it registers the
// per-file handler, submits dataset groups and cleans up after cancelled
// runs.
type Service struct {
	pipeline   *Pipeline
	broker     *broker.Broker
	strategies StrategySource
	datasets   DatasetSource
	logger     logging.Logger
}

// NewService wires the service and registers its task handler.
func NewService(pipeline *Pipeline, b *broker.Broker, strategies StrategySource, datasets DatasetSource, logger logging.Logger) (*Service, error) {
	if pipeline == nil || b == nil || strategies == nil {
		return nil, errors.InvalidArgumentError("rag service requires pipeline, broker and strategy source")
	}
	s := &Service{
		pipeline:   pipeline,
		broker:     b,
		strategies: strategies,
		datasets:   datasets,
		logger:     logging.OrNop(logger),
	}
	if err := b.Register(TaskIngestFile, s.handleIngestFile); err != nil {
		return nil, err
	}
	return s, nil
}

// SubmitFiles queues one ingest task per path and returns the group id.
func (s *Service) SubmitFiles(sub IngestSubmission) (string, error) {
	if len(sub.Paths) == 0 {
		return "", errors.InvalidArgumentError("no files to ingest")
	}
	children := make([]broker.ChildSpec, 0, len(sub.Paths))
	for _, path := range sub.Paths {
		if strings.TrimSpace(path) == "" {
			return "", errors.InvalidArgumentError("empty file path in submission")
		}
		children = append(children, broker.ChildSpec{
			Args: map[string]any{
				"namespace": sub.Namespace,
				"project":   sub.Project,
				"database":  sub.Database,
				"dataset":   sub.Dataset,
				"strategy":  sub.StrategyName,
				"path":      path,
			},
			Meta: map[string]string{
				MetaNamespace: sub.Namespace,
				MetaProject:   sub.Project,
				MetaDatabase:  sub.Database,
			},
		})
	}
	return s.broker.SubmitGroup(TaskIngestFile, children)
}

// SubmitDataset queues every file currently in a dataset as one task group.
func (s *Service) SubmitDataset(sub IngestSubmission) (string, error) {
	if s.datasets == nil {
		return "", errors.UnavailableError("no dataset source configured")
	}
	if strings.TrimSpace(sub.Dataset) == "" {
		return "", errors.InvalidArgumentError("dataset name is required")
	}
	store, err := s.datasets.Datasets(sub.Namespace, sub.Project)
	if err != nil {
		return "", err
	}
	records, err := store.List(sub.Dataset)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", errors.NotFoundf("dataset %q has no files", sub.Dataset)
	}
	paths := make([]string, 0, len(records))
	for _, rec := range records {
		path, err := store.BlobPath(sub.Dataset, rec.Hash)
		if err != nil {
			return "", err
		}
		paths = append(paths, path)
	}
	sub.Paths = paths
	return s.SubmitFiles(sub)
}

// CleanupCancelled deletes the chunks written by every already-successful
// child of a cancelled group. Failures are logged per file and skipped so
// one bad store does not strand the rest.
func (s *Service) CleanupCancelled(ctx context.Context, groupID string) (int, error) {
	tasks, err := s.broker.GroupTasks(groupID)
	if err != nil {
		return 0, err
	}
	cleaned := 0
	for _, t := range tasks {
		if t.State != broker.StateSuccess {
			continue
		}
		hash := t.Meta[MetaFileHash]
		db := t.Meta[MetaDatabase]
		ns := t.Meta[MetaNamespace]
		project := t.Meta[MetaProject]
		if hash == "" || db == "" {
			continue
		}
		if err := s.pipeline.DeleteFileChunks(ctx, ns, project, db, hash); err != nil {
			s.logger.Warn("cleanup of %s in %s/%s/%s failed: %v", hash, ns, project, db, err)
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		s.logger.Info("cleaned %d ingested files from cancelled group %s", cleaned, groupID)
	}
	return cleaned, nil
}

func (s *Service) handleIngestFile(ctx context.Context, args map[string]any, task *broker.Task) (any, error) {
	namespace, err := stringArg(args, "namespace", true)
	if err != nil {
		return nil, err
	}
	project, err := stringArg(args, "project", true)
	if err != nil {
		return nil, err
	}
	database, err := stringArg(args, "database", true)
	if err != nil {
		return nil, err
	}
	path, err := stringArg(args, "path", true)
	if err != nil {
		return nil, err
	}
	dataset, _ := stringArg(args, "dataset", false)
	strategyName, _ := stringArg(args, "strategy", false)

	processing, embedding, err := s.strategies.IngestStrategies(namespace, project, database, strategyName)
	if err != nil {
		return nil, err
	}

	result, err := s.pipeline.IngestFile(ctx, IngestFileRequest{
		Namespace: namespace,
		Project:   project,
		Database:  database,
		Dataset:   dataset,
		Path:      path,
		Strategy:  processing,
		Embedding: embedding,
	})
	if err != nil {
		return nil, err
	}

	// Publish what this run touched so a later cleanup pass can undo it.
	if task.Meta == nil {
		task.Meta = map[string]string{}
	}
	task.Meta[MetaFileHash] = result.FileHash
	task.Meta[MetaDatabase] = database
	task.Meta[MetaNamespace] = namespace
	task.Meta[MetaProject] = project
	return result, nil
}

func stringArg(args map[string]any, key string, required bool) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		if required {
			return "", errors.InvalidArgumentf("missing task argument %q", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.InvalidArgumentf("task argument %q is %T, want string", key, v)
	}
	if required && strings.TrimSpace(s) == "" {
		return "", errors.InvalidArgumentf("task argument %q is empty", key)
	}
	return s, nil
}
