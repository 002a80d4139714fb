package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bromic007/llamafarm-sub004/internal/dataset"
	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/identity"
	"github.com/bromic007/llamafarm-sub004/internal/rag"
)

// handleUploadFiles accepts multipart uploads into a dataset's blob store.
// Each file is capped at LF_MAX_UPLOAD_SIZE; a file of exactly the limit
// passes. The content hash is attached to the dataset's file list so later
// process calls pick it up.
func (s *Server) handleUploadFiles(c *gin.Context) {
	namespace := c.Param("namespace")
	projectName := c.Param("project")
	datasetName := c.Param("dataset")

	form, err := c.MultipartForm()
	if err != nil {
		s.respondError(c, errors.InvalidArgumentf("parse multipart form: %v", err))
		return
	}
	headers := append(form.File["files"], form.File["file"]...)
	if len(headers) == 0 {
		s.respondError(c, errors.InvalidArgumentError("no files in upload"))
		return
	}

	store, err := s.deps.Projects.Datasets(namespace, projectName)
	if err != nil {
		s.respondError(c, err)
		return
	}

	uploaded := make([]dataset.Metadata, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > s.settings.MaxUploadSize {
			s.respondError(c, errors.PayloadTooLargeError("file exceeds upload limit"))
			return
		}
		name, err := identity.SafeBaseName(fh.Filename)
		if err != nil {
			s.respondError(c, err)
			return
		}
		file, err := fh.Open()
		if err != nil {
			s.respondError(c, errors.InvalidArgumentf("open upload %q: %v", name, err))
			return
		}
		meta, err := store.Put(datasetName, name, fh.Header.Get("Content-Type"), file)
		_ = file.Close()
		if err != nil {
			s.respondError(c, err)
			return
		}
		if _, err := s.deps.Projects.AttachDatasetFile(namespace, projectName, datasetName, c.Query("database"), meta.Hash); err != nil {
			s.respondError(c, err)
			return
		}
		uploaded = append(uploaded, *meta)
	}

	c.JSON(http.StatusCreated, gin.H{
		"dataset":  datasetName,
		"uploaded": uploaded,
		"total":    len(uploaded),
	})
}

func (s *Server) handleListFiles(c *gin.Context) {
	store, err := s.deps.Projects.Datasets(c.Param("namespace"), c.Param("project"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	records, err := store.List(c.Param("dataset"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if records == nil {
		records = []dataset.Metadata{}
	}
	c.JSON(http.StatusOK, gin.H{
		"dataset": c.Param("dataset"),
		"files":   records,
		"total":   len(records),
	})
}

// handleDeleteFile removes a blob by hash or resolved filename, detaches it
// from the dataset config, and clears its chunks from the bound database.
func (s *Server) handleDeleteFile(c *gin.Context) {
	namespace := c.Param("namespace")
	projectName := c.Param("project")
	datasetName := c.Param("dataset")

	hash := c.Query("hash")
	filename := c.Query("filename")
	if hash == "" && filename == "" {
		s.respondError(c, errors.InvalidArgumentError("hash or filename is required"))
		return
	}

	store, err := s.deps.Projects.Datasets(namespace, projectName)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if hash == "" {
		hash, err = resolveFileHash(store, datasetName, filename)
		if err != nil {
			s.respondError(c, err)
			return
		}
	}

	meta, err := store.Delete(datasetName, hash)
	if err != nil {
		s.respondError(c, err)
		return
	}

	// Config and vector store cleanup are best effort once the blob is
	// gone; failures are logged, not surfaced.
	var boundDatabase string
	if cfg, err := s.deps.Projects.Get(namespace, projectName); err == nil {
		if dsCfg, err := cfg.DatasetByName(datasetName); err == nil {
			boundDatabase = dsCfg.Database
		}
	}
	if _, err := s.deps.Projects.DetachDatasetFile(namespace, projectName, datasetName, hash); err != nil {
		s.logger.Warn("detach %s from dataset %s: %v", hash, datasetName, err)
	}
	if boundDatabase != "" && s.deps.Pipeline != nil {
		if err := s.deps.Pipeline.DeleteFileChunks(c.Request.Context(), namespace, projectName, boundDatabase, hash); err != nil {
			s.logger.Warn("delete chunks of %s from %s: %v", hash, boundDatabase, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"deleted": meta})
}

// handleProcessDataset queues one ingest task per file and returns the
// group id for polling.
func (s *Server) handleProcessDataset(c *gin.Context) {
	namespace := c.Param("namespace")
	projectName := c.Param("project")
	datasetName := c.Param("dataset")

	var body struct {
		Strategy string   `json:"strategy"`
		Database string   `json:"database"`
		Files    []string `json:"files"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.respondError(c, errors.InvalidArgumentf("parse process body: %v", err))
			return
		}
	}

	cfg, err := s.deps.Projects.Get(namespace, projectName)
	if err != nil {
		s.respondError(c, err)
		return
	}
	dsCfg, err := cfg.DatasetByName(datasetName)
	if err != nil {
		s.respondError(c, err)
		return
	}
	database := body.Database
	if database == "" {
		database = dsCfg.Database
	}
	strategy := body.Strategy
	if strategy == "" {
		strategy = dsCfg.Strategy
	}

	sub := rag.IngestSubmission{
		Namespace:    namespace,
		Project:      projectName,
		Database:     database,
		Dataset:      datasetName,
		StrategyName: strategy,
	}

	var groupID string
	if len(body.Files) > 0 {
		store, err := s.deps.Projects.Datasets(namespace, projectName)
		if err != nil {
			s.respondError(c, err)
			return
		}
		paths := make([]string, 0, len(body.Files))
		for _, h := range body.Files {
			path, err := store.BlobPath(datasetName, h)
			if err != nil {
				s.respondError(c, err)
				return
			}
			paths = append(paths, path)
		}
		sub.Paths = paths
		groupID, err = s.deps.Ingest.SubmitFiles(sub)
	} else {
		groupID, err = s.deps.Ingest.SubmitDataset(sub)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id":  groupID,
		"dataset":  datasetName,
		"database": database,
		"state":    "pending",
	})
}

func resolveFileHash(store *dataset.Store, datasetName, filename string) (string, error) {
	records, err := store.List(datasetName)
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		if rec.ResolvedFilename == filename || rec.OriginalFilename == filename {
			return rec.Hash, nil
		}
	}
	return "", errors.NotFoundf("file %q in dataset %q", filename, datasetName)
}
