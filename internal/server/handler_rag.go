package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/observability"
	"github.com/bromic007/llamafarm-sub004/internal/rag"
)

// ragQueryRequest covers both the single-query and the batch form. Queries
// wins when both are present.
type ragQueryRequest struct {
	Database          string            `json:"database"`
	Query             string            `json:"query"`
	Queries           []string          `json:"queries"`
	TopK              int               `json:"top_k"`
	ScoreThreshold    *float64          `json:"score_threshold"`
	RetrievalStrategy string            `json:"retrieval_strategy"`
	Filters           map[string]string `json:"filters"`
}

func (s *Server) handleRAGQuery(c *gin.Context) {
	namespace := c.Param("namespace")
	projectName := c.Param("project")

	var req ragQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.InvalidArgumentf("parse query body: %v", err))
		return
	}
	if req.Database == "" {
		s.respondError(c, errors.InvalidArgumentError("database is required"))
		return
	}
	if req.Query == "" && len(req.Queries) == 0 {
		s.respondError(c, errors.InvalidArgumentError("query or queries is required"))
		return
	}

	embedding, retrieval, err := s.deps.Projects.QueryStrategies(namespace, projectName, req.Database, req.RetrievalStrategy)
	if err != nil {
		s.respondError(c, err)
		return
	}

	ctx, span := s.deps.Tracing.StartSpan(c.Request.Context(), observability.SpanRetrieval,
		attribute.String(observability.AttrNamespace, namespace),
		attribute.String(observability.AttrProject, projectName),
		attribute.String(observability.AttrDatabase, req.Database),
	)
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	base := rag.QueryRequest{
		Namespace:      namespace,
		Project:        projectName,
		Database:       req.Database,
		Embedding:      embedding,
		Retrieval:      retrieval,
		TopK:           req.TopK,
		ScoreThreshold: req.ScoreThreshold,
		Filters:        req.Filters,
	}

	if len(req.Queries) > 0 {
		reqs := make([]rag.QueryRequest, len(req.Queries))
		for i, q := range req.Queries {
			reqs[i] = base
			reqs[i].Query = q
		}
		items := s.deps.Retriever.BatchQuery(c.Request.Context(), reqs)
		c.JSON(http.StatusOK, gin.H{"database": req.Database, "batch": items})
		return
	}

	base.Query = req.Query
	chunks, err := s.deps.Retriever.Query(c.Request.Context(), base)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if chunks == nil {
		chunks = []rag.RetrievedChunk{}
	}
	c.JSON(http.StatusOK, gin.H{
		"database": req.Database,
		"results":  chunks,
		"total":    len(chunks),
	})
}

func (s *Server) handleListDatabases(c *gin.Context) {
	cfg, err := s.deps.Projects.Get(c.Param("namespace"), c.Param("project"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	dbs := cfg.RAG.Databases
	if dbs == nil {
		dbs = []rag.Database{}
	}
	c.JSON(http.StatusOK, gin.H{"databases": dbs, "total": len(dbs)})
}

func (s *Server) handleCreateDatabase(c *gin.Context) {
	namespace := c.Param("namespace")
	projectName := c.Param("project")

	var db rag.Database
	if err := c.ShouldBindJSON(&db); err != nil {
		s.respondError(c, errors.InvalidArgumentf("parse database body: %v", err))
		return
	}
	if _, err := s.deps.Projects.AddDatabase(namespace, projectName, db); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, db)
}

func (s *Server) handleRAGStats(c *gin.Context) {
	namespace := c.Param("namespace")
	projectName := c.Param("project")

	cfg, err := s.deps.Projects.Get(namespace, projectName)
	if err != nil {
		s.respondError(c, err)
		return
	}

	want := c.Query("database")
	stats := make([]*rag.StoreStats, 0, len(cfg.RAG.Databases))
	for _, db := range cfg.RAG.Databases {
		if want != "" && db.Name != want {
			continue
		}
		st, err := s.deps.Stores.Stats(namespace, projectName, db.Name)
		if err != nil {
			s.respondError(c, err)
			return
		}
		stats = append(stats, st)
	}
	if want != "" && len(stats) == 0 {
		s.respondError(c, errors.NotFoundf("database %q", want))
		return
	}
	c.JSON(http.StatusOK, gin.H{"databases": stats, "total": len(stats)})
}
