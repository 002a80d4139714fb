// Package server is the HTTP and websocket surface of the platform. It
// wires the gin engine, the /v1 route tree, the middleware chain and the
// two streaming endpoints on top of the core subsystems.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bromic007/llamafarm-sub004/internal/broker"
	"github.com/bromic007/llamafarm-sub004/internal/config"
	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/events"
	"github.com/bromic007/llamafarm-sub004/internal/history"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
	"github.com/bromic007/llamafarm-sub004/internal/modelcache"
	"github.com/bromic007/llamafarm-sub004/internal/models"
	"github.com/bromic007/llamafarm-sub004/internal/observability"
	"github.com/bromic007/llamafarm-sub004/internal/project"
	"github.com/bromic007/llamafarm-sub004/internal/rag"
	"github.com/bromic007/llamafarm-sub004/internal/session"
	"github.com/bromic007/llamafarm-sub004/internal/vision"
	"github.com/bromic007/llamafarm-sub004/internal/voice"
)

// Version is stamped by the build; the default marks source builds.
var Version = "dev"

// Deps are the subsystems the handlers run on. Bootstrap builds the full
// production set; tests assemble smaller ones.
type Deps struct {
	Projects   *project.Registry
	Manager    *models.Manager
	Broker     *broker.Broker
	Stores     *rag.StoreManager
	Pipeline   *rag.Pipeline
	Ingest     *rag.Service
	Retriever  *rag.Retriever
	Sessions   *session.Manager
	Summarizer *history.Summarizer
	Events     *events.Log
	Voice      *voice.Service
	Vision     *vision.Service
	Metrics    *observability.Metrics
	Tracing    *observability.TracerProvider
	Logger     logging.Logger
}

// Server owns the gin engine and the http.Server around it.
type Server struct {
	settings config.Settings
	deps     Deps
	logger   logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time

	// Owned by Bootstrap; nil when the server was assembled from Deps.
	cache          *modelcache.Cache
	visionRegistry *vision.Registry
}

// New builds the engine, middleware chain and route tree. It does not start
// listening; call Run.
func New(settings config.Settings, deps Deps) (*Server, error) {
	if deps.Projects == nil {
		return nil, errors.New("server: project registry is required")
	}
	if deps.Manager == nil {
		return nil, errors.New("server: model manager is required")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		settings: settings,
		deps:     deps,
		logger:   logging.OrNop(deps.Logger),
		engine:   engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	engine.Use(s.requestIDMiddleware())
	engine.Use(s.sessionIDMiddleware())
	engine.Use(s.tracingMiddleware())
	engine.Use(s.accessLogMiddleware())
	engine.Use(s.recoveryMiddleware())
	engine.Use(cors.New(s.corsConfig()))

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", settings.Host, settings.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Engine exposes the router for httptest-based handler tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With", "X-Session-ID", "X-Request-Id"}
	cfg.ExposeHeaders = []string{"X-Session-ID", "X-Request-Id"}
	cfg.AllowWebSockets = true
	for _, origin := range s.settings.CORSOrigins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowOrigins = nil
			return cfg
		}
	}
	cfg.AllowOrigins = s.settings.CORSOrigins
	return cfg
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.settings.MetricsEnabled {
		s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := s.engine.Group("/v1")

	ns := v1.Group("/projects/:namespace")
	{
		ns.GET("", s.handleListProjects)
		ns.POST("", s.handleCreateProject)
	}

	proj := ns.Group("/:project")
	{
		proj.GET("", s.handleGetProject)
		proj.PUT("", s.handleUpdateProject)
		proj.DELETE("", s.handleDeleteProject)

		proj.POST("/chat/completions", s.handleChatCompletions)

		proj.POST("/rag/query", s.handleRAGQuery)
		proj.GET("/rag/databases", s.handleListDatabases)
		proj.POST("/rag/databases", s.handleCreateDatabase)
		proj.GET("/rag/stats", s.handleRAGStats)

		proj.POST("/datasets/:dataset/files", s.handleUploadFiles)
		proj.DELETE("/datasets/:dataset/files", s.handleDeleteFile)
		proj.GET("/datasets/:dataset/files", s.handleListFiles)
		proj.POST("/datasets/:dataset/process", s.handleProcessDataset)

		proj.GET("/tasks/:task_id", s.handleGetTask)
		proj.DELETE("/tasks/:task_id", s.handleRevokeTask)

		proj.GET("/event_logs", s.handleListEvents)
		proj.GET("/event_logs/:event_id", s.handleGetEvent)

		proj.GET("/models", s.handleListModels)
		proj.POST("/models/:model/load", s.handleLoadModel)
		proj.DELETE("/models/:model", s.handleUnloadModel)
		proj.POST("/models/:model/fit", s.handleFitModel)
		proj.POST("/models/:model/predict", s.handlePredictModel)
	}

	// The voice and vision sockets live at /v1/{ns}/{project}/... without
	// the projects segment. The router's radix tree cannot hold a wildcard
	// namespace next to the static projects segment, so these two paths
	// are matched by hand in the fallback.
	s.engine.NoRoute(s.dispatchStreamRoutes)
}

// Run blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Run() error {
	s.logger.Info("listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": Version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}
