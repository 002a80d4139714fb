package server

import (
	"context"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

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

const (
	visionIdleTTL       = 60 * time.Second
	visionSweepInterval = 30 * time.Second
)

// managerEncoders adapts the model manager to the encoder source the RAG
// layer wants: an embedding strategy names an encoder model directly.
type managerEncoders struct {
	manager *models.Manager
}

func (m managerEncoders) Encoder(ctx context.Context, strategy rag.EmbeddingStrategy) (models.EncoderModel, error) {
	return m.manager.Encoder(ctx, models.Spec{
		Family:  models.FamilyEncoder,
		Model:   strategy.Model,
		BaseURL: strategy.BaseURL,
		APIKey:  strategy.APIKey,
	})
}

// Bootstrap assembles the full production subsystem graph from settings
// and returns a ready-to-run server. Close releases everything Bootstrap
// started.
func Bootstrap(settings config.Settings) (*Server, error) {
	logger := logging.NewComponentLogger("Server")

	projects, err := project.NewRegistry(settings.DataRoot, logging.NewComponentLogger("Projects"))
	if err != nil {
		return nil, err
	}

	var metrics *observability.Metrics
	if settings.MetricsEnabled {
		metrics, err = observability.NewMetrics()
		if err != nil {
			return nil, err
		}
	}
	tracing, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:        settings.TracingEnabled,
		Exporter:       settings.TracingExporter,
		Endpoint:       settings.TracingEndpoint,
		ServiceVersion: Version,
	})
	if err != nil {
		return nil, err
	}

	cache := modelcache.New(modelcache.Config{
		TTL:           settings.ModelUnloadTimeout,
		CheckInterval: settings.CleanupCheckInterval,
		Logger:        logging.NewComponentLogger("ModelCache"),
		OnLoad:        metrics.OnModelLoad(),
		OnEvict:       metrics.OnModelEvict(),
	})
	manager := models.NewManager(cache, settings.RuntimeBaseURL, logging.NewComponentLogger("Models"))

	breakers := errors.NewCircuitBreakerManager(errors.DefaultCircuitBreakerConfig())
	encoders := managerEncoders{manager: manager}
	embedders := rag.NewEmbedderPool(encoders, breakers, logging.NewComponentLogger("Embedders"))

	stores, err := rag.NewStoreManager(settings.DataRoot, logging.NewComponentLogger("Stores"))
	if err != nil {
		_ = cache.Close(context.Background())
		return nil, err
	}
	pipeline, err := rag.NewPipeline(rag.PipelineConfig{
		Stores:    stores,
		Datasets:  projects,
		Embedders: embedders,
		Logger:    logging.NewComponentLogger("Pipeline"),
	})
	if err != nil {
		_ = cache.Close(context.Background())
		return nil, err
	}

	taskBroker := broker.New(
		broker.WithLogger(logging.NewComponentLogger("Broker")),
		broker.WithPersistenceFile(filepath.Join(settings.DataRoot, ".broker", "tasks.json")),
	)
	if err := metrics.RegisterQueueDepth(taskBroker.QueueDepth); err != nil {
		taskBroker.Close()
		_ = cache.Close(context.Background())
		return nil, err
	}
	ingest, err := rag.NewService(pipeline, taskBroker, projects, projects, logging.NewComponentLogger("Ingest"))
	if err != nil {
		taskBroker.Close()
		_ = cache.Close(context.Background())
		return nil, err
	}
	retriever, err := rag.NewRetriever(stores, embedders, encoders, logging.NewComponentLogger("Retriever"))
	if err != nil {
		taskBroker.Close()
		_ = cache.Close(context.Background())
		return nil, err
	}

	sessions := session.NewManager(projects, logging.NewComponentLogger("Sessions"))
	summarizer := history.NewSummarizer(manager, logging.NewComponentLogger("Summarizer"))
	eventLog := events.NewLog(projects, logging.NewComponentLogger("Events"))

	slots := semaphore.NewWeighted(int64(settings.MaxStreamSessions))
	voiceSvc := voice.NewService(manager, manager, slots, logging.NewComponentLogger("Voice"))
	visionReg := vision.NewRegistry(vision.RegistryConfig{
		IdleTTL:       visionIdleTTL,
		SweepInterval: visionSweepInterval,
		Slots:         slots,
		Logger:        logging.NewComponentLogger("Vision"),
	})
	visionSvc := vision.NewService(visionReg, manager, logging.NewComponentLogger("Vision"))

	// Deleting a project releases everything keyed on it.
	projects.OnDelete(func(namespace, name string) {
		sessions.Evict(namespace, name)
		stores.CloseProject(namespace, name)
		eventLog.Release(namespace, name)
	})

	srv, err := New(settings, Deps{
		Projects:   projects,
		Manager:    manager,
		Broker:     taskBroker,
		Stores:     stores,
		Pipeline:   pipeline,
		Ingest:     ingest,
		Retriever:  retriever,
		Sessions:   sessions,
		Summarizer: summarizer,
		Events:     eventLog,
		Voice:      voiceSvc,
		Vision:     visionSvc,
		Metrics:    metrics,
		Tracing:    tracing,
		Logger:     logger,
	})
	if err != nil {
		taskBroker.Close()
		_ = cache.Close(context.Background())
		visionReg.Shutdown()
		return nil, err
	}
	srv.cache = cache
	srv.visionRegistry = visionReg
	return srv, nil
}

// Close drains HTTP and stops the background subsystems Bootstrap started.
func (s *Server) Close(ctx context.Context) error {
	err := s.Shutdown(ctx)
	if s.deps.Broker != nil {
		s.deps.Broker.Close()
	}
	if s.visionRegistry != nil {
		s.visionRegistry.Shutdown()
	}
	if s.cache != nil {
		_ = s.cache.Close(ctx)
	}
	_ = s.deps.Tracing.Shutdown(ctx)
	_ = s.deps.Metrics.Shutdown(ctx)
	return err
}
