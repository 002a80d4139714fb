package models

import (
	"context"
	"time"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/identity"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
	"github.com/bromic007/llamafarm-sub004/internal/modelcache"
)

// Spec describes one runtime model entry after project-config resolution.
type Spec struct {
	Family  Family
	Model   string // wire form id[:quant]
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// ContextWindow nil means the runtime default. An explicit value must
	// be positive.
	ContextWindow *int

	// Normalization mode for encoder instances; part of the cache key.
	Normalization string

	// StatePath is where a statistical detector persists its fit.
	StatePath string
}

// Manager binds runtime specs to adapter instances through the shared
// model cache, one instance per cache key.
type Manager struct {
	cache          *modelcache.Cache
	defaultBaseURL string
	logger         logging.Logger
}

// NewManager wires the adapter factory to the shared cache. defaultBaseURL
// is used when a spec does not name its own runtime endpoint.
func NewManager(cache *modelcache.Cache, defaultBaseURL string, logger logging.Logger) *Manager {
	return &Manager{
		cache:          cache,
		defaultBaseURL: defaultBaseURL,
		logger:         logging.OrNop(logger),
	}
}

// Cache exposes the underlying model cache for lifecycle endpoints.
func (m *Manager) Cache() *modelcache.Cache { return m.cache }

// Key derives the cache key for a spec. An explicit non-positive context
// window is rejected before any load happens.
func (m *Manager) Key(spec Spec) (string, error) {
	if spec.Model == "" {
		return "", errors.InvalidArgumentError("model identifier is required")
	}
	base, quant := identity.ParseIdentifier(spec.Model)
	opts := identity.KeyOptions{Quantization: quant, Normalization: spec.Normalization}
	if spec.ContextWindow != nil {
		if *spec.ContextWindow <= 0 {
			return "", errors.InvalidArgumentf("context window must be positive, got %d", *spec.ContextWindow)
		}
		opts.ContextWindow = *spec.ContextWindow
	}
	return identity.CacheKey(spec.Family.String(), base, opts), nil
}

func (m *Manager) httpConfig(spec Spec) HTTPConfig {
	baseURL := spec.BaseURL
	if baseURL == "" {
		baseURL = m.defaultBaseURL
	}
	return HTTPConfig{
		BaseURL: baseURL,
		APIKey:  spec.APIKey,
		Model:   spec.Model,
		Timeout: spec.Timeout,
		Logger:  m.logger,
	}
}

// newBackend builds the adapter for a spec's family. The loader contract
// of the cache forbids calling back into the cache from here.
func (m *Manager) newBackend(ctx context.Context, spec Spec) (modelcache.Model, error) {
	var backend interface {
		modelcache.Model
		Load(ctx context.Context) error
	}
	switch spec.Family {
	case FamilyLanguage:
		backend = NewLanguageHTTP(m.httpConfig(spec))
	case FamilyEncoder:
		backend = NewEncoderHTTP(m.httpConfig(spec))
	case FamilySpeech:
		backend = NewSpeechHTTP(m.httpConfig(spec))
	case FamilyVision:
		backend = NewVisionHTTP(m.httpConfig(spec))
	case FamilyAnomaly:
		backend = NewZScoreDetector()
	case FamilyDrift:
		backend = NewPSIDetector()
	case FamilyTimeseries:
		backend = NewSmoothingForecaster()
	case FamilyADTK:
		backend = NewThresholdDetector()
	default:
		return nil, errors.InvalidArgumentf("unknown model family %q", spec.Family)
	}

	if err := backend.Load(ctx); err != nil {
		return nil, err
	}
	if detector, ok := backend.(Detector); ok && spec.StatePath != "" {
		if err := detector.LoadFrom(spec.StatePath); err != nil && !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
	}
	m.logger.Info("loaded %s model %s", spec.Family, spec.Model)
	return backend, nil
}

func (m *Manager) getOrLoad(ctx context.Context, spec Spec) (modelcache.Model, error) {
	key, err := m.Key(spec)
	if err != nil {
		return nil, err
	}
	return m.cache.GetOrLoad(ctx, key, func(ctx context.Context) (modelcache.Model, error) {
		return m.newBackend(ctx, spec)
	})
}

// Language resolves a language-family spec to a cached adapter.
func (m *Manager) Language(ctx context.Context, spec Spec) (LanguageModel, error) {
	spec.Family = FamilyLanguage
	ref, err := m.getOrLoad(ctx, spec)
	if err != nil {
		return nil, err
	}
	model, ok := ref.(LanguageModel)
	if !ok {
		return nil, errors.InvalidArgumentf("cached model %s is not a language model", spec.Model)
	}
	return model, nil
}

// Encoder resolves an encoder-family spec to a cached adapter.
func (m *Manager) Encoder(ctx context.Context, spec Spec) (EncoderModel, error) {
	spec.Family = FamilyEncoder
	ref, err := m.getOrLoad(ctx, spec)
	if err != nil {
		return nil, err
	}
	model, ok := ref.(EncoderModel)
	if !ok {
		return nil, errors.InvalidArgumentf("cached model %s is not an encoder model", spec.Model)
	}
	return model, nil
}

// Speech resolves a speech-family spec to a cached adapter.
func (m *Manager) Speech(ctx context.Context, spec Spec) (SpeechModel, error) {
	spec.Family = FamilySpeech
	ref, err := m.getOrLoad(ctx, spec)
	if err != nil {
		return nil, err
	}
	model, ok := ref.(SpeechModel)
	if !ok {
		return nil, errors.InvalidArgumentf("cached model %s is not a speech model", spec.Model)
	}
	return model, nil
}

// Vision resolves a vision-family spec to a cached adapter.
func (m *Manager) Vision(ctx context.Context, spec Spec) (VisionModel, error) {
	spec.Family = FamilyVision
	ref, err := m.getOrLoad(ctx, spec)
	if err != nil {
		return nil, err
	}
	model, ok := ref.(VisionModel)
	if !ok {
		return nil, errors.InvalidArgumentf("cached model %s is not a vision model", spec.Model)
	}
	return model, nil
}

// Detector resolves a statistical-family spec to a cached detector.
func (m *Manager) Detector(ctx context.Context, spec Spec) (Detector, error) {
	if !spec.Family.IsStatistical() {
		return nil, errors.InvalidArgumentf("family %q is not a detector family", spec.Family)
	}
	ref, err := m.getOrLoad(ctx, spec)
	if err != nil {
		return nil, err
	}
	detector, ok := ref.(Detector)
	if !ok {
		return nil, errors.InvalidArgumentf("cached model %s is not a detector", spec.Model)
	}
	return detector, nil
}

// Unload drops one spec's instance from the cache.
func (m *Manager) Unload(ctx context.Context, spec Spec) error {
	key, err := m.Key(spec)
	if err != nil {
		return err
	}
	return m.cache.Drop(ctx, key)
}
