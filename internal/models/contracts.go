package models

import (
	"context"

	"github.com/bromic007/llamafarm-sub004/internal/streaming"
)

// Backend is the lifecycle contract every adapter implements. Load and
// Unload are idempotent; Unload is safe to call after a failed Load.
type Backend interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
}

// LanguageModel generates chat completions.
type LanguageModel interface {
	Backend
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan streaming.Delta, error)
}

// EncoderModel produces embeddings and encoder-head predictions.
type EncoderModel interface {
	Backend
	Embed(ctx context.Context, texts []string, normalize bool) ([][]float32, error)
	Rerank(ctx context.Context, query string, documents []string) ([]RankedDocument, error)
	Classify(ctx context.Context, texts []string) ([]Classification, error)
	ExtractEntities(ctx context.Context, texts []string) ([][]Entity, error)
}

// SpeechModel converts between audio and text.
type SpeechModel interface {
	Backend
	Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*Transcription, error)
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) ([]byte, error)
}

// VisionModel answers questions about images.
type VisionModel interface {
	Backend
	Describe(ctx context.Context, image []byte, prompt string) (string, error)
	Detect(ctx context.Context, image []byte, classes []string) ([]Detection, error)
}

// Detector is the contract for the in-process statistical families
// (anomaly, drift, timeseries, adtk). Fit with FitOptions.Autosave set
// persists the fitted state before reporting success.
type Detector interface {
	Backend
	Fit(ctx context.Context, data []float64, opts FitOptions) error
	Score(ctx context.Context, data []float64) (*DetectorResult, error)
	Save(path string) error
	LoadFrom(path string) error
	Status() DetectorStatus
}

// FitOptions carry fit-time parameters shared across detector families.
type FitOptions struct {
	Autosave bool
	SavePath string

	// Params holds family-specific knobs (threshold, bins, alpha, ...).
	// Unknown keys are rejected by the detector.
	Params map[string]float64
}

// DetectorResult is the discriminated output of Score. Only the fields
// meaningful for the detector's family are populated.
type DetectorResult struct {
	Scores    []float64 `json:"scores,omitempty"`
	Anomalies []bool    `json:"anomalies,omitempty"`

	DriftScore float64 `json:"drift_score,omitempty"`
	Drifted    bool    `json:"drifted,omitempty"`

	Forecast []float64 `json:"forecast,omitempty"`
}

// DetectorStatus reports the lifecycle of a detector instance.
type DetectorStatus struct {
	Family    Family `json:"family"`
	Fitted    bool   `json:"fitted"`
	Samples   int    `json:"samples"`
	FittedAt  string `json:"fitted_at,omitempty"`
	SavedPath string `json:"saved_path,omitempty"`
}
