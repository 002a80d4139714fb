package models

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

// detectorBase carries the lifecycle fields shared by every statistical
// detector. Load and Unload are no-ops; the fitted state lives in memory
// and on disk, not in an external runtime.
type detectorBase struct {
	mu        sync.Mutex
	fitted    bool
	samples   int
	fittedAt  time.Time
	savedPath string
}

func (b *detectorBase) Load(ctx context.Context) error   { return nil }
func (b *detectorBase) Unload(ctx context.Context) error { return nil }

func (b *detectorBase) status(family Family) DetectorStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := DetectorStatus{
		Family:    family,
		Fitted:    b.fitted,
		Samples:   b.samples,
		SavedPath: b.savedPath,
	}
	if b.fitted {
		s.FittedAt = b.fittedAt.UTC().Format(time.RFC3339)
	}
	return s
}

// detectorEnvelope is the on-disk form shared by all statistical
// detectors. State carries the family-specific fitted parameters.
type detectorEnvelope struct {
	Family   Family          `json:"family"`
	Version  int             `json:"version"`
	FittedAt time.Time       `json:"fitted_at"`
	Samples  int             `json:"samples"`
	State    json.RawMessage `json:"state"`
}

const detectorEnvelopeVersion = 1

// saveDetector writes the envelope atomically. A failure leaves either the
// previous file or nothing; never a torn write.
func saveDetector(path string, family Family, samples int, fittedAt time.Time, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode detector state: %w", err)
	}
	data, err := json.MarshalIndent(detectorEnvelope{
		Family:   family,
		Version:  detectorEnvelopeVersion,
		FittedAt: fittedAt,
		Samples:  samples,
		State:    raw,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode detector envelope: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create detector directory: %w", err)
	}
	tmpPath := fmt.Sprintf("%s.tmp-%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write detector state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persist detector state: %w", err)
	}
	return nil
}

// loadDetector reads an envelope and decodes its state, rejecting a file
// written by a different family.
func loadDetector(path string, family Family, state any) (*detectorEnvelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("detector state %s not found", path)
		}
		return nil, fmt.Errorf("read detector state: %w", err)
	}
	var env detectorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode detector envelope: %w", err)
	}
	if env.Family != family {
		return nil, errors.InvalidArgumentf("detector state %s belongs to family %q, want %q", path, env.Family, family)
	}
	if err := json.Unmarshal(env.State, state); err != nil {
		return nil, fmt.Errorf("decode detector state: %w", err)
	}
	return &env, nil
}

// fitParams validates the family-specific knobs a Fit call may carry.
// Unknown keys are rejected so config typos surface at fit time.
func fitParams(params map[string]float64, allowed ...string) error {
	for key := range params {
		ok := false
		for _, name := range allowed {
			if key == name {
				ok = true
				break
			}
		}
		if !ok {
			return errors.InvalidArgumentf("unknown fit parameter %q", key)
		}
	}
	return nil
}

func paramOr(params map[string]float64, key string, fallback float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return fallback
}

// autosavePath resolves where Fit persists when autosave is requested.
func autosavePath(opts FitOptions, current string) (string, error) {
	if !opts.Autosave {
		return "", nil
	}
	path := opts.SavePath
	if path == "" {
		path = current
	}
	if path == "" {
		return "", errors.InvalidArgumentError("autosave requires a save path")
	}
	return path, nil
}

func errNotFitted() error {
	return errors.ConflictError("detector is not fitted")
}

func errEmptyFitData() error {
	return errors.InvalidArgumentError("fit requires a non-empty data series")
}

func meanStd(data []float64) (mean, std float64) {
	for _, x := range data {
		mean += x
	}
	mean /= float64(len(data))
	for _, x := range data {
		std += (x - mean) * (x - mean)
	}
	std = math.Sqrt(std / float64(len(data)))
	return mean, std
}
