package models

import (
	"context"
	"fmt"
	"time"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

const defaultZScoreThreshold = 3.0

// ZScoreDetector flags points whose standardized distance from the fitted
// mean exceeds a threshold.
type ZScoreDetector struct {
	detectorBase
	mean      float64
	std       float64
	threshold float64
}

type zscoreState struct {
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	Threshold float64 `json:"threshold"`
}

// NewZScoreDetector returns an unfitted anomaly detector.
func NewZScoreDetector() *ZScoreDetector {
	return &ZScoreDetector{threshold: defaultZScoreThreshold}
}

// Fit estimates mean and standard deviation from the series. Accepted
// params: threshold.
func (d *ZScoreDetector) Fit(ctx context.Context, data []float64, opts FitOptions) error {
	if len(data) == 0 {
		return errEmptyFitData()
	}
	if err := fitParams(opts.Params, "threshold"); err != nil {
		return err
	}
	threshold := paramOr(opts.Params, "threshold", defaultZScoreThreshold)
	if threshold <= 0 {
		return errors.InvalidArgumentError("threshold must be positive")
	}
	mean, std := meanStd(data)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	path, err := autosavePath(opts, d.savedPath)
	if err != nil {
		return err
	}
	if path != "" {
		state := zscoreState{Mean: mean, Std: std, Threshold: threshold}
		if err := saveDetector(path, FamilyAnomaly, len(data), now, state); err != nil {
			return fmt.Errorf("autosave: %w", err)
		}
		d.savedPath = path
	}
	d.mean, d.std, d.threshold = mean, std, threshold
	d.fitted = true
	d.samples = len(data)
	d.fittedAt = now
	return nil
}

// Score returns the z-score per point and flags values over the threshold.
// A zero-variance fit treats any deviation from the mean as anomalous.
func (d *ZScoreDetector) Score(ctx context.Context, data []float64) (*DetectorResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fitted {
		return nil, errNotFitted()
	}

	scores := make([]float64, len(data))
	anomalies := make([]bool, len(data))
	for i, x := range data {
		var score float64
		if d.std > 0 {
			score = absFloat(x-d.mean) / d.std
		} else if x != d.mean {
			score = d.threshold + 1
		}
		scores[i] = score
		anomalies[i] = score > d.threshold
	}
	return &DetectorResult{Scores: scores, Anomalies: anomalies}, nil
}

// Save persists the fitted state to path.
func (d *ZScoreDetector) Save(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fitted {
		return errNotFitted()
	}
	state := zscoreState{Mean: d.mean, Std: d.std, Threshold: d.threshold}
	if err := saveDetector(path, FamilyAnomaly, d.samples, d.fittedAt, state); err != nil {
		return err
	}
	d.savedPath = path
	return nil
}

// LoadFrom restores a previously saved fit.
func (d *ZScoreDetector) LoadFrom(path string) error {
	var state zscoreState
	env, err := loadDetector(path, FamilyAnomaly, &state)
	if err != nil {
		return err
	}
	if state.Threshold <= 0 {
		return errors.InvalidArgumentf("detector state %s has invalid threshold", path)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.mean, d.std, d.threshold = state.Mean, state.Std, state.Threshold
	d.fitted = true
	d.samples = env.Samples
	d.fittedAt = env.FittedAt
	d.savedPath = path
	return nil
}

// Status reports the detector lifecycle.
func (d *ZScoreDetector) Status() DetectorStatus {
	return d.status(FamilyAnomaly)
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
