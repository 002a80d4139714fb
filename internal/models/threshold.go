package models

import (
	"context"
	"fmt"
	"time"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

const (
	defaultShiftWindow = 5
	defaultSigmaFactor = 3.0
)

// ThresholdDetector combines absolute high/low bounds with a rolling
// level-shift check over adjacent windows.
type ThresholdDetector struct {
	detectorBase
	high           float64
	low            float64
	window         int
	shiftThreshold float64
}

type thresholdState struct {
	High           float64 `json:"high"`
	Low            float64 `json:"low"`
	Window         int     `json:"window"`
	ShiftThreshold float64 `json:"shift_threshold"`
}

// NewThresholdDetector returns an unfitted threshold detector.
func NewThresholdDetector() *ThresholdDetector {
	return &ThresholdDetector{window: defaultShiftWindow}
}

// Fit derives the bounds from the series unless given explicitly.
// Accepted params: high, low, window, shift_threshold. Defaults: bounds at
// mean plus/minus three standard deviations, shift threshold at three
// standard deviations.
func (d *ThresholdDetector) Fit(ctx context.Context, data []float64, opts FitOptions) error {
	if len(data) == 0 {
		return errEmptyFitData()
	}
	if err := fitParams(opts.Params, "high", "low", "window", "shift_threshold"); err != nil {
		return err
	}
	mean, std := meanStd(data)
	high := paramOr(opts.Params, "high", mean+defaultSigmaFactor*std)
	low := paramOr(opts.Params, "low", mean-defaultSigmaFactor*std)
	if high <= low {
		return errors.InvalidArgumentError("high bound must exceed low bound")
	}
	window := int(paramOr(opts.Params, "window", defaultShiftWindow))
	if window < 1 {
		return errors.InvalidArgumentError("window must be at least 1")
	}
	shiftThreshold := paramOr(opts.Params, "shift_threshold", defaultSigmaFactor*std)
	if shiftThreshold < 0 {
		return errors.InvalidArgumentError("shift_threshold must not be negative")
	}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	path, err := autosavePath(opts, d.savedPath)
	if err != nil {
		return err
	}
	if path != "" {
		state := thresholdState{High: high, Low: low, Window: window, ShiftThreshold: shiftThreshold}
		if err := saveDetector(path, FamilyADTK, len(data), now, state); err != nil {
			return fmt.Errorf("autosave: %w", err)
		}
		d.savedPath = path
	}
	d.high, d.low, d.window, d.shiftThreshold = high, low, window, shiftThreshold
	d.fitted = true
	d.samples = len(data)
	d.fittedAt = now
	return nil
}

// Score flags bound violations per point and marks level shifts where the
// means of two adjacent windows diverge beyond the shift threshold. Scores
// carry the exceedance magnitude.
func (d *ThresholdDetector) Score(ctx context.Context, data []float64) (*DetectorResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fitted {
		return nil, errNotFitted()
	}

	scores := make([]float64, len(data))
	anomalies := make([]bool, len(data))
	for i, x := range data {
		var score float64
		switch {
		case x > d.high:
			score = x - d.high
		case x < d.low:
			score = d.low - x
		}
		scores[i] = score
		anomalies[i] = score > 0
	}

	if d.shiftThreshold > 0 {
		for i := d.window; i+d.window <= len(data); i++ {
			left := meanOf(data[i-d.window : i])
			right := meanOf(data[i : i+d.window])
			shift := absFloat(right - left)
			if shift > d.shiftThreshold {
				anomalies[i] = true
				if shift > scores[i] {
					scores[i] = shift
				}
			}
		}
	}
	return &DetectorResult{Scores: scores, Anomalies: anomalies}, nil
}

// Save persists the fitted state to path.
func (d *ThresholdDetector) Save(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fitted {
		return errNotFitted()
	}
	state := thresholdState{High: d.high, Low: d.low, Window: d.window, ShiftThreshold: d.shiftThreshold}
	if err := saveDetector(path, FamilyADTK, d.samples, d.fittedAt, state); err != nil {
		return err
	}
	d.savedPath = path
	return nil
}

// LoadFrom restores a previously saved fit.
func (d *ThresholdDetector) LoadFrom(path string) error {
	var state thresholdState
	env, err := loadDetector(path, FamilyADTK, &state)
	if err != nil {
		return err
	}
	if state.High <= state.Low || state.Window < 1 {
		return errors.InvalidArgumentf("detector state %s has invalid bounds", path)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.high, d.low, d.window, d.shiftThreshold = state.High, state.Low, state.Window, state.ShiftThreshold
	d.fitted = true
	d.samples = env.Samples
	d.fittedAt = env.FittedAt
	d.savedPath = path
	return nil
}

// Status reports the detector lifecycle.
func (d *ThresholdDetector) Status() DetectorStatus {
	return d.status(FamilyADTK)
}

func meanOf(data []float64) float64 {
	var sum float64
	for _, x := range data {
		sum += x
	}
	return sum / float64(len(data))
}
