package models

import (
	"context"
	"fmt"
	"time"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

const (
	defaultSmoothingAlpha   = 0.3
	defaultSmoothingBeta    = 0.1
	defaultForecastHorizon  = 5
	maxForecastHorizonParam = 1000
)

// SmoothingForecaster is a Holt double-exponential-smoothing forecaster.
// Fit runs the smoother over the series; Score continues it over new
// observations and extrapolates the configured horizon.
type SmoothingForecaster struct {
	detectorBase
	alpha   float64
	beta    float64
	horizon int
	level   float64
	trend   float64
}

type smoothingState struct {
	Alpha   float64 `json:"alpha"`
	Beta    float64 `json:"beta"`
	Horizon int     `json:"horizon"`
	Level   float64 `json:"level"`
	Trend   float64 `json:"trend"`
}

// NewSmoothingForecaster returns an unfitted timeseries forecaster.
func NewSmoothingForecaster() *SmoothingForecaster {
	return &SmoothingForecaster{
		alpha:   defaultSmoothingAlpha,
		beta:    defaultSmoothingBeta,
		horizon: defaultForecastHorizon,
	}
}

func updateHolt(level, trend, alpha, beta float64, series []float64) (float64, float64) {
	for _, x := range series {
		prevLevel := level
		level = alpha*x + (1-alpha)*(level+trend)
		trend = beta*(level-prevLevel) + (1-beta)*trend
	}
	return level, trend
}

// Fit initializes level and trend from the series and smooths over it.
// Accepted params: alpha, beta, horizon.
func (f *SmoothingForecaster) Fit(ctx context.Context, data []float64, opts FitOptions) error {
	if len(data) == 0 {
		return errEmptyFitData()
	}
	if err := fitParams(opts.Params, "alpha", "beta", "horizon"); err != nil {
		return err
	}
	alpha := paramOr(opts.Params, "alpha", defaultSmoothingAlpha)
	beta := paramOr(opts.Params, "beta", defaultSmoothingBeta)
	if alpha <= 0 || alpha > 1 || beta < 0 || beta > 1 {
		return errors.InvalidArgumentError("alpha must be in (0,1] and beta in [0,1]")
	}
	horizon := int(paramOr(opts.Params, "horizon", defaultForecastHorizon))
	if horizon < 1 || horizon > maxForecastHorizonParam {
		return errors.InvalidArgumentf("horizon must be between 1 and %d", maxForecastHorizonParam)
	}

	level := data[0]
	trend := 0.0
	if len(data) > 1 {
		trend = data[1] - data[0]
	}
	level, trend = updateHolt(level, trend, alpha, beta, data[1:])
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()
	path, err := autosavePath(opts, f.savedPath)
	if err != nil {
		return err
	}
	if path != "" {
		state := smoothingState{Alpha: alpha, Beta: beta, Horizon: horizon, Level: level, Trend: trend}
		if err := saveDetector(path, FamilyTimeseries, len(data), now, state); err != nil {
			return fmt.Errorf("autosave: %w", err)
		}
		f.savedPath = path
	}
	f.alpha, f.beta, f.horizon = alpha, beta, horizon
	f.level, f.trend = level, trend
	f.fitted = true
	f.samples = len(data)
	f.fittedAt = now
	return nil
}

// Score extends the fitted smoother over data (which may be empty) and
// returns the forecast for the configured horizon. The fitted state is not
// advanced; scoring is read-only.
func (f *SmoothingForecaster) Score(ctx context.Context, data []float64) (*DetectorResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fitted {
		return nil, errNotFitted()
	}

	level, trend := updateHolt(f.level, f.trend, f.alpha, f.beta, data)
	forecast := make([]float64, f.horizon)
	for i := range forecast {
		forecast[i] = level + float64(i+1)*trend
	}
	return &DetectorResult{Forecast: forecast}, nil
}

// Save persists the fitted state to path.
func (f *SmoothingForecaster) Save(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fitted {
		return errNotFitted()
	}
	state := smoothingState{Alpha: f.alpha, Beta: f.beta, Horizon: f.horizon, Level: f.level, Trend: f.trend}
	if err := saveDetector(path, FamilyTimeseries, f.samples, f.fittedAt, state); err != nil {
		return err
	}
	f.savedPath = path
	return nil
}

// LoadFrom restores a previously saved fit.
func (f *SmoothingForecaster) LoadFrom(path string) error {
	var state smoothingState
	env, err := loadDetector(path, FamilyTimeseries, &state)
	if err != nil {
		return err
	}
	if state.Alpha <= 0 || state.Alpha > 1 || state.Horizon < 1 {
		return errors.InvalidArgumentf("detector state %s has invalid smoothing parameters", path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.alpha, f.beta, f.horizon = state.Alpha, state.Beta, state.Horizon
	f.level, f.trend = state.Level, state.Trend
	f.fitted = true
	f.samples = env.Samples
	f.fittedAt = env.FittedAt
	f.savedPath = path
	return nil
}

// Status reports the forecaster lifecycle.
func (f *SmoothingForecaster) Status() DetectorStatus {
	return f.status(FamilyTimeseries)
}
