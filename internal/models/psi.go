package models

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

const (
	defaultPSIBins      = 10
	defaultPSIThreshold = 0.2
	psiEpsilon          = 1e-6
)

// PSIDetector measures distribution drift between a fitted reference
// series and a scored series via the population stability index.
type PSIDetector struct {
	detectorBase
	edges     []float64
	reference []float64
	threshold float64
}

type psiState struct {
	Edges     []float64 `json:"edges"`
	Reference []float64 `json:"reference"`
	Threshold float64   `json:"threshold"`
}

// NewPSIDetector returns an unfitted drift detector.
func NewPSIDetector() *PSIDetector {
	return &PSIDetector{threshold: defaultPSIThreshold}
}

// Fit bins the reference series into quantile buckets and stores the
// per-bucket proportions. Accepted params: bins, threshold.
func (d *PSIDetector) Fit(ctx context.Context, data []float64, opts FitOptions) error {
	if len(data) == 0 {
		return errEmptyFitData()
	}
	if err := fitParams(opts.Params, "bins", "threshold"); err != nil {
		return err
	}
	bins := int(paramOr(opts.Params, "bins", defaultPSIBins))
	if bins < 2 {
		return errors.InvalidArgumentError("bins must be at least 2")
	}
	threshold := paramOr(opts.Params, "threshold", defaultPSIThreshold)
	if threshold <= 0 {
		return errors.InvalidArgumentError("threshold must be positive")
	}

	edges := quantileEdges(data, bins)
	reference := binProportions(data, edges)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	path, err := autosavePath(opts, d.savedPath)
	if err != nil {
		return err
	}
	if path != "" {
		state := psiState{Edges: edges, Reference: reference, Threshold: threshold}
		if err := saveDetector(path, FamilyDrift, len(data), now, state); err != nil {
			return fmt.Errorf("autosave: %w", err)
		}
		d.savedPath = path
	}
	d.edges, d.reference, d.threshold = edges, reference, threshold
	d.fitted = true
	d.samples = len(data)
	d.fittedAt = now
	return nil
}

// Score computes the PSI of the series against the fitted reference.
func (d *PSIDetector) Score(ctx context.Context, data []float64) (*DetectorResult, error) {
	if len(data) == 0 {
		return nil, errors.InvalidArgumentError("score requires a non-empty data series")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fitted {
		return nil, errNotFitted()
	}

	current := binProportions(data, d.edges)
	psi := 0.0
	for i := range d.reference {
		p := d.reference[i] + psiEpsilon
		q := current[i] + psiEpsilon
		psi += (q - p) * math.Log(q/p)
	}
	return &DetectorResult{DriftScore: psi, Drifted: psi > d.threshold}, nil
}

// Save persists the fitted state to path.
func (d *PSIDetector) Save(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fitted {
		return errNotFitted()
	}
	state := psiState{Edges: d.edges, Reference: d.reference, Threshold: d.threshold}
	if err := saveDetector(path, FamilyDrift, d.samples, d.fittedAt, state); err != nil {
		return err
	}
	d.savedPath = path
	return nil
}

// LoadFrom restores a previously saved fit.
func (d *PSIDetector) LoadFrom(path string) error {
	var state psiState
	env, err := loadDetector(path, FamilyDrift, &state)
	if err != nil {
		return err
	}
	if len(state.Reference) == 0 || len(state.Reference) != len(state.Edges)+1 {
		return errors.InvalidArgumentf("detector state %s has inconsistent bins", path)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.edges, d.reference, d.threshold = state.Edges, state.Reference, state.Threshold
	d.fitted = true
	d.samples = env.Samples
	d.fittedAt = env.FittedAt
	d.savedPath = path
	return nil
}

// Status reports the detector lifecycle.
func (d *PSIDetector) Status() DetectorStatus {
	return d.status(FamilyDrift)
}

// quantileEdges returns bins-1 interior cut points at equal quantiles.
// Duplicate cut points collapse naturally; affected buckets come out empty.
func quantileEdges(data []float64, bins int) []float64 {
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	edges := make([]float64, bins-1)
	for i := 1; i < bins; i++ {
		pos := float64(i) * float64(len(sorted)-1) / float64(bins)
		lo := int(pos)
		frac := pos - float64(lo)
		if lo+1 < len(sorted) {
			edges[i-1] = sorted[lo]*(1-frac) + sorted[lo+1]*frac
		} else {
			edges[i-1] = sorted[lo]
		}
	}
	return edges
}

// binProportions buckets data by the edges and returns len(edges)+1
// proportions summing to 1.
func binProportions(data []float64, edges []float64) []float64 {
	counts := make([]float64, len(edges)+1)
	for _, x := range data {
		counts[sort.SearchFloat64s(edges, x)]++
	}
	for i := range counts {
		counts[i] /= float64(len(data))
	}
	return counts
}
