package rag

import (
	"fmt"
	"math"
)

// zeroNormEpsilon is the L2 norm below which a vector counts as all-zero.
const zeroNormEpsilon = 1e-10

// ValidationError describes one invalid embedding in a batch.
type ValidationError struct {
	Index  int
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("embedding %d: %s", e.Index, e.Reason)
}

// ValidateEmbedding checks a single vector: it must be non-empty, match the
// expected dimension when one is configured, contain no NaN or Inf
// components, and carry signal unless zero vectors are explicitly allowed.
func ValidateEmbedding(vec []float32, expectDim int, allowZero bool) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty vector")
	}
	if expectDim > 0 && len(vec) != expectDim {
		return fmt.Errorf("dimension %d, expected %d", len(vec), expectDim)
	}
	var sumSquares float64
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) {
			return fmt.Errorf("NaN at component %d", i)
		}
		if math.IsInf(f, 0) {
			return fmt.Errorf("Inf at component %d", i)
		}
		sumSquares += f * f
	}
	if !allowZero && math.Sqrt(sumSquares) < zeroNormEpsilon {
		return fmt.Errorf("zero vector (norm below %g)", zeroNormEpsilon)
	}
	return nil
}

// ValidateBatch checks every vector and reports all failures. It never stops
// at the first bad vector, so callers can see the full damage of a batch.
func ValidateBatch(vecs [][]float32, expectDim int, allowZero bool) []ValidationError {
	var errs []ValidationError
	for i, vec := range vecs {
		if err := ValidateEmbedding(vec, expectDim, allowZero); err != nil {
			errs = append(errs, ValidationError{Index: i, Reason: err.Error()})
		}
	}
	return errs
}
