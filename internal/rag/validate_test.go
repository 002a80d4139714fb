package rag

import (
	"math"
	"strings"
	"testing"
)

func TestValidateEmbedding(t *testing.T) {
	nan := float32(math.NaN())
	posInf := float32(math.Inf(1))
	negInf := float32(math.Inf(-1))

	tests := []struct {
		name      string
		vec       []float32
		expectDim int
		allowZero bool
		wantErr   string
	}{
		{name: "valid", vec: []float32{0.1, -0.2, 0.3}, expectDim: 3},
		{name: "dimension check off when zero", vec: []float32{0.1, 0.2}, expectDim: 0},
		{name: "empty", vec: nil, wantErr: "empty"},
		{name: "dimension mismatch", vec: []float32{1, 2, 3}, expectDim: 4, wantErr: "expected 4"},
		{name: "nan component", vec: []float32{0.1, nan}, wantErr: "NaN at component 1"},
		{name: "positive inf", vec: []float32{posInf, 0.1}, wantErr: "Inf at component 0"},
		{name: "negative inf", vec: []float32{0.1, negInf}, wantErr: "Inf at component 1"},
		{name: "all zero rejected", vec: []float32{0, 0, 0}, wantErr: "zero vector"},
		{name: "below tolerance rejected", vec: []float32{1e-12, 1e-12, 1e-12}, wantErr: "zero vector"},
		{name: "all zero allowed", vec: []float32{0, 0, 0}, allowZero: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmbedding(tt.vec, tt.expectDim, tt.allowZero)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateBatchReportsEveryFailure(t *testing.T) {
	nan := float32(math.NaN())
	vecs := [][]float32{
		{0.5, 0.5},
		{nan, 0.1},
		{0.3, 0.7},
		{0, 0},
	}

	errs := ValidateBatch(vecs, 2, false)
	if len(errs) != 2 {
		t.Fatalf("expected 2 validation errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Index != 1 || errs[1].Index != 3 {
		t.Errorf("expected failures at indexes 1 and 3, got %d and %d", errs[0].Index, errs[1].Index)
	}
	if !strings.Contains(errs[0].Error(), "embedding 1") {
		t.Errorf("expected index in message, got %q", errs[0].Error())
	}
}

func TestValidateBatchEmpty(t *testing.T) {
	if errs := ValidateBatch(nil, 0, false); len(errs) != 0 {
		t.Errorf("expected no errors for empty batch, got %v", errs)
	}
}
