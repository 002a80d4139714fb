package models

import (
	"strings"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

// Family identifies the capability class of a model backend. The family
// decides which adapter contract a runtime entry is bound to.
type Family string

const (
	FamilyLanguage   Family = "language"
	FamilyEncoder    Family = "encoder"
	FamilySpeech     Family = "speech"
	FamilyVision     Family = "vision"
	FamilyAnomaly    Family = "anomaly"
	FamilyDrift      Family = "drift"
	FamilyTimeseries Family = "timeseries"
	FamilyADTK       Family = "adtk"
)

var allFamilies = []Family{
	FamilyLanguage,
	FamilyEncoder,
	FamilySpeech,
	FamilyVision,
	FamilyAnomaly,
	FamilyDrift,
	FamilyTimeseries,
	FamilyADTK,
}

// ParseFamily normalizes and validates a family name.
func ParseFamily(s string) (Family, error) {
	f := Family(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allFamilies {
		if f == known {
			return f, nil
		}
	}
	return "", errors.InvalidArgumentf("unknown model family %q", s)
}

// String returns the wire form of the family.
func (f Family) String() string { return string(f) }

// IsStatistical reports whether the family is served by an in-process
// statistical detector rather than an HTTP runtime.
func (f Family) IsStatistical() bool {
	switch f {
	case FamilyAnomaly, FamilyDrift, FamilyTimeseries, FamilyADTK:
		return true
	}
	return false
}
