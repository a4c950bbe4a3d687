package ml

import (
	"fmt"

	"aqi-predictor/internal/features"

	"gonum.org/v1/gonum/floats"
)

// StandardScaler computes (x - mean) / scale.
type StandardScaler struct {
	Mean  []float64 // nil when fitted with with_mean=False
	Scale []float64 // nil when fitted with with_std=False
}

// Transform returns (x - mean) / scale per feature.
func (s *StandardScaler) Transform(v features.Vector) (features.Vector, error) {
	out := v
	if s.Mean != nil {
		floats.Sub(out[:], s.Mean)
	}
	if s.Scale != nil {
		floats.Div(out[:], s.Scale)
	}
	return out, nil
}

// MinMaxScaler computes x * scale + min.
type MinMaxScaler struct {
	Min   []float64
	Scale []float64
}

// Transform returns x*scale + min per feature.
func (s *MinMaxScaler) Transform(v features.Vector) (features.Vector, error) {
	out := v
	floats.Mul(out[:], s.Scale)
	floats.Add(out[:], s.Min)
	return out, nil
}

// RobustScaler computes (x - center) / scale.
type RobustScaler struct {
	Center []float64 // nil when fitted with with_centering=False
	Scale  []float64 // nil when fitted with with_scaling=False
}

// Transform returns (x - center) / scale per feature.
func (s *RobustScaler) Transform(v features.Vector) (features.Vector, error) {
	out := v
	if s.Center != nil {
		floats.Sub(out[:], s.Center)
	}
	if s.Scale != nil {
		floats.Div(out[:], s.Scale)
	}
	return out, nil
}

// IdentityScaler passes vectors through, for models trained on raw readings.
type IdentityScaler struct{}

// Transform returns v unchanged.
func (IdentityScaler) Transform(v features.Vector) (features.Vector, error) {
	return v, nil
}

// checkParam validates one fitted parameter array. Optional arrays may be
// nil; present ones must have one entry per feature.
func checkParam(name string, p []float64, optional bool) error {
	if p == nil && optional {
		return nil
	}
	if len(p) != features.Count {
		return fmt.Errorf("%w: %s has %d entries, want %d", ErrArtifactShape, name, len(p), features.Count)
	}
	return nil
}

// zerosToOne mirrors how the fitting side treats constant features: a zero
// scale divides (or multiplies) by one instead.
func zerosToOne(p []float64) []float64 {
	if p == nil {
		return nil
	}
	out := make([]float64, len(p))
	for i, x := range p {
		if x == 0 {
			x = 1
		}
		out[i] = x
	}
	return out
}
