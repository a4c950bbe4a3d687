package ml

import (
	"aqi-predictor/internal/features"

	"gonum.org/v1/gonum/floats"
)

// LinearModel covers every fitted linear regressor (ordinary least
// squares, ridge, lasso, elastic net): intercept + coef . x.
type LinearModel struct {
	Coef      []float64
	Intercept float64
}

// Predict returns intercept + coef · v.
func (m *LinearModel) Predict(v features.Vector) (float64, error) {
	return floats.Dot(m.Coef, v[:]) + m.Intercept, nil
}
