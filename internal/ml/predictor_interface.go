// Package ml loads the pre-fitted scaler and regression model and serves AQI
// predictions from them.
//
// The artifacts are opaque to the service: anything that can transform a
// feature vector (Scaler) and anything that can turn a scaled vector into a
// scalar (Model) will do. Two adapters are provided, one reading estimator
// parameters exported to JSON and one driving the original joblib pickles
// through a long-lived Python co-process.
package ml

import (
	"context"

	"aqi-predictor/internal/features"
)

// Scaler applies the normalization fitted at training time.
type Scaler interface {
	Transform(v features.Vector) (features.Vector, error)
}

// Model maps a scaled feature vector to a predicted AQI.
type Model interface {
	Predict(v features.Vector) (float64, error)
}

// PredictorInterface is what the server needs from a loaded pipeline:
// the extract-free half of the prediction endpoint plus its status.
type PredictorInterface interface {
	Predict(ctx context.Context, v features.Vector) (float64, error)
	Health() *HealthStatus
	Metadata() *ModelMetadata
}

var _ PredictorInterface = (*Pipeline)(nil)
