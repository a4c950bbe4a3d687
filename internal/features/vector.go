// Package features turns a pollutant reading into the fixed-order feature
// vector the scaler and model were fitted on.
//
// The order of Names is the contract with the training pipeline: the
// artifacts see only positions, never names, so a reordering here would
// silently corrupt every prediction.
package features

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Names lists the pollutant features in training column order.
var Names = [...]string{
	"PM2.5", "PM10", "NO", "NO2", "NOx", "NH3",
	"CO", "SO2", "O3", "Benzene", "Toluene", "Xylene",
}

// Count is the length of every feature vector.
const Count = len(Names)

// Vector is one reading in training column order.
type Vector [Count]float64

// Extraction errors. Messages name the offending feature.
var (
	// ErrMissingFeature reports the first feature absent from the body.
	ErrMissingFeature = errors.New("missing feature")
	// ErrNotNumeric reports a feature whose value is not a JSON number.
	ErrNotNumeric = errors.New("not numeric")
	// ErrInvalidBody is returned for bodies that are not a JSON object.
	ErrInvalidBody = errors.New("request body must be a JSON object")
)

// Parse decodes a JSON object body and extracts the feature vector from it.
func Parse(body []byte) (Vector, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Vector{}, ErrInvalidBody
	}

	var readings map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &readings); err != nil {
		return Vector{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return Extract(readings)
}

// Extract looks up every feature name, in order, and fails on the first
// name that is absent or not a JSON number.
func Extract(readings map[string]json.RawMessage) (Vector, error) {
	var v Vector
	for i, name := range Names {
		raw, ok := readings[name]
		if !ok {
			return Vector{}, fmt.Errorf("%w '%s'", ErrMissingFeature, name)
		}
		f, err := parseNumber(raw)
		if err != nil {
			return Vector{}, fmt.Errorf("feature '%s' is %w: %s", name, ErrNotNumeric, bytes.TrimSpace(raw))
		}
		v[i] = f
	}
	return v, nil
}

// FromMap builds a vector from already-typed readings.
func FromMap(readings map[string]float64) (Vector, error) {
	var v Vector
	for i, name := range Names {
		f, ok := readings[name]
		if !ok {
			return Vector{}, fmt.Errorf("%w '%s'", ErrMissingFeature, name)
		}
		v[i] = f
	}
	return v, nil
}

// Map returns the reading keyed by feature name, the shape the HTTP API takes.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, Count)
	for i, name := range Names {
		m[name] = v[i]
	}
	return m
}

// parseNumber accepts JSON numbers only. Strings, booleans, null and
// composite values are rejected even when they look numeric.
func parseNumber(raw json.RawMessage) (float64, error) {
	s := bytes.TrimSpace(raw)
	if len(s) == 0 || (s[0] != '-' && (s[0] < '0' || s[0] > '9')) {
		return 0, ErrNotNumeric
	}
	f, err := strconv.ParseFloat(string(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, ErrNotNumeric
	}
	return f, nil
}
