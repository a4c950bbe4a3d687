package ml

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"aqi-predictor/internal/features"

	"github.com/stretchr/testify/require"
)

// MockMetrics implements MetricsInterface and ServerMetrics for testing
type MockMetrics struct {
	mu          sync.Mutex
	predictions int
	failures    int
	latencies   int
	values      []float64
	cacheHits   int
	cacheMisses int
	modelAge    float64
	requests    map[string]int
	wsOpen      float64
}

func (m *MockMetrics) PredictionsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions++
}

func (m *MockMetrics) FailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *MockMetrics) LatencyObserve(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func (m *MockMetrics) PredictedValueObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = append(m.values, v)
}

func (m *MockMetrics) CacheHitInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

func (m *MockMetrics) CacheMissInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMisses++
}

func (m *MockMetrics) ModelAgeSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelAge = v
}

func (m *MockMetrics) HTTPRequestInc(route string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requests == nil {
		m.requests = make(map[string]int)
	}
	m.requests[route]++
}

func (m *MockMetrics) WSConnectionsAdd(delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wsOpen += delta
}

func (m *MockMetrics) counts() (predictions, failures int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predictions, m.failures
}

// scenarioBody is the reference reading used across the package tests.
const scenarioBody = `{"PM2.5":10,"PM10":20,"NO":1,"NO2":2,"NOx":3,"NH3":4,"CO":0.5,"SO2":5,"O3":6,"Benzene":0.1,"Toluene":0.2,"Xylene":0.3}`

var scenarioVector = features.Vector{10, 20, 1, 2, 3, 4, 0.5, 5, 6, 0.1, 0.2, 0.3}

// The fixture scaler halves every reading and the fixture model weighs
// PM2.5 and PM10 once and O3 twice, so the scenario predicts
// 5 + 10 + 2*3 + 3.456 = 24.456, rounded to 24.46.
const scenarioAQI = 24.46

func fixtureScaler() map[string]interface{} {
	scale := make([]float64, features.Count)
	for i := range scale {
		scale[i] = 2
	}
	return map[string]interface{}{
		"kind":              "standard",
		"feature_names_in_": features.Names[:],
		"n_features_in_":    features.Count,
		"mean_":             make([]float64, features.Count),
		"scale_":            scale,
	}
}

func fixtureLinearModel() map[string]interface{} {
	coef := make([]float64, features.Count)
	coef[0], coef[1], coef[8] = 1, 1, 2
	return map[string]interface{}{
		"kind":              "linear",
		"feature_names_in_": features.Names[:],
		"coef_":             coef,
		"intercept_":        3.456,
	}
}

func writeJSONFile(t *testing.T, dir, name string, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// writeFixtureArtifacts writes the fixture scaler and linear model and
// returns their paths.
func writeFixtureArtifacts(t *testing.T) (scalerPath, modelPath string) {
	t.Helper()
	dir := t.TempDir()
	return writeJSONFile(t, dir, "scaler.json", fixtureScaler()),
		writeJSONFile(t, dir, "model.json", fixtureLinearModel())
}

func newFixturePipeline(t *testing.T, metrics MetricsInterface, cacheSize int) *Pipeline {
	t.Helper()
	scalerPath, modelPath := writeFixtureArtifacts(t)
	a, err := LoadArtifacts(ArtifactOptions{ScalerPath: scalerPath, ModelPath: modelPath})
	require.NoError(t, err)
	p, err := NewPipeline(a, metrics, cacheSize)
	require.NoError(t, err)
	return p
}
