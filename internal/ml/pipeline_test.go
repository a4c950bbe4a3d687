package ml

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"aqi-predictor/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubModel struct {
	value float64
	err   error
	panic bool
	calls int
	mu    sync.Mutex
}

func (m *stubModel) Predict(features.Vector) (float64, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.panic {
		panic("index out of range")
	}
	return m.value, m.err
}

func stubPipeline(t *testing.T, m Model, metrics MetricsInterface, cacheSize int) *Pipeline {
	t.Helper()
	p, err := NewPipeline(&Artifacts{Scaler: IdentityScaler{}, Model: m}, metrics, cacheSize)
	require.NoError(t, err)
	return p
}

func TestPipeline_Deterministic(t *testing.T) {
	p := newFixturePipeline(t, nil, 0)

	first, err := p.Predict(context.Background(), scenarioVector)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := p.Predict(context.Background(), scenarioVector)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, scenarioAQI, first)
}

func TestPipeline_Rounding(t *testing.T) {
	tests := []struct {
		raw  float64
		want float64
	}{
		{123.456, 123.46},
		{123.454, 123.45},
		{-3.14159, -3.14},
		{42, 42},
		{0.005, 0.01},
	}

	for _, tt := range tests {
		p := stubPipeline(t, &stubModel{value: tt.raw}, nil, 0)
		got, err := p.Predict(context.Background(), scenarioVector)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "raw %v", tt.raw)
	}
}

func TestPipeline_HugeOutputStaysFinite(t *testing.T) {
	for _, raw := range []float64{1.7e308, -1.7e308, 5e307, 1e15 + 0.5} {
		metrics := &MockMetrics{}
		p := stubPipeline(t, &stubModel{value: raw}, metrics, 0)

		got, err := p.Predict(context.Background(), scenarioVector)
		require.NoError(t, err, "raw %v", raw)
		assert.Equal(t, raw, got)

		predictions, failures := metrics.counts()
		assert.Equal(t, 1, predictions)
		assert.Equal(t, 0, failures)
	}
}

func TestPipeline_NonFinite(t *testing.T) {
	for _, raw := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		metrics := &MockMetrics{}
		p := stubPipeline(t, &stubModel{value: raw}, metrics, 0)

		_, err := p.Predict(context.Background(), scenarioVector)
		assert.ErrorIs(t, err, ErrNonFinite)

		predictions, failures := metrics.counts()
		assert.Equal(t, 0, predictions)
		assert.Equal(t, 1, failures)
	}
}

func TestPipeline_ModelError(t *testing.T) {
	boom := errors.New("boom")
	p := stubPipeline(t, &stubModel{err: boom}, nil, 0)

	_, err := p.Predict(context.Background(), scenarioVector)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "model predict failed")
}

func TestPipeline_RecoversPanic(t *testing.T) {
	metrics := &MockMetrics{}
	p := stubPipeline(t, &stubModel{panic: true}, metrics, 0)

	_, err := p.Predict(context.Background(), scenarioVector)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPredictPanics)
	assert.Contains(t, err.Error(), "index out of range")

	_, failures := metrics.counts()
	assert.Equal(t, 1, failures)
	assert.Equal(t, int64(1), p.Health().ErrorCount)
}

func TestPipeline_CanceledContext(t *testing.T) {
	m := &stubModel{value: 1}
	p := stubPipeline(t, m, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Predict(ctx, scenarioVector)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.calls)
}

func TestPipeline_Cache(t *testing.T) {
	metrics := &MockMetrics{}
	m := &stubModel{value: 55.556}
	p := stubPipeline(t, m, metrics, 8)

	for i := 0; i < 3; i++ {
		got, err := p.Predict(context.Background(), scenarioVector)
		require.NoError(t, err)
		assert.Equal(t, 55.56, got)
	}
	assert.Equal(t, 1, m.calls)
	assert.Equal(t, 2, metrics.cacheHits)
	assert.Equal(t, 1, metrics.cacheMisses)
	assert.Equal(t, 3, metrics.predictions)
	assert.Equal(t, int64(2), p.Health().CacheHits)

	other := scenarioVector
	other[0] = 11
	_, err := p.Predict(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 2, m.calls)
}

func TestPipeline_CacheSkipsFailures(t *testing.T) {
	m := &stubModel{value: math.NaN()}
	p := stubPipeline(t, m, nil, 8)

	for i := 0; i < 2; i++ {
		_, err := p.Predict(context.Background(), scenarioVector)
		assert.Error(t, err)
	}
	assert.Equal(t, 2, m.calls)
}

func TestPipeline_Metrics(t *testing.T) {
	metrics := &MockMetrics{}
	p := newFixturePipeline(t, metrics, 0)

	_, err := p.Predict(context.Background(), scenarioVector)
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.predictions)
	assert.Equal(t, 1, metrics.latencies)
	assert.Equal(t, []float64{scenarioAQI}, metrics.values)
	assert.GreaterOrEqual(t, metrics.modelAge, 0.0)
}

func TestPipeline_Concurrency(t *testing.T) {
	p := newFixturePipeline(t, &MockMetrics{}, 16)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := scenarioVector
			v[0] = float64(i % 5)
			if _, err := p.Predict(context.Background(), v); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	assert.Equal(t, int64(50), p.Health().PredictionCount)
}

func TestNewPipeline_RequiresArtifacts(t *testing.T) {
	_, err := NewPipeline(nil, nil, 0)
	assert.ErrorIs(t, err, ErrNoArtifacts)

	_, err = NewPipeline(&Artifacts{Scaler: IdentityScaler{}}, nil, 0)
	assert.ErrorIs(t, err, ErrNoArtifacts)
}

func TestPipeline_Health(t *testing.T) {
	p := newFixturePipeline(t, nil, 0)
	h := p.Health()
	assert.True(t, h.Healthy)
	assert.True(t, h.ModelLoaded)
	assert.Equal(t, "unknown", h.ModelVersion)
	assert.Equal(t, int64(0), h.PredictionCount)
}
