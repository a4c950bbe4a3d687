package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"aqi-predictor/internal/features"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNonFinite is returned when the model output is NaN or infinite.
	ErrNonFinite = errors.New("model produced a non-finite prediction")
	// ErrNoArtifacts is returned by NewPipeline without a scaler or model.
	ErrNoArtifacts = errors.New("scaler and model must both be loaded")
	// ErrPredictPanics wraps a panic recovered inside Predict.
	ErrPredictPanics = errors.New("prediction panicked")
)

// MetricsInterface defines the metrics the pipeline records.
type MetricsInterface interface {
	PredictionsInc()
	FailuresInc()
	LatencyObserve(float64)
	PredictedValueObserve(float64)
	CacheHitInc()
	CacheMissInc()
	ModelAgeSet(float64)
}

// Pipeline is the loaded scaler and model composed into one pure function
// of the feature vector. It is safe for concurrent use: the artifacts are
// never mutated after load and the cache does its own locking.
type Pipeline struct {
	scaler   Scaler
	model    Model
	metadata *ModelMetadata
	metrics  MetricsInterface
	cache    *lru.Cache[features.Vector, float64]
	loadedAt time.Time
	stats    *PerformanceStats
}

// PerformanceStats tracks counters surfaced by the health endpoint.
type PerformanceStats struct {
	mu           sync.RWMutex
	predictions  int64
	errors       int64
	cacheHits    int64
	totalLatency time.Duration
	lastError    string
}

// HealthStatus is the health endpoint's body.
type HealthStatus struct {
	Healthy         bool    `json:"healthy"`
	ModelLoaded     bool    `json:"model_loaded"`
	ModelVersion    string  `json:"model_version"`
	PredictionCount int64   `json:"prediction_count"`
	ErrorCount      int64   `json:"error_count"`
	CacheHits       int64   `json:"cache_hits"`
	AverageLatency  float64 `json:"average_latency_ms"`
	LastError       string  `json:"last_error,omitempty"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// NewPipeline composes loaded artifacts. cacheSize 0 disables caching;
// metrics may be nil.
func NewPipeline(a *Artifacts, metrics MetricsInterface, cacheSize int) (*Pipeline, error) {
	if a == nil || a.Scaler == nil || a.Model == nil {
		return nil, ErrNoArtifacts
	}

	p := &Pipeline{
		scaler:   a.Scaler,
		model:    a.Model,
		metadata: a.Metadata,
		metrics:  metrics,
		loadedAt: time.Now(),
		stats:    &PerformanceStats{},
	}
	if p.metadata == nil {
		p.metadata = defaultMetadata()
	}

	if cacheSize > 0 {
		cache, err := lru.New[features.Vector, float64](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create prediction cache: %w", err)
		}
		p.cache = cache
	}

	if metrics != nil && !p.metadata.ModelModified.IsZero() {
		metrics.ModelAgeSet(time.Since(p.metadata.ModelModified).Seconds())
	}

	return p, nil
}

// Predict scales v, runs the model and rounds the result to 2 decimals.
// Panics inside the artifacts are converted to errors.
func (p *Pipeline) Predict(ctx context.Context, v features.Vector) (aqi float64, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPredictPanics, r)
		}
		p.record(time.Since(start), aqi, err)
	}()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if p.cache != nil {
		if cached, ok := p.cache.Get(v); ok {
			p.cacheHit()
			return cached, nil
		}
		if p.metrics != nil {
			p.metrics.CacheMissInc()
		}
	}

	scaled, err := p.scaler.Transform(v)
	if err != nil {
		return 0, fmt.Errorf("scaler transform failed: %w", err)
	}
	raw, err := p.model.Predict(scaled)
	if err != nil {
		return 0, fmt.Errorf("model predict failed: %w", err)
	}
	aqi = Round2(raw)
	if math.IsNaN(aqi) || math.IsInf(aqi, 0) {
		return 0, ErrNonFinite
	}

	if p.cache != nil {
		p.cache.Add(v, aqi)
	}
	return aqi, nil
}

// roundLimit is where float64 stops carrying fractional digits; x*100
// could overflow above it.
const roundLimit = 1e15

// Round2 rounds half away from zero to 2 decimal places.
func Round2(x float64) float64 {
	if math.Abs(x) >= roundLimit {
		return x
	}
	return math.Round(x*100) / 100
}

func (p *Pipeline) cacheHit() {
	p.stats.mu.Lock()
	p.stats.cacheHits++
	p.stats.mu.Unlock()
	if p.metrics != nil {
		p.metrics.CacheHitInc()
	}
}

func (p *Pipeline) record(latency time.Duration, aqi float64, err error) {
	p.stats.mu.Lock()
	p.stats.totalLatency += latency
	if err != nil {
		p.stats.errors++
		p.stats.lastError = err.Error()
	} else {
		p.stats.predictions++
	}
	p.stats.mu.Unlock()

	if err != nil {
		log.Debug().Err(err).Msg("prediction failed")
	}

	if p.metrics == nil {
		return
	}
	p.metrics.LatencyObserve(latency.Seconds())
	if err != nil {
		p.metrics.FailuresInc()
		return
	}
	p.metrics.PredictionsInc()
	p.metrics.PredictedValueObserve(aqi)
}

// Metadata describes the loaded artifacts.
func (p *Pipeline) Metadata() *ModelMetadata {
	return p.metadata
}

// LoadedAt is when the pipeline was assembled.
func (p *Pipeline) LoadedAt() time.Time {
	return p.loadedAt
}

// Health summarizes the pipeline for the health endpoint. The pipeline is
// healthy whenever its artifacts are loaded; prediction errors are caused
// by requests as often as by the artifacts, so they are reported but do
// not flip the flag.
func (p *Pipeline) Health() *HealthStatus {
	p.stats.mu.RLock()
	defer p.stats.mu.RUnlock()

	total := p.stats.predictions + p.stats.errors
	var avgLatency float64
	if total > 0 {
		avgLatency = float64(p.stats.totalLatency.Microseconds()) / 1000 / float64(total)
	}

	loaded := p.scaler != nil && p.model != nil
	return &HealthStatus{
		Healthy:         loaded,
		ModelLoaded:     loaded,
		ModelVersion:    p.metadata.Version,
		PredictionCount: p.stats.predictions,
		ErrorCount:      p.stats.errors,
		CacheHits:       p.stats.cacheHits,
		AverageLatency:  avgLatency,
		LastError:       p.stats.lastError,
		UptimeSeconds:   time.Since(p.loadedAt).Seconds(),
	}
}
