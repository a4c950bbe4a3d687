package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"aqi-predictor/internal/features"

	"github.com/rs/zerolog/log"
)

// DefaultMaxBodyBytes bounds a prediction request. Twelve numbers fit in a
// few hundred bytes.
const DefaultMaxBodyBytes = 64 << 10

var ErrModelNotLoaded = errors.New("model not loaded")

// ServerMetrics is what the HTTP layer records beyond the pipeline's own
// metrics.
type ServerMetrics interface {
	FailuresInc()
	HTTPRequestInc(route string, code int)
	WSConnectionsAdd(delta float64)
}

// ServerConfig configures a ModelServer.
type ServerConfig struct {
	Addr           string
	StrictStatus   bool // answer failures with 400 instead of 200
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	PredictTimeout time.Duration
	MaxBodyBytes   int64
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// ModelServer provides the HTTP API for AQI predictions.
type ModelServer struct {
	predictor PredictorInterface
	metrics   ServerMetrics
	config    ServerConfig
	handler   http.Handler
	server    *http.Server
}

// PredictionResponse is the success body. It carries exactly one key.
type PredictionResponse struct {
	PredictedAQI float64 `json:"predicted_AQI"`
}

// ErrorResponse is the failure body for every kind of failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ModelInfo is the /model/info body.
type ModelInfo struct {
	*ModelMetadata
	FeatureOrder []string  `json:"feature_order"`
	LoadedAt     time.Time `json:"loaded_at,omitempty"`
	StrictStatus bool      `json:"strict_status"`
}

// NewModelServer creates a new HTTP server for model serving. predictor may
// be nil, in which case predictions fail and /health reports 503.
func NewModelServer(predictor PredictorInterface, metrics ServerMetrics, config ServerConfig) *ModelServer {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}

	ms := &ModelServer{
		predictor: predictor,
		metrics:   metrics,
		config:    config,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/predict", ms.handlePredict)
	mux.HandleFunc("POST /predict", ms.handlePredict)
	mux.HandleFunc("GET /api/ws/predict", ms.handleWebSocket)
	mux.HandleFunc("GET /health", ms.handleHealth)
	mux.HandleFunc("GET /model/info", ms.handleModelInfo)
	if config.MetricsHandler != nil {
		mux.Handle("GET /metrics", config.MetricsHandler)
	}

	ms.handler = Chain(
		ms.recoveryMiddleware,
		requestIDMiddleware,
		corsMiddleware(config.AllowedOrigins),
		ms.accessLogMiddleware,
	)(mux)

	ms.server = &http.Server{
		Addr:         config.Addr,
		Handler:      ms.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return ms
}

// Handler returns the fully wrapped handler.
func (ms *ModelServer) Handler() http.Handler {
	return ms.handler
}

// Start begins serving HTTP requests. It returns nil after Shutdown.
func (ms *ModelServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Bool("strict_status", ms.config.StrictStatus).Msg("starting model server")
	if err := ms.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("model server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (ms *ModelServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

func (ms *ModelServer) handlePredict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, ms.config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		ms.failRequest(w, r, fmt.Errorf("failed to read request body: %w", err))
		return
	}

	resp, err := ms.respond(r.Context(), body)
	if err != nil {
		ms.failRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// respond runs one request object through extraction and the pipeline. It
// is shared by the HTTP and websocket routes.
func (ms *ModelServer) respond(ctx context.Context, body []byte) (*PredictionResponse, error) {
	v, err := features.Parse(body)
	if err != nil {
		// The pipeline never sees these, so they are counted here.
		if ms.metrics != nil {
			ms.metrics.FailuresInc()
		}
		return nil, err
	}

	if ms.predictor == nil {
		if ms.metrics != nil {
			ms.metrics.FailuresInc()
		}
		return nil, ErrModelNotLoaded
	}

	if ms.config.PredictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ms.config.PredictTimeout)
		defer cancel()
	}

	aqi, err := ms.predictor.Predict(ctx, v)
	if err != nil {
		return nil, err
	}
	return &PredictionResponse{PredictedAQI: aqi}, nil
}

func (ms *ModelServer) failRequest(w http.ResponseWriter, r *http.Request, err error) {
	log.Debug().
		Err(err).
		Str("request_id", RequestID(r.Context())).
		Msg("prediction request failed")
	ms.writeFailure(w, err)
}

func (ms *ModelServer) writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusOK
	if ms.config.StrictStatus {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (ms *ModelServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if ms.predictor == nil {
		writeJSON(w, http.StatusServiceUnavailable, &HealthStatus{LastError: ErrModelNotLoaded.Error()})
		return
	}

	health := ms.predictor.Health()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (ms *ModelServer) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	if ms.predictor == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: ErrModelNotLoaded.Error()})
		return
	}

	info := ModelInfo{
		ModelMetadata: ms.predictor.Metadata(),
		FeatureOrder:  features.Names[:],
		StrictStatus:  ms.config.StrictStatus,
	}
	if p, ok := ms.predictor.(*Pipeline); ok {
		info.LoadedAt = p.LoadedAt()
	}
	writeJSON(w, http.StatusOK, info)
}

// writeJSON encodes before writing the header so an unencodable value
// still gets an error body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		status = http.StatusInternalServerError
		data, _ = json.Marshal(ErrorResponse{Error: "failed to encode response"})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}
