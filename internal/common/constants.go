package common

// Environment variable keys
const (
	EnvConfigFile      = "CONFIG_FILE"
	EnvListenAddr      = "LISTEN_ADDR"
	EnvMetricsPort     = "METRICS_PORT"
	EnvModelBackend    = "MODEL_BACKEND"
	EnvScalerPath      = "SCALER_PATH"
	EnvModelPath       = "MODEL_PATH"
	EnvPythonPath      = "PYTHON_PATH"
	EnvPredictTimeout  = "PREDICT_TIMEOUT"
	EnvCacheSize       = "CACHE_SIZE"
	EnvStrictStatus    = "STRICT_STATUS"
	EnvAllowedOrigins  = "ALLOWED_ORIGINS"
	EnvReadTimeout     = "READ_TIMEOUT"
	EnvWriteTimeout    = "WRITE_TIMEOUT"
	EnvIdleTimeout     = "IDLE_TIMEOUT"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
	EnvLogFile         = "LOG_FILE"
)

// Model backends
const (
	BackendJSON   = "json"
	BackendJoblib = "joblib"
)

// Configuration defaults
const (
	DefaultListenAddr       = ":8000"
	DefaultMetricsPort      = 0 // metrics share the API listener
	DefaultBackend          = BackendJSON
	DefaultScalerPath       = "scaler.json"
	DefaultModelPath        = "model.json"
	DefaultJoblibScalerPath = "scaler.pkl"
	DefaultJoblibModelPath  = "aqi_model.pkl"
	DefaultCacheSize        = 1024
	DefaultAllowedOrigins   = "*"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
)

// Validation constants
const (
	MinMetricsPort = 1024
	MaxMetricsPort = 65535
	MaxCacheSize   = 1 << 20
)
