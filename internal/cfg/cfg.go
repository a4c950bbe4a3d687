package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"aqi-predictor/internal/common"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ListenAddr      string
	MetricsPort     int
	Backend         string
	ScalerPath      string
	ModelPath       string
	PythonPath      string
	PredictTimeout  time.Duration
	CacheSize       int
	StrictStatus    bool
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string
	LogFile         string
}

type ConfigFile struct {
	Server struct {
		ListenAddr      string   `yaml:"listenAddr"`
		MetricsPort     int      `yaml:"metricsPort"`
		StrictStatus    bool     `yaml:"strictStatus"`
		AllowedOrigins  []string `yaml:"allowedOrigins"`
		ReadTimeout     string   `yaml:"readTimeout"`
		WriteTimeout    string   `yaml:"writeTimeout"`
		IdleTimeout     string   `yaml:"idleTimeout"`
		ShutdownTimeout string   `yaml:"shutdownTimeout"`
	} `yaml:"server"`

	ML struct {
		Backend        string `yaml:"backend"`
		ScalerPath     string `yaml:"scalerPath"`
		ModelPath      string `yaml:"modelPath"`
		PythonPath     string `yaml:"pythonPath"`
		PredictTimeout string `yaml:"predictTimeout"`
		CacheSize      *int   `yaml:"cacheSize"`
	} `yaml:"ml"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"logging"`
}

// Load reads a .env file when one is present, then builds Settings from the
// YAML file named by CONFIG_FILE (with environment overrides) or from the
// environment alone.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Settings{}, fmt.Errorf("failed to load .env: %w", err)
	}

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	backend := getEnvOrDefault(common.EnvModelBackend, orDefault(config.ML.Backend, common.DefaultBackend))
	scalerDefault, modelDefault := artifactDefaults(backend)

	cacheSize := common.DefaultCacheSize
	if config.ML.CacheSize != nil {
		cacheSize = *config.ML.CacheSize
	}

	origins := config.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{common.DefaultAllowedOrigins}
	}

	settings := Settings{
		ListenAddr:      getEnvOrDefault(common.EnvListenAddr, orDefault(config.Server.ListenAddr, common.DefaultListenAddr)),
		MetricsPort:     getIntOrDefault(common.EnvMetricsPort, config.Server.MetricsPort),
		Backend:         backend,
		ScalerPath:      getEnvOrDefault(common.EnvScalerPath, orDefault(config.ML.ScalerPath, scalerDefault)),
		ModelPath:       getEnvOrDefault(common.EnvModelPath, orDefault(config.ML.ModelPath, modelDefault)),
		PythonPath:      getEnvOrDefault(common.EnvPythonPath, config.ML.PythonPath),
		PredictTimeout:  getDurationOrDefault(common.EnvPredictTimeout, parseDurationOr(config.ML.PredictTimeout, 5*time.Second)),
		CacheSize:       getIntOrDefault(common.EnvCacheSize, cacheSize),
		StrictStatus:    getBoolOrDefault(common.EnvStrictStatus, config.Server.StrictStatus),
		AllowedOrigins:  splitOrDefault(os.Getenv(common.EnvAllowedOrigins), origins),
		ReadTimeout:     getDurationOrDefault(common.EnvReadTimeout, parseDurationOr(config.Server.ReadTimeout, 10*time.Second)),
		WriteTimeout:    getDurationOrDefault(common.EnvWriteTimeout, parseDurationOr(config.Server.WriteTimeout, 10*time.Second)),
		IdleTimeout:     getDurationOrDefault(common.EnvIdleTimeout, parseDurationOr(config.Server.IdleTimeout, 120*time.Second)),
		ShutdownTimeout: getDurationOrDefault(common.EnvShutdownTimeout, parseDurationOr(config.Server.ShutdownTimeout, 15*time.Second)),
		LogLevel:        getEnvOrDefault(common.EnvLogLevel, orDefault(config.Logging.Level, common.DefaultLogLevel)),
		LogFormat:       getEnvOrDefault(common.EnvLogFormat, orDefault(config.Logging.Format, common.DefaultLogFormat)),
		LogFile:         getEnvOrDefault(common.EnvLogFile, config.Logging.File),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	backend := getEnvOrDefault(common.EnvModelBackend, common.DefaultBackend)
	scalerDefault, modelDefault := artifactDefaults(backend)

	settings := Settings{
		ListenAddr:      getEnvOrDefault(common.EnvListenAddr, common.DefaultListenAddr),
		MetricsPort:     getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		Backend:         backend,
		ScalerPath:      getEnvOrDefault(common.EnvScalerPath, scalerDefault),
		ModelPath:       getEnvOrDefault(common.EnvModelPath, modelDefault),
		PythonPath:      os.Getenv(common.EnvPythonPath), // optional
		PredictTimeout:  getDurationOrDefault(common.EnvPredictTimeout, 5*time.Second),
		CacheSize:       getIntOrDefault(common.EnvCacheSize, common.DefaultCacheSize),
		StrictStatus:    getBoolOrDefault(common.EnvStrictStatus, false),
		AllowedOrigins:  splitOrDefault(os.Getenv(common.EnvAllowedOrigins), []string{common.DefaultAllowedOrigins}),
		ReadTimeout:     getDurationOrDefault(common.EnvReadTimeout, 10*time.Second),
		WriteTimeout:    getDurationOrDefault(common.EnvWriteTimeout, 10*time.Second),
		IdleTimeout:     getDurationOrDefault(common.EnvIdleTimeout, 120*time.Second),
		ShutdownTimeout: getDurationOrDefault(common.EnvShutdownTimeout, 15*time.Second),
		LogLevel:        getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		LogFormat:       getEnvOrDefault(common.EnvLogFormat, common.DefaultLogFormat),
		LogFile:         os.Getenv(common.EnvLogFile),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// artifactDefaults returns the conventional artifact file names for a backend.
func artifactDefaults(backend string) (scaler, model string) {
	if backend == common.BackendJoblib {
		return common.DefaultJoblibScalerPath, common.DefaultJoblibModelPath
	}
	return common.DefaultScalerPath, common.DefaultModelPath
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func orDefault(v, defaultValue string) string {
	if v != "" {
		return v
	}
	return defaultValue
}

func parseDurationOr(v string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// validateSettings rejects values the server cannot run with
func validateSettings(settings *Settings) error {
	if settings.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if settings.MetricsPort != 0 && (settings.MetricsPort < common.MinMetricsPort || settings.MetricsPort > common.MaxMetricsPort) {
		return fmt.Errorf("metrics port must be 0 or between %d and %d, got %d",
			common.MinMetricsPort, common.MaxMetricsPort, settings.MetricsPort)
	}

	switch settings.Backend {
	case common.BackendJSON, common.BackendJoblib:
	default:
		return fmt.Errorf("model backend must be %q or %q, got %q", common.BackendJSON, common.BackendJoblib, settings.Backend)
	}
	if settings.ScalerPath == "" || settings.ModelPath == "" {
		return fmt.Errorf("scaler and model paths are required")
	}

	if settings.PredictTimeout < 10*time.Millisecond || settings.PredictTimeout > time.Minute {
		return fmt.Errorf("predict timeout must be between 10ms and 1m, got %v", settings.PredictTimeout)
	}
	if settings.CacheSize < 0 || settings.CacheSize > common.MaxCacheSize {
		return fmt.Errorf("cache size must be between 0 and %d, got %d", common.MaxCacheSize, settings.CacheSize)
	}
	if len(settings.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}

	for name, d := range map[string]time.Duration{
		"read timeout":     settings.ReadTimeout,
		"write timeout":    settings.WriteTimeout,
		"idle timeout":     settings.IdleTimeout,
		"shutdown timeout": settings.ShutdownTimeout,
	} {
		if d < time.Second || d > 10*time.Minute {
			return fmt.Errorf("%s must be between 1s and 10m, got %v", name, d)
		}
	}

	switch settings.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", settings.LogFormat)
	}

	return nil
}
