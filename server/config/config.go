package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Ensemble EnsembleConfig `json:"ensemble"`
	Voting   VotingConfig   `json:"voting"`
	Window   WindowConfig   `json:"window"`
	Cache    CacheConfig    `json:"cache"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
}

type EnsembleConfig struct {
	// ModelEndpoints maps model name to inference sidecar base URL,
	// parsed from "name=url,name=url". Empty means demo mode with
	// static adapters.
	ModelEndpoints      map[string]string `json:"model_endpoints"`
	PreprocessorURL     string            `json:"preprocessor_url"`
	FrameTimeout        time.Duration     `json:"frame_timeout"`
	PredictTimeout      time.Duration     `json:"predict_timeout"`
	MaxRetries          int               `json:"max_retries"`
	RetryDelay          time.Duration     `json:"retry_delay"`
	HealthCheckInterval time.Duration     `json:"health_check_interval"`
	PoolQueueSize       int               `json:"pool_queue_size"`
	PoolWorkers         int               `json:"pool_workers"`
}

type VotingConfig struct {
	FakeThreshold      float64 `json:"fake_threshold"`
	RealBoost          float64 `json:"real_boost"`
	ShowConversionInfo bool    `json:"show_conversion_info"`
}

type WindowConfig struct {
	Seconds     float64 `json:"seconds"`
	MaxBuffered int     `json:"max_buffered"`
}

type CacheConfig struct {
	MaxEntries int           `json:"max_entries"`
	TTL        time.Duration `json:"ttl"`
}

type SecurityConfig struct {
	AuthToken      string        `json:"auth_token"`
	AllowedOrigins []string      `json:"allowed_origins"`
	RateLimitRPS   int           `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size"`
	MaxFrameSize   int64         `json:"max_frame_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https"`
	CertFile       string        `json:"cert_file"`
	KeyFile        string        `json:"key_file"`
}

type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	Output     string `json:"output"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
}

func LoadConfig() *Config {
	// A missing .env is fine; real deployments set the environment.
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8765),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		Ensemble: EnsembleConfig{
			ModelEndpoints:      parseModelEndpoints(getEnv("MODEL_ENDPOINTS", "")),
			PreprocessorURL:     getEnv("PREPROCESSOR_URL", "http://localhost:5001"),
			FrameTimeout:        getEnvAsDuration("FRAME_TIMEOUT", 3*time.Second),
			PredictTimeout:      getEnvAsDuration("PREDICT_TIMEOUT", 10*time.Second),
			MaxRetries:          getEnvAsInt("PREDICT_MAX_RETRIES", 2),
			RetryDelay:          getEnvAsDuration("PREDICT_RETRY_DELAY", 250*time.Millisecond),
			HealthCheckInterval: getEnvAsDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
			PoolQueueSize:       getEnvAsInt("INFERENCE_QUEUE_SIZE", 64),
			PoolWorkers:         getEnvAsInt("INFERENCE_WORKERS", 8),
		},
		Voting: VotingConfig{
			FakeThreshold:      getEnvAsFloat("FAKE_THRESHOLD", 0.70),
			RealBoost:          getEnvAsFloat("REAL_BOOST", 0.15),
			ShowConversionInfo: getEnvAsBool("SHOW_CONVERSION_INFO", true),
		},
		Window: WindowConfig{
			Seconds:     getEnvAsFloat("WINDOW_SECONDS", 10),
			MaxBuffered: getEnvAsInt("WINDOW_MAX_BUFFERED", 120),
		},
		Cache: CacheConfig{
			MaxEntries: getEnvAsInt("CACHE_MAX_ENTRIES", 1000),
			TTL:        getEnvAsDuration("CACHE_TTL", 5*time.Minute),
		},
		Security: SecurityConfig{
			AuthToken:      getEnv("AUTH_TOKEN", ""),
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 100),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 200),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 10*1024*1024),
			MaxFrameSize:   getEnvAsInt64("MAX_FRAME_SIZE", 10*1024*1024),
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			MaxSize:    getEnvAsInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 3),
			MaxAge:     getEnvAsInt("LOG_MAX_AGE", 28),
		},
	}
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	if len(c.Ensemble.ModelEndpoints) == 0 {
		logger.Warn("no model endpoints configured, running demo ensemble with static adapters")
	}
	if c.Ensemble.PreprocessorURL == "" {
		errs = append(errs, "preprocessor URL is required")
	}
	if c.Ensemble.FrameTimeout <= 0 {
		errs = append(errs, "frame timeout must be positive")
	}

	if c.Voting.FakeThreshold < 0 || c.Voting.FakeThreshold > 1 {
		errs = append(errs, "fake threshold must be in [0,1]")
	}
	if c.Voting.RealBoost < 0 || c.Voting.RealBoost > 1 {
		errs = append(errs, "real boost must be in [0,1]")
	}

	if c.Window.Seconds <= 0 {
		errs = append(errs, "window seconds must be positive")
	}
	if float64(c.Window.MaxBuffered) < c.Window.Seconds {
		// At the 1 fps ingest rate the buffer must cover a full window.
		errs = append(errs, "window buffer must hold at least one window of frames")
	}

	if c.Security.MaxRequestSize <= 0 {
		errs = append(errs, "max request size must be positive")
	}

	if c.Security.AuthToken == "" {
		logger.Warn("auth token not set, frame ingestion is unauthenticated")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, ", "))
	}

	return nil
}

func parseModelEndpoints(raw string) map[string]string {
	endpoints := make(map[string]string)
	if raw == "" {
		return endpoints
	}
	for _, pair := range strings.Split(raw, ",") {
		name, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || url == "" {
			continue
		}
		endpoints[name] = url
	}
	return endpoints
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
