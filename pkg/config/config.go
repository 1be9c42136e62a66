// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/David-Botos/txn-pipeline/pkg/anomaly"
)

// Store kinds
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config represents the process configuration
type Config struct {
	// Database connections; nil when not configured
	Snowflake *SnowflakeConfig
	Postgres  *PostgresConfig

	// StoreKind selects the Storage implementation
	StoreKind string

	// Processing settings
	BatchSize      int
	WorkerPoolSize int

	// Detector plugged into the model pass
	Detector anomaly.DetectorConfig

	// PipelineConfigPath is an optional YAML file with dataset pipeline defaults
	PipelineConfigPath string

	NATSURL     string
	MetricsAddr string

	// OTLPEndpoint receives stage metrics over OTLP/HTTP when set
	OTLPEndpoint    string
	OTLPInsecure    bool
	MetricsInterval time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables. A .env file in
// the working directory is applied first when present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{
		StoreKind:      strings.ToLower(getEnv("STORE_KIND", StoreMemory)),
		BatchSize:      getEnvAsInt("BATCH_SIZE", 500),
		WorkerPoolSize: getEnvAsInt("WORKER_POOL_SIZE", 0), // 0 means use runtime.NumCPU()
		Detector: anomaly.DetectorConfig{
			Kind:              getEnv("DETECTOR_KIND", "none"),
			Endpoint:          getEnv("DETECTOR_ENDPOINT", ""),
			APIKey:            getEnv("DETECTOR_API_KEY", ""),
			Model:             getEnv("DETECTOR_MODEL", ""),
			Timeout:           getEnvAsDuration("DETECTOR_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvAsFloat("DETECTOR_REQUESTS_PER_SECOND", 2),
			MaxRetries:        getEnvAsInt("DETECTOR_MAX_RETRIES", 2),
			StatisticalRatio:  getEnvAsFloat("DETECTOR_STATISTICAL_RATIO", 4),
		},
		PipelineConfigPath: getEnv("PIPELINE_CONFIG_PATH", ""),
		NATSURL:            getEnv("NATS_URL", ""),
		MetricsAddr:        getEnv("METRICS_ADDR", ""),
		OTLPEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:       getEnv("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
		MetricsInterval:    getEnvAsDuration("OTEL_METRIC_EXPORT_INTERVAL", 15*time.Second),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
	}

	snowConfig, err := LoadSnowflakeConfig()
	if err != nil {
		return nil, errors.New("failed to load Snowflake configuration: " + err.Error())
	}
	cfg.Snowflake = snowConfig

	pgConfig, err := LoadPostgresConfig()
	if err != nil {
		return nil, errors.New("failed to load PostgreSQL configuration: " + err.Error())
	}
	cfg.Postgres = pgConfig

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present and valid
func (c *Config) Validate() error {
	switch c.StoreKind {
	case StoreMemory:
	case StorePostgres:
		if c.Postgres == nil {
			return errors.New("postgres store requires PostgreSQL configuration")
		}
	default:
		return fmt.Errorf("unknown store kind %q", c.StoreKind)
	}

	if c.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}

	if c.WorkerPoolSize < 0 {
		return errors.New("worker pool size cannot be negative")
	}

	switch strings.ToLower(c.Detector.Kind) {
	case "", "none", "keyword", "rule-based", "statistical":
	case "llm":
		if c.Detector.Endpoint == "" {
			return errors.New("llm detector requires DETECTOR_ENDPOINT")
		}
	default:
		return fmt.Errorf("unknown detector kind %q", c.Detector.Kind)
	}

	if c.Detector.Timeout <= 0 {
		return errors.New("detector timeout must be positive")
	}

	return nil
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("15s") or whole seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvAsStringSlice parses a comma-separated list, dropping empty entries
func getEnvAsStringSlice(key string, defaultValue []string) []string {
	var result []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.Trim(strings.TrimSpace(v), `"`); v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
