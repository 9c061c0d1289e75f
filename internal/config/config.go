package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Database     DatabaseConfig
	Logging      LoggingConfig
	Tracing      TracingConfig
	Versioning   VersioningConfig
	Repair       RepairConfig
	Jobs         JobsConfig
	Metrics      MetricsConfig
	DatasetsFile string
	Environment  string `validate:"oneof=development staging production test"`
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int `validate:"gte=1"`
	MaxIdle        int `validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `validate:"oneof=json console"`
}

type TracingConfig struct {
	Enabled      bool
	Exporter     string  `validate:"oneof=stdout otlp none"`
	ServiceName  string  `validate:"required"`
	OTLPEndpoint string
	SampleRate   float64 `validate:"gte=0,lte=1"`
}

type VersioningConfig struct {
	KeepRecent     int     `validate:"gte=0"`
	ChecksumMethod string  `validate:"oneof=sha256 md5 sha1 blake2b xxh3"`
	ChunkType      string  `validate:"oneof=daily weekly monthly"`
	DiffEpsilon    float64 `validate:"gte=0"`
	HashWorkers    int     `validate:"gte=1"`
}

type RepairConfig struct {
	MissingMethod string  `validate:"oneof=ffill drop"`
	OutlierMethod string  `validate:"oneof=clip interpolate remove"`
	IQRMultiplier float64 `validate:"gt=0"`
}

type JobsConfig struct {
	MaxWorkers        int `validate:"gte=1"`
	RetryIngest       int `validate:"gte=1"`
	RetryRetention    int `validate:"gte=1"`
	RetryVerify       int `validate:"gte=1"`
	RetentionInterval time.Duration
	VerifyInterval    time.Duration
	// VerifyRate caps datasets verified per second; 0 is unlimited.
	VerifyRate        float64 `validate:"gte=0"`
	VerifyWorkers     int     `validate:"gte=1"`
}

type MetricsConfig struct {
	Addr string
}

// LoadEnvFile loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is ignored.
func LoadEnvFile(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// Load reads the configuration from the environment and validates it.
// DATABASE_URL is only checked by the commands that need a database.
func Load() (Config, error) {
	cfg := Config{
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConnections: getEnvInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdle:        getEnvInt("DATABASE_MAX_IDLE_CONNECTIONS", 2),
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("TRACING_ENABLED", false),
			Exporter:     getEnv("TRACING_EXPORTER", "none"),
			ServiceName:  getEnv("TRACING_SERVICE_NAME", "datavc"),
			OTLPEndpoint: getEnv("TRACING_OTLP_ENDPOINT", "localhost:4317"),
			SampleRate:   getEnvFloat("TRACING_SAMPLE_RATE", 1.0),
		},
		Versioning: VersioningConfig{
			KeepRecent:     getEnvInt("VERSION_KEEP_RECENT", 10),
			ChecksumMethod: strings.ToLower(getEnv("CHECKSUM_METHOD", "sha256")),
			ChunkType:      strings.ToLower(getEnv("CHUNK_TYPE", "monthly")),
			DiffEpsilon:    getEnvFloat("DIFF_EPSILON", 1e-6),
			HashWorkers:    getEnvInt("HASH_WORKERS", 4),
		},
		Repair: RepairConfig{
			MissingMethod: strings.ToLower(getEnv("REPAIR_MISSING_METHOD", "ffill")),
			OutlierMethod: strings.ToLower(getEnv("REPAIR_OUTLIER_METHOD", "clip")),
			IQRMultiplier: getEnvFloat("REPAIR_IQR_MULTIPLIER", 3.0),
		},
		Jobs: JobsConfig{
			MaxWorkers:        getEnvInt("JOBS_MAX_WORKERS", 4),
			RetryIngest:       getEnvInt("JOB_RETRY_INGEST", 5),
			RetryRetention:    getEnvInt("JOB_RETRY_RETENTION", 3),
			RetryVerify:       getEnvInt("JOB_RETRY_VERIFY", 3),
			RetentionInterval: getEnvDuration("RETENTION_INTERVAL", 24*time.Hour),
			VerifyInterval:    getEnvDuration("VERIFY_INTERVAL", 6*time.Hour),
			VerifyRate:        getEnvFloat("VERIFY_RATE", 2),
			VerifyWorkers:     getEnvInt("VERIFY_WORKERS", 4),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9464"),
		},
		DatasetsFile: getEnv("DATASETS_FILE", "datasets.yaml"),
		Environment:  getEnv("ENVIRONMENT", "development"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", describeValidation(err))
	}
	return cfg, nil
}

// RequireDatabase reports a missing DATABASE_URL.
func (c Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
