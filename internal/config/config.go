// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrInvalidDatabaseDriver is returned when DATABASE_DRIVER is not memory, sqlite or postgres.
	ErrInvalidDatabaseDriver = errors.New("config: DATABASE_DRIVER must be memory, sqlite or postgres")
	// ErrDatabaseDSNRequired is returned when postgres is selected without DATABASE_DSN.
	ErrDatabaseDSNRequired = errors.New("config: DATABASE_DSN is required for postgres")
	// ErrInvalidUploadSize is returned when MAX_UPLOAD_SIZE cannot be parsed.
	ErrInvalidUploadSize = errors.New("config: MAX_UPLOAD_SIZE is not a valid size")
	// ErrMirrorAmbiguous is returned when both S3 and MinIO are configured.
	ErrMirrorAmbiguous = errors.New("config: configure either S3 or MinIO, not both")
	// ErrInvalidConcurrency is returned when MAX_CONCURRENT_JOBS is below 1.
	ErrInvalidConcurrency = errors.New("config: MAX_CONCURRENT_JOBS must be at least 1")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int      `env:"PORT, default=8080" json:"port"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`

	// Storage settings
	DataDir        string `env:"DATA_DIR, default=/tmp/mediaops" json:"data_dir"`
	MaxUploadSize  string `env:"MAX_UPLOAD_SIZE, default=500MB" json:"max_upload_size"`
	MaxUploadFiles int    `env:"MAX_UPLOAD_FILES, default=10" json:"max_upload_files"`

	// Media tool settings
	FFmpegPath  string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`
	PresetsFile string `env:"PRESETS_FILE" json:"presets_file,omitempty"`

	// Processing settings
	MaxConcurrentJobs    int           `env:"MAX_CONCURRENT_JOBS, default=4" json:"max_concurrent_jobs"`
	ProbeTimeout         time.Duration `env:"PROBE_TIMEOUT, default=30s" json:"probe_timeout"`
	CopyTimeout          time.Duration `env:"COPY_TIMEOUT, default=10m" json:"copy_timeout"`
	EncodeTimeout        time.Duration `env:"ENCODE_TIMEOUT, default=1h" json:"encode_timeout"`
	DiagnosticTailKB     int           `env:"DIAGNOSTIC_TAIL_KB, default=16" json:"diagnostic_tail_kb"`
	TrimReencodeFallback bool          `env:"TRIM_REENCODE_FALLBACK, default=true" json:"trim_reencode_fallback"`
	ProbeOutputs         bool          `env:"PROBE_OUTPUTS, default=true" json:"probe_outputs"`

	// Retention settings
	JobRetention    time.Duration `env:"JOB_RETENTION, default=1h" json:"job_retention"`
	JanitorSchedule string        `env:"JANITOR_SCHEDULE, default=@every 5m" json:"janitor_schedule"`

	// Database settings
	DatabaseDriver string `env:"DATABASE_DRIVER, default=memory" json:"database_driver"` // "memory", "sqlite" or "postgres"
	DatabaseDSN    string `env:"DATABASE_DSN" json:"-"`                                  // May hold credentials

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Optional MinIO settings
	MinIOEndpoint  string `env:"MINIO_ENDPOINT" json:"minio_endpoint,omitempty"`
	MinIOBucket    string `env:"MINIO_BUCKET" json:"minio_bucket,omitempty"`
	MinIOAccessKey string `env:"MINIO_ACCESS_KEY" json:"-"` // Masked in JSON
	MinIOSecretKey string `env:"MINIO_SECRET_KEY" json:"-"` // Masked in JSON
	MinIOUseSSL    bool   `env:"MINIO_USE_SSL, default=false" json:"minio_use_ssl"`

	MirrorOutputs bool `env:"MIRROR_OUTPUTS, default=false" json:"mirror_outputs"`

	// Optional Kafka settings
	KafkaBrokers []string `env:"KAFKA_BROKERS" json:"kafka_brokers,omitempty"`
	KafkaTopic   string   `env:"KAFKA_TOPIC, default=mediaops.jobs" json:"kafka_topic"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// MinIOEnabled returns true if MinIO configuration is provided.
func (c *Config) MinIOEnabled() bool {
	return c.MinIOEndpoint != "" && c.MinIOBucket != ""
}

// KafkaEnabled returns true if at least one Kafka broker is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// MaxUploadBytes returns MAX_UPLOAD_SIZE in bytes.
func (c *Config) MaxUploadBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxUploadSize)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUploadSize, c.MaxUploadSize)
	}
	return int64(n), nil
}

// Load reads configuration from environment variables using go-envconfig
// and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that settings are consistent.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseDSN == "" {
			return ErrDatabaseDSNRequired
		}
	default:
		return ErrInvalidDatabaseDriver
	}
	if c.MaxConcurrentJobs < 1 {
		return ErrInvalidConcurrency
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		return err
	}
	if c.S3Enabled() && c.MinIOEnabled() {
		return ErrMirrorAmbiguous
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, DataDir: %s, MaxConcurrentJobs: %d, CopyTimeout: %s, EncodeTimeout: %s, MaxUploadSize: %s, DatabaseDriver: %s, S3Bucket: %s, S3Region: %s, MinIOEndpoint: %s, MinIOBucket: %s, MirrorOutputs: %t, KafkaBrokers: %v, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.DataDir,
		c.MaxConcurrentJobs,
		c.CopyTimeout,
		c.EncodeTimeout,
		c.MaxUploadSize,
		c.DatabaseDriver,
		c.S3Bucket,
		c.S3Region,
		c.MinIOEndpoint,
		c.MinIOBucket,
		c.MirrorOutputs,
		c.KafkaBrokers,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
