// Package config assembles the one immutable configuration record the
// process loads at startup (spec.md §9): database connection, streaming
// brokers, cache, and the feature/validation/retry/circuit-breaker knobs the
// pipelines consult on every run.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quantlayer/position-loader/internal/database"
	"github.com/quantlayer/position-loader/internal/errors"
)

// DLQConfig bounds dead-letter retry behavior (spec.md §4.4).
type DLQConfig struct {
	RetentionDays  int
	MaxRetries     int
	InitialBackoff time.Duration
}

// UpstreamConfig bounds the master-data HTTP client (spec.md §6).
type UpstreamConfig struct {
	BaseURL        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// RetryConfig controls exponential backoff for upstream fetches and DLQ
// requeues.
type RetryConfig struct {
	MaxAttempts int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// FeaturesConfig gates pipeline behavior per account/environment.
type FeaturesConfig struct {
	EODEnabled          bool
	IntradayEnabled     bool
	ValidationEnabled   bool
	DuplicateDetection  bool
	ArchivalEnabled     bool
	PilotMode           bool
	PilotAccounts       map[int64]bool
	DisabledAccounts    map[int64]bool
}

// ValidationConfig bounds the structural/business checks of spec.md §4.1
// step 9.
type ValidationConfig struct {
	ZeroPriceThresholdPct  float64
	SuspiciousChangePct    float64
	StrictMode             bool
}

// BreakerSettings configures one circuit breaker instance (spec.md §4.4).
type BreakerSettings struct {
	FailureRatePct float64
	Window         int
	Cooldown       time.Duration
}

// CircuitBreakerConfig holds per-dependency breaker settings.
type CircuitBreakerConfig struct {
	Upstream BreakerSettings
	DB       BreakerSettings
}

// KafkaConfig points at the broker cluster and consumer group used for both
// the EOD_TRIGGER and INTRADAY topics.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// RedisConfig points at the reference-data cache backend.
type RedisConfig struct {
	Addr string
	DB   int
}

// Config is the single configuration record the process builds at startup
// and never mutates afterward.
type Config struct {
	BatchSize         int
	ProcessingThreads int
	DrainTimeout      time.Duration

	Database       database.Config
	Kafka          KafkaConfig
	Redis          RedisConfig
	DLQ            DLQConfig
	Upstream       UpstreamConfig
	Retry          RetryConfig
	Features       FeaturesConfig
	Validation     ValidationConfig
	CircuitBreaker CircuitBreakerConfig
}

// DefaultConfig returns baseline values for local development, matching the
// defaults named in spec.md §4.1 and §9.
func DefaultConfig() *Config {
	db := database.DefaultConfig()
	return &Config{
		BatchSize:         500,
		ProcessingThreads: 8,
		DrainTimeout:      30 * time.Second,
		Database:          *db,
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "position-loader",
		},
		Redis: RedisConfig{Addr: "localhost:6379", DB: 0},
		DLQ: DLQConfig{
			RetentionDays:  7,
			MaxRetries:     3,
			InitialBackoff: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "http://localhost:8081",
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
		Features: FeaturesConfig{
			EODEnabled:         true,
			IntradayEnabled:    true,
			ValidationEnabled:  true,
			DuplicateDetection: true,
			ArchivalEnabled:    true,
			PilotMode:          false,
			PilotAccounts:      map[int64]bool{},
			DisabledAccounts:   map[int64]bool{},
		},
		Validation: ValidationConfig{
			ZeroPriceThresholdPct: 10.0,
			SuspiciousChangePct:   50.0,
			StrictMode:            false,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Upstream: BreakerSettings{FailureRatePct: 50.0, Window: 10, Cooldown: 30 * time.Second},
			DB:       BreakerSettings{FailureRatePct: 70.0, Window: 20, Cooldown: 60 * time.Second},
		},
	}
}

// LoadFromEnv overlays environment variables onto an existing config. Invalid
// values are ignored so a malformed override does not crash startup; they
// simply leave the prior (default) value in place.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Database.Port = p
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.Database.SSLMode = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("PILOT_MODE"); v != "" {
		c.Features.PilotMode = v == "true"
	}
	if v := os.Getenv("STRICT_MODE"); v != "" {
		c.Validation.StrictMode = v == "true"
	}
	if v := os.Getenv("DISABLED_ACCOUNTS"); v != "" {
		c.Features.DisabledAccounts = parseAccountSet(v)
	}
	if v := os.Getenv("PILOT_ACCOUNTS"); v != "" {
		c.Features.PilotAccounts = parseAccountSet(v)
	}
}

func parseAccountSet(csv string) map[int64]bool {
	set := map[int64]bool{}
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			set[id] = true
		}
	}
	return set
}

// Validate rejects a configuration that cannot safely run the pipelines.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return errors.Wrapf(err, "invalid database configuration")
	}
	if c.BatchSize <= 0 {
		return errors.ConfigurationError("batchSize", "must be greater than 0")
	}
	if c.ProcessingThreads <= 0 {
		return errors.ConfigurationError("processingThreads", "must be greater than 0")
	}
	if c.DLQ.MaxRetries < 0 {
		return errors.ConfigurationError("dlq.maxRetries", "must be non-negative")
	}
	if c.Validation.ZeroPriceThresholdPct < 0 || c.Validation.ZeroPriceThresholdPct > 100 {
		return errors.ConfigurationError("validation.zeroPriceThresholdPct", "must be between 0 and 100")
	}
	if c.Validation.SuspiciousChangePct < 0 {
		return errors.ConfigurationError("validation.suspiciousChangePct", "must be non-negative")
	}
	if len(c.Kafka.Brokers) == 0 {
		return errors.ConfigurationError("kafka.brokers", "at least one broker is required")
	}
	return nil
}

// Load builds the config the long way: defaults, then env overrides, then
// validation, matching the teacher's three-call assembly shape.
func Load() (*Config, error) {
	c := DefaultConfig()
	c.LoadFromEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
