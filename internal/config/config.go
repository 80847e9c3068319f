// Package config loads the worker's runtime configuration from environment
// variables (and an optional YAML file), following the same envdecode +
// godotenv + yaml.v3 layering the teacher's pkg/config package used.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls the Postgres connection backing the event store,
// job queue, and projection tables.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifeSecs int    `yaml:"conn_max_lifetime_seconds" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// WorkerConfig controls the job claim/poll/listen loop (spec §4.5, §6.4).
type WorkerConfig struct {
	PollIntervalSeconds float64 `yaml:"poll_interval_seconds" env:"POLL_INTERVAL_SECONDS"`
	BatchSize           int     `yaml:"batch_size" env:"BATCH_SIZE"`
	MaxRetries          int     `yaml:"max_retries" env:"MAX_RETRIES"`
	ListenChannel       string  `yaml:"listen_channel" env:"KURA_JOBS_CHANNEL"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"KURA_LOG_FORMAT"`
}

// HealthConfig controls the ops-only health/metrics HTTP listener. This is
// not a domain API surface; it exists purely for liveness/readiness probes
// and Prometheus scraping.
type HealthConfig struct {
	Port int `yaml:"port" env:"KURA_HEALTH_PORT"`
}

// FeatureFlags gates rollout of training-load v2 and calibration behavior.
type FeatureFlags struct {
	TrainingLoadV2Enabled bool `yaml:"training_load_v2_enabled" env:"KURA_TRAINING_LOAD_V2_ENABLED"`
	CalibrationEnabled    bool `yaml:"calibration_enabled" env:"KURA_CALIBRATION_ENABLED"`
}

// InferenceConfig holds the numeric knobs for the closed-form reference
// strength/readiness/causal engines.
type InferenceConfig struct {
	Engine                 string  `yaml:"engine" env:"KURA_BAYES_ENGINE"`
	ForecastDays           int     `yaml:"forecast_days" env:"KURA_BAYES_FORECAST_DAYS"`
	PlateauSlopePerDay     float64 `yaml:"plateau_slope_per_day" env:"KURA_BAYES_PLATEAU_SLOPE_PER_DAY"`
	ReadinessPriorMean     float64 `yaml:"readiness_prior_mean" env:"KURA_READINESS_PRIOR_MEAN"`
	ReadinessPriorVariance float64 `yaml:"readiness_prior_variance" env:"KURA_READINESS_PRIOR_VAR"`
	CausalMinSamples       int     `yaml:"causal_min_samples" env:"KURA_CAUSAL_MIN_SAMPLES"`
	CausalBootstrapCount   int     `yaml:"causal_bootstrap_count" env:"KURA_CAUSAL_BOOTSTRAP_COUNT"`
}

// Config is the top-level worker configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Worker    WorkerConfig    `yaml:"worker"`
	Logging   LoggingConfig   `yaml:"logging"`
	Health    HealthConfig    `yaml:"health"`
	Features  FeatureFlags    `yaml:"features"`
	Inference InferenceConfig `yaml:"inference"`
}

// New returns a Config populated with the defaults spec §6.4 specifies.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifeSecs: 300,
			MigrateOnStart:  true,
		},
		Worker: WorkerConfig{
			PollIntervalSeconds: 5.0,
			BatchSize:           10,
			MaxRetries:          3,
			ListenChannel:       "kura_jobs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Port: 8081,
		},
		Features: FeatureFlags{
			TrainingLoadV2Enabled: false,
			CalibrationEnabled:    true,
		},
		Inference: InferenceConfig{
			Engine:                 "closed_form",
			ForecastDays:           28,
			PlateauSlopePerDay:     0.02,
			ReadinessPriorMean:     0.6,
			ReadinessPriorVariance: 0.04,
			CausalMinSamples:       8,
			CausalBootstrapCount:   500,
		},
	}
}

// Load reads an optional .env file, an optional CONFIG_FILE (or
// configs/config.yaml) YAML file, then applies environment overrides on top
// — the same layering order as the teacher's pkg/config.Load.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate enforces the required fields spec §6.4 names: DATABASE_URL must
// be set, and the worker loop's numeric knobs must be positive.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.Worker.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config: POLL_INTERVAL_SECONDS must be positive")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("config: BATCH_SIZE must be positive")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be non-negative")
	}
	return nil
}
