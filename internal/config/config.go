package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all cohort configuration. Load layers a YAML file and
// COHORT_* environment variables over Default().
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Experiment ExperimentConfig `yaml:"experiment"`
	Behavior   BehaviorConfig   `yaml:"behavior"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Segments   SegmentConfig    `yaml:"segments"`
}

type ServerConfig struct {
	Bind            string        `yaml:"bind" validate:"required"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	Token           string        `yaml:"token"` // empty disables auth
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	Path    string        `yaml:"path" validate:"required"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"` // per store call
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type ExperimentConfig struct {
	// Hasher selects the bucketing hash: "legacy" keeps assignments
	// compatible with existing data, "xxhash" spreads better.
	Hasher string `yaml:"hasher" validate:"oneof=legacy xxhash"`
}

type BehaviorConfig struct {
	LockStripes  int `yaml:"lock_stripes" validate:"min=1"`
	MaxRetries   int `yaml:"max_retries" validate:"min=1"`
	AtRiskLimit  int `yaml:"at_risk_limit" validate:"min=1"`
	AtRiskCutoff int `yaml:"at_risk_threshold" validate:"min=0,max=100"`
}

type IngestConfig struct {
	Shards    int `yaml:"shards" validate:"min=1"`
	QueueSize int `yaml:"queue_size" validate:"min=1"`
	// Personalize runs segment refresh and trigger evaluation after each
	// ingested event.
	Personalize bool `yaml:"personalize"`
}

type SegmentConfig struct {
	Concurrency int `yaml:"concurrency" validate:"min=1"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:    "./cohort.db",
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Experiment: ExperimentConfig{
			Hasher: "legacy",
		},
		Behavior: BehaviorConfig{
			LockStripes:  64,
			MaxRetries:   3,
			AtRiskLimit:  100,
			AtRiskCutoff: 50,
		},
		Ingest: IngestConfig{
			Shards:      4,
			QueueSize:   256,
			Personalize: true,
		},
		Segments: SegmentConfig{
			Concurrency: 4,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("COHORT_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("COHORT_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("COHORT_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("COHORT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid COHORT_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("COHORT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and reports every violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Errorf("%s: failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %w", errors.Join(msgs...))
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
