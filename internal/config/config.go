// Package config loads service configuration from a YAML file with
// environment variable overrides, in that order: defaults, file, env.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v3"

	"github.com/dbforge/pgbridge/internal/artifact"
	"github.com/dbforge/pgbridge/internal/errs"
	"github.com/dbforge/pgbridge/internal/logger"
	"github.com/dbforge/pgbridge/internal/syncjob"
)

// Server holds the HTTP listener settings.
type Server struct {
	Addr            string        `yaml:"addr" env:"SERVER_ADDR"`
	ReadTimeout     time.Duration `yaml:"readTimeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// Jobs holds worker pool and batch controller settings.
type Jobs struct {
	Workers           int     `yaml:"workers" env:"JOB_WORKERS"`
	QueueDepth        int     `yaml:"queueDepth" env:"JOB_QUEUE_DEPTH"`
	MinBatchSize      int     `yaml:"minBatchSize" env:"JOB_MIN_BATCH_SIZE"`
	MaxBatchSize      int     `yaml:"maxBatchSize" env:"JOB_MAX_BATCH_SIZE"`
	MaxMemoryMB       float64 `yaml:"maxMemoryMB" env:"JOB_MAX_MEMORY_MB"`
	TargetBatchTimeMs int64   `yaml:"targetBatchTimeMs" env:"JOB_TARGET_BATCH_TIME_MS"`
}

// Config is the full service configuration.
type Config struct {
	Server Server `yaml:"server"`
	Log    struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"log"`

	// StoreDSN points at the service's own Postgres database holding job
	// state; empty selects the in-memory store.
	StoreDSN string `yaml:"storeDSN" env:"STORE_DSN"`

	Jobs        Jobs                 `yaml:"jobs"`
	Artifacts   artifact.Config      `yaml:"artifacts"`
	Connections []syncjob.Connection `yaml:"connections"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() *Config {
	cfg := &Config{}
	cfg.Server = Server{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Jobs = Jobs{
		Workers:           4,
		QueueDepth:        16,
		MinBatchSize:      100,
		MaxBatchSize:      10000,
		MaxMemoryMB:       100,
		TargetBatchTimeMs: 2000,
	}
	return cfg
}

// Load builds the configuration from an optional YAML file path and the
// process environment. A missing file is only an error when the path was
// given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindInvalidInput, "reading config file "+path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errs.Wrap(errs.ErrKindInvalidInput, "parsing config file "+path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "parsing environment", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return errs.New(errs.ErrKindInvalidInput, "server.addr must not be empty")
	}
	if c.Jobs.MinBatchSize > c.Jobs.MaxBatchSize {
		return errs.Newf(errs.ErrKindInvalidInput,
			"jobs.minBatchSize (%d) exceeds jobs.maxBatchSize (%d)",
			c.Jobs.MinBatchSize, c.Jobs.MaxBatchSize)
	}
	seen := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.ID == "" || conn.DSN == "" {
			return errs.New(errs.ErrKindInvalidInput, "every connection needs an id and a dsn")
		}
		if seen[conn.ID] {
			return errs.Newf(errs.ErrKindInvalidInput, "duplicate connection id %q", conn.ID)
		}
		seen[conn.ID] = true
		switch conn.Environment {
		case syncjob.EnvDevelopment, syncjob.EnvStaging, syncjob.EnvProduction:
		default:
			return errs.Newf(errs.ErrKindInvalidInput,
				"connection %q has unknown environment %q", conn.ID, conn.Environment)
		}
	}
	return nil
}

// LoggerConfig translates the log section into the logger package's form.
func (c *Config) LoggerConfig() logger.Config {
	lc := logger.DefaultConfig()
	lc.Level = c.Log.Level
	lc.Format = c.Log.Format
	return *lc
}

func (c *Config) String() string {
	return fmt.Sprintf("addr=%s workers=%d connections=%d store=%s",
		c.Server.Addr, c.Jobs.Workers, len(c.Connections), storeKind(c.StoreDSN))
}

func storeKind(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return "postgres"
}
