// Package config loads and validates procflow configuration from YAML files
// and environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// Config is the root configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Engine   EngineConfig   `yaml:"engine"`
	Log      LogConfig      `yaml:"log"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// DispatchConfig describes the in-process dispatcher.
type DispatchConfig struct {
	Workers     int           `yaml:"workers"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// EngineConfig describes retry scheduling and shutdown behavior.
type EngineConfig struct {
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	SweepParallelism    int           `yaml:"sweep_parallelism"`
	RetryMin            time.Duration `yaml:"retry_min"`
	RetryMax            time.Duration `yaml:"retry_max"`
	CancelOnShutdown    bool          `yaml:"cancel_on_shutdown"`
	RedispatchOnRecover bool          `yaml:"redispatch_on_recover"`
}

// LogConfig describes the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "procflow.db",
		},
		Dispatch: DispatchConfig{
			Workers: 4,
		},
		Engine: EngineConfig{
			SweepInterval:       5 * time.Second,
			SweepParallelism:    8,
			RetryMin:            100 * time.Millisecond,
			RetryMax:            5 * time.Minute,
			RedispatchOnRecover: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := Decode(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Decode decodes YAML into cfg. Unknown fields are rejected.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks that every field holds a usable value.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case DriverSQLite, DriverBolt:
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for driver "+c.Store.Driver)
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be one of sqlite, bolt, memory (got %q)", c.Store.Driver))
	}

	if c.Dispatch.Workers < 1 {
		errs = append(errs, "dispatch.workers must be at least 1")
	}
	if c.Dispatch.TaskTimeout < 0 {
		errs = append(errs, "dispatch.task_timeout must not be negative")
	}

	if c.Engine.SweepInterval <= 0 {
		errs = append(errs, "engine.sweep_interval must be positive")
	}
	if c.Engine.SweepParallelism < 1 {
		errs = append(errs, "engine.sweep_parallelism must be at least 1")
	}
	if c.Engine.RetryMin <= 0 {
		errs = append(errs, "engine.retry_min must be positive")
	}
	if c.Engine.RetryMax < c.Engine.RetryMin {
		errs = append(errs, "engine.retry_max must not be less than engine.retry_min")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, "log.level: "+err.Error())
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Sprintf("log.format must be text or json (got %q)", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return l, nil
}

// NewLogger returns a logger writing to w in the configured format. The
// level must already be valid.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// applyEnvOverrides reads PROCFLOW_* environment variables and overrides
// config values.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PROCFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("PROCFLOW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PROCFLOW_DISPATCH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROCFLOW_DISPATCH_WORKERS: %w", err)
		}
		cfg.Dispatch.Workers = n
	}
	if err := envDuration("PROCFLOW_DISPATCH_TASK_TIMEOUT", &cfg.Dispatch.TaskTimeout); err != nil {
		return err
	}
	if err := envDuration("PROCFLOW_ENGINE_SWEEP_INTERVAL", &cfg.Engine.SweepInterval); err != nil {
		return err
	}
	if err := envDuration("PROCFLOW_ENGINE_RETRY_MIN", &cfg.Engine.RetryMin); err != nil {
		return err
	}
	if err := envDuration("PROCFLOW_ENGINE_RETRY_MAX", &cfg.Engine.RetryMax); err != nil {
		return err
	}
	if v := os.Getenv("PROCFLOW_ENGINE_CANCEL_ON_SHUTDOWN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PROCFLOW_ENGINE_CANCEL_ON_SHUTDOWN: %w", err)
		}
		cfg.Engine.CancelOnShutdown = b
	}
	if v := os.Getenv("PROCFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PROCFLOW_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}
