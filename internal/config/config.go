// Package config loads veil's settings from environment variables with
// sensible defaults. Command-line flags override what is loaded here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultListen        = "127.0.0.1:8790"
	DefaultPython        = "python3"
	DefaultWorkerScript  = "python/worker.py"
	DefaultWorkerTimeout = 30 * time.Second
	DefaultDatabaseURL   = "postgres://localhost:5432/veil"

	EnvLogLevel      = "VEIL_LOG_LEVEL"
	EnvLogFormat     = "VEIL_LOG_FORMAT"
	EnvListen        = "VEIL_LISTEN"
	EnvPython        = "VEIL_PYTHON"
	EnvWorkerScript  = "VEIL_WORKER_SCRIPT"
	EnvWorkerTimeout = "VEIL_WORKER_TIMEOUT"
	EnvDatabaseURL   = "VEIL_DB_URL"
	EnvLowPower      = "VEIL_LOW_POWER"
)

// Config is the resolved process configuration.
type Config struct {
	LogLevel      string
	LogFormat     string
	Listen        string
	Python        string
	WorkerScript  string
	WorkerTimeout time.Duration
	LowPower      bool

	// DatabaseURL is empty when neither VEIL_DB_URL nor POSTGRES_HOST is set.
	DatabaseURL string
}

// Load builds a Config from defaults and environment overrides.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		LogLevel:      DefaultLogLevel,
		LogFormat:     DefaultLogFormat,
		Listen:        DefaultListen,
		Python:        DefaultPython,
		WorkerScript:  DefaultWorkerScript,
		WorkerTimeout: DefaultWorkerTimeout,
	}

	if v := getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := getenv(EnvLogFormat); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := getenv(EnvListen); v != "" {
		cfg.Listen = v
	}
	if v := getenv(EnvPython); v != "" {
		cfg.Python = v
	}
	if v := getenv(EnvWorkerScript); v != "" {
		cfg.WorkerScript = v
	}
	if v := getenv(EnvWorkerTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvWorkerTimeout, err)
		}
		cfg.WorkerTimeout = d
	}
	if v := getenv(EnvLowPower); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvLowPower, err)
		}
		cfg.LowPower = b
	}

	cfg.DatabaseURL = getenv(EnvDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = postgresURL(getenv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// postgresURL composes a connection string from the POSTGRES_* variables
// used by the docker-compose setup.
func postgresURL(getenv func(string) string) string {
	host := getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
}

// Validate rejects settings the rest of the program cannot use.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.LogFormat)
	}
	if c.WorkerTimeout <= 0 {
		return fmt.Errorf("worker timeout must be positive, got %s", c.WorkerTimeout)
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	return nil
}

// DatabaseURLOrDefault returns DatabaseURL, falling back to a local server.
func (c *Config) DatabaseURLOrDefault() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return DefaultDatabaseURL
}
