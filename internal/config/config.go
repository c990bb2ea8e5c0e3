// Package config loads process configuration from the environment, .env
// files or a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrMissingDatabase is returned when neither DATABASE_URL nor SQLITE_PATH is set.
var ErrMissingDatabase = errors.New("DATABASE_URL or SQLITE_PATH is required")

const (
	DefaultServerPort           = "8080"
	DefaultUserAgent            = "PopcornGuide/1.0"
	DefaultTimeout              = 30 * time.Second
	DefaultMaxBytes             = 64 << 20
	DefaultRateLimit            = 2
	DefaultGuideRefreshInterval = 12 * time.Hour
	DefaultHistoryFlushInterval = 30 * time.Second
)

// Config holds application configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"` // Postgres; takes precedence over SQLitePath
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	RedisURL    string `yaml:"redis_url" env:"REDIS_URL"` // optional cache, lock and refresh queue
	ServerPort  string `yaml:"server_port" env:"SERVER_PORT"`

	UserAgent string        `yaml:"user_agent" env:"FETCHER_USER_AGENT"`
	Timeout   time.Duration `yaml:"timeout" env:"FETCHER_TIMEOUT"`
	MaxBytes  int64         `yaml:"max_bytes" env:"FETCHER_MAX_BYTES"`
	RateLimit float64       `yaml:"rate_limit" env:"FETCHER_RATE_LIMIT"` // requests per second, 0 = unlimited

	// GuideRefreshInterval is the age after which a guide is refreshed by the
	// scheduler. Zero disables the scheduler.
	GuideRefreshInterval time.Duration `yaml:"guide_refresh_interval" env:"GUIDE_REFRESH_INTERVAL"`
	HistoryFlushInterval time.Duration `yaml:"history_flush_interval" env:"HISTORY_FLUSH_INTERVAL"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// Defaults returns a Config with every optional value set.
func Defaults() *Config {
	return &Config{
		ServerPort:           DefaultServerPort,
		UserAgent:            DefaultUserAgent,
		Timeout:              DefaultTimeout,
		MaxBytes:             DefaultMaxBytes,
		RateLimit:            DefaultRateLimit,
		GuideRefreshInterval: DefaultGuideRefreshInterval,
		HistoryFlushInterval: DefaultHistoryFlushInterval,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// UsesPostgres reports whether the Postgres store is configured.
func (c *Config) UsesPostgres() bool { return c.DatabaseURL != "" }

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return ErrMissingDatabase
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("FETCHER_TIMEOUT must be positive, got %s", c.Timeout)
	}
	if c.MaxBytes <= 0 {
		return fmt.Errorf("FETCHER_MAX_BYTES must be positive, got %d", c.MaxBytes)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("FETCHER_RATE_LIMIT must not be negative, got %g", c.RateLimit)
	}
	if c.GuideRefreshInterval < 0 {
		return fmt.Errorf("GUIDE_REFRESH_INTERVAL must not be negative, got %s", c.GuideRefreshInterval)
	}
	if c.HistoryFlushInterval <= 0 {
		return fmt.Errorf("HISTORY_FLUSH_INTERVAL must be positive, got %s", c.HistoryFlushInterval)
	}
	return nil
}

// Load builds config from environment variables.
// If neither DATABASE_URL nor SQLITE_PATH is set, Load first loads .env.local
// and .env from the current directory and the executable's directory.
func Load() (*Config, error) {
	if os.Getenv("DATABASE_URL") == "" && os.Getenv("SQLITE_PATH") == "" {
		loadEnvFiles()
	}
	c := Defaults()
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.SQLitePath = os.Getenv("SQLITE_PATH")
	c.RedisURL = os.Getenv("REDIS_URL")
	setString(&c.ServerPort, "SERVER_PORT")
	setString(&c.UserAgent, "FETCHER_USER_AGENT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	var errs []error
	errs = append(errs,
		setDuration(&c.Timeout, "FETCHER_TIMEOUT"),
		setDuration(&c.GuideRefreshInterval, "GUIDE_REFRESH_INTERVAL"),
		setDuration(&c.HistoryFlushInterval, "HISTORY_FLUSH_INTERVAL"),
	)
	if s := os.Getenv("FETCHER_MAX_BYTES"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("FETCHER_MAX_BYTES: %w", err))
		} else {
			c.MaxBytes = n
		}
	}
	if s := os.Getenv("FETCHER_RATE_LIMIT"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("FETCHER_RATE_LIMIT: %w", err))
		} else {
			c.RateLimit = f
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
