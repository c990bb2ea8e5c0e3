package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with durations as strings ("30s", "12h").
type fileConfig struct {
	DatabaseURL          string   `yaml:"database_url"`
	SQLitePath           string   `yaml:"sqlite_path"`
	RedisURL             string   `yaml:"redis_url"`
	ServerPort           string   `yaml:"server_port"`
	UserAgent            string   `yaml:"user_agent"`
	Timeout              string   `yaml:"timeout"`
	MaxBytes             *int64   `yaml:"max_bytes"`
	RateLimit            *float64 `yaml:"rate_limit"`
	GuideRefreshInterval string   `yaml:"guide_refresh_interval"`
	HistoryFlushInterval string   `yaml:"history_flush_interval"`
	LogLevel             string   `yaml:"log_level"`
	LogFormat            string   `yaml:"log_format"`
}

// LoadFromFile loads config from a YAML file. Keys left out keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	c := Defaults()
	c.DatabaseURL = f.DatabaseURL
	c.SQLitePath = f.SQLitePath
	c.RedisURL = f.RedisURL
	for dst, v := range map[*string]string{
		&c.ServerPort: f.ServerPort,
		&c.UserAgent:  f.UserAgent,
		&c.LogLevel:   f.LogLevel,
		&c.LogFormat:  f.LogFormat,
	} {
		if v != "" {
			*dst = v
		}
	}
	if f.MaxBytes != nil {
		c.MaxBytes = *f.MaxBytes
	}
	if f.RateLimit != nil {
		c.RateLimit = *f.RateLimit
	}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeout", f.Timeout, &c.Timeout},
		{"guide_refresh_interval", f.GuideRefreshInterval, &c.GuideRefreshInterval},
		{"history_flush_interval", f.HistoryFlushInterval, &c.HistoryFlushInterval},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
