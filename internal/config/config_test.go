package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"DATABASE_URL", "SQLITE_PATH", "REDIS_URL", "SERVER_PORT",
	"FETCHER_USER_AGENT", "FETCHER_TIMEOUT", "FETCHER_MAX_BYTES", "FETCHER_RATE_LIMIT",
	"GUIDE_REFRESH_INTERVAL", "HISTORY_FLUSH_INTERVAL", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv unsets every key for the test; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("SQLITE_PATH", "/tmp/guide.db")

	c, err := Load()
	require.NoError(t, err)
	assert.False(t, c.UsesPostgres())
	assert.Equal(t, "/tmp/guide.db", c.SQLitePath)
	assert.Equal(t, "8080", c.ServerPort)
	assert.Equal(t, "PopcornGuide/1.0", c.UserAgent)
	assert.Equal(t, 30*time.Second, c.Timeout)
	assert.EqualValues(t, 64<<20, c.MaxBytes)
	assert.Equal(t, 2.0, c.RateLimit)
	assert.Equal(t, 12*time.Hour, c.GuideRefreshInterval)
	assert.Equal(t, 30*time.Second, c.HistoryFlushInterval)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "json", c.LogFormat)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/guide")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("FETCHER_TIMEOUT", "5s")
	t.Setenv("FETCHER_MAX_BYTES", "1024")
	t.Setenv("FETCHER_RATE_LIMIT", "0.5")
	t.Setenv("GUIDE_REFRESH_INTERVAL", "0")
	t.Setenv("HISTORY_FLUSH_INTERVAL", "10s")
	t.Setenv("LOG_FORMAT", "text")

	c, err := Load()
	require.NoError(t, err)
	assert.True(t, c.UsesPostgres())
	assert.Equal(t, "redis://localhost:6379/0", c.RedisURL)
	assert.Equal(t, "9090", c.ServerPort)
	assert.Equal(t, 5*time.Second, c.Timeout)
	assert.EqualValues(t, 1024, c.MaxBytes)
	assert.Equal(t, 0.5, c.RateLimit)
	assert.Zero(t, c.GuideRefreshInterval)
	assert.Equal(t, 10*time.Second, c.HistoryFlushInterval)
	assert.Equal(t, "text", c.LogFormat)
}

func TestLoadMissingDatabase(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	assert.ErrorIs(t, err, ErrMissingDatabase)
}

func TestLoadReportsInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SQLITE_PATH", "guide.db")
	t.Setenv("FETCHER_TIMEOUT", "soon")
	t.Setenv("FETCHER_MAX_BYTES", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FETCHER_TIMEOUT")
	assert.Contains(t, err.Error(), "FETCHER_MAX_BYTES")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"zero max bytes", func(c *Config) { c.MaxBytes = 0 }},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }},
		{"negative refresh interval", func(c *Config) { c.GuideRefreshInterval = -time.Hour }},
		{"zero flush interval", func(c *Config) { c.HistoryFlushInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			c.SQLitePath = "guide.db"
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sqlite_path: /var/lib/popcornguide/guide.db
server_port: "9000"
timeout: 10s
max_bytes: 2048
rate_limit: 0
guide_refresh_interval: 6h
`), 0o600))

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/popcornguide/guide.db", c.SQLitePath)
	assert.Equal(t, "9000", c.ServerPort)
	assert.Equal(t, 10*time.Second, c.Timeout)
	assert.EqualValues(t, 2048, c.MaxBytes)
	assert.Zero(t, c.RateLimit)
	assert.Equal(t, 6*time.Hour, c.GuideRefreshInterval)
	assert.Equal(t, 30*time.Second, c.HistoryFlushInterval)
	assert.Equal(t, "PopcornGuide/1.0", c.UserAgent)
}

func TestLoadFromFileErrors(t *testing.T) {
	dir := t.TempDir()

	missingDB := filepath.Join(dir, "nodb.yaml")
	require.NoError(t, os.WriteFile(missingDB, []byte("server_port: \"80\"\n"), 0o600))
	_, err := LoadFromFile(missingDB)
	assert.ErrorIs(t, err, ErrMissingDatabase)

	badDuration := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badDuration, []byte("sqlite_path: a.db\ntimeout: forever\n"), 0o600))
	_, err = LoadFromFile(badDuration)
	assert.ErrorContains(t, err, "timeout")

	_, err = LoadFromFile(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvFileDoesNotOverride(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SQLITE_PATH=from-file.db\nSERVER_PORT=7000\n"), 0o600))
	t.Setenv("SERVER_PORT", "7100")
	t.Chdir(dir)

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file.db", c.SQLitePath)
	assert.Equal(t, "7100", c.ServerPort)
}
