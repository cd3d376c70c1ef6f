package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonico/khronus/internal/models"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "khronus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("KHRONUS_CONFIG", path)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KHRONUS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost"}, cfg.CassandraHosts)
	assert.Equal(t, "khronus", cfg.CassandraKeyspace)
	assert.Equal(t, defaultWindows, cfg.Windows)
	assert.True(t, cfg.BucketCacheEnabled)
	assert.Equal(t, 3*time.Second, cfg.TickSafetyDelay)
	assert.Equal(t, 100, cfg.InsertChunkSize)
}

func TestLoadFromYAML(t *testing.T) {
	writeConfig(t, `
windows: [30s, 1m, 5m]
retention:
  timer:
    30s: 86400
bucket_retention:
  1ms: 3600
`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute, 5 * time.Minute}, cfg.Windows)
	assert.Equal(t, 24*time.Hour, cfg.SummaryRetention(models.MetricTypeTimer, 30*time.Second))
	assert.Equal(t, time.Hour, cfg.BucketTTL(time.Millisecond))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KHRONUS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("CASSANDRA_KEYSPACE", "metrics_test")
	t.Setenv("BUCKET_CACHE_ENABLED", "false")
	t.Setenv("BUCKET_CACHE_MAX_METRICS", "42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "metrics_test", cfg.CassandraKeyspace)
	assert.False(t, cfg.BucketCacheEnabled)
	assert.Equal(t, int64(42), cfg.BucketCacheMaxMetrics)
}

func TestLoadRejectsBadWindows(t *testing.T) {
	t.Run("unparseable duration", func(t *testing.T) {
		writeConfig(t, "windows: [banana]")
		_, err := Load()
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("descending order", func(t *testing.T) {
		writeConfig(t, "windows: [1m, 30s]")
		_, err := Load()
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("duplicate window", func(t *testing.T) {
		writeConfig(t, "windows: [30s, 30s]")
		_, err := Load()
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("window at raw duration", func(t *testing.T) {
		writeConfig(t, "windows: [1ms]")
		_, err := Load()
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}

func TestRetentionDefaults(t *testing.T) {
	t.Setenv("KHRONUS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 14*24*time.Hour, cfg.SummaryRetention(models.MetricTypeGauge, time.Minute))
	assert.Equal(t, 24*time.Hour, cfg.BucketTTL(30*time.Second))
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("KHRONUS_TEST_KEY", "value")
	assert.Equal(t, "value", GetEnvOrDefault("KHRONUS_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", GetEnvOrDefault("KHRONUS_TEST_MISSING", "fallback"))
}
