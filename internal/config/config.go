// Package config assembles the process configuration from environment
// variables and an optional YAML file carrying the window and retention
// tables. Invalid window configuration aborts startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jonico/khronus/internal/models"
)

// ErrInvalidConfiguration aborts startup; there is no degraded mode for a
// wrong window table.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Config is the resolved process configuration.
type Config struct {
	CassandraHosts    []string
	CassandraKeyspace string
	CassandraTimeout  time.Duration

	// Windows are the roll-up durations above the raw 1ms duration,
	// ascending.
	Windows []time.Duration

	TickSafetyDelay time.Duration

	BucketCacheEnabled    bool
	BucketCacheMaxMetrics int64
	BucketCacheMaxStore   int64

	InsertChunkSize  int
	SliceLimit       int
	SummaryLimit     int
	SummaryFetchSize int
	MaxConcurrent    int

	// Retention maps metric type and window key to summary TTL seconds.
	Retention map[models.MetricType]map[string]int64
	// BucketRetention maps window key to bucket-table TTL seconds.
	BucketRetention map[string]int64
}

type yamlFile struct {
	Windows         []string                    `yaml:"windows"`
	Retention       map[string]map[string]int64 `yaml:"retention"`
	BucketRetention map[string]int64            `yaml:"bucket_retention"`
}

// Load resolves the configuration from the environment and the YAML file
// named by KHRONUS_CONFIG (default khronus.yaml; a missing file falls back
// to defaults).
func Load() (*Config, error) {
	cfg := &Config{
		CassandraHosts:        strings.Split(GetEnvOrDefault("CASSANDRA_HOSTS", "localhost"), ","),
		CassandraKeyspace:     GetEnvOrDefault("CASSANDRA_KEYSPACE", "khronus"),
		CassandraTimeout:      time.Duration(getEnvInt("CASSANDRA_TIMEOUT_MS", 5_000)) * time.Millisecond,
		TickSafetyDelay:       time.Duration(getEnvInt("TICK_SAFETY_DELAY_MS", 3_000)) * time.Millisecond,
		BucketCacheEnabled:    getEnvBool("BUCKET_CACHE_ENABLED", true),
		BucketCacheMaxMetrics: int64(getEnvInt("BUCKET_CACHE_MAX_METRICS", 5_000)),
		BucketCacheMaxStore:   int64(getEnvInt("BUCKET_CACHE_MAX_STORE", 1_000)),
		InsertChunkSize:       getEnvInt("BUCKET_INSERT_CHUNK_SIZE", 100),
		SliceLimit:            getEnvInt("BUCKET_SLICE_LIMIT", 10_000),
		SummaryLimit:          getEnvInt("SUMMARY_LIMIT", 1_000),
		SummaryFetchSize:      getEnvInt("SUMMARY_FETCH_SIZE", 200),
		MaxConcurrent:         getEnvInt("ROLLUP_MAX_CONCURRENT", 4),
	}

	path := GetEnvOrDefault("KHRONUS_CONFIG", "khronus.yaml")
	file, err := loadYAML(path)
	if err != nil {
		return nil, err
	}

	cfg.Windows, err = parseWindows(file.Windows)
	if err != nil {
		return nil, err
	}
	cfg.Retention = parseRetention(file.Retention)
	cfg.BucketRetention = file.BucketRetention

	return cfg, nil
}

func loadYAML(path string) (*yamlFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &yamlFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfiguration, path, err)
	}
	var file yamlFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfiguration, path, err)
	}
	return &file, nil
}

// defaultWindows is the roll-up ladder used when the YAML file does not
// name one.
var defaultWindows = []time.Duration{
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	time.Hour,
}

func parseWindows(raw []string) ([]time.Duration, error) {
	if len(raw) == 0 {
		return defaultWindows, nil
	}
	windows := make([]time.Duration, 0, len(raw))
	for _, entry := range raw {
		d, err := time.ParseDuration(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: window %q: %v", ErrInvalidConfiguration, entry, err)
		}
		if d <= models.RawDuration {
			return nil, fmt.Errorf("%w: window %q must be larger than the raw duration", ErrInvalidConfiguration, entry)
		}
		windows = append(windows, d)
	}
	if !sort.SliceIsSorted(windows, func(i, j int) bool { return windows[i] < windows[j] }) {
		return nil, fmt.Errorf("%w: windows must be ascending", ErrInvalidConfiguration)
	}
	for i := 1; i < len(windows); i++ {
		if windows[i] == windows[i-1] {
			return nil, fmt.Errorf("%w: duplicate window %s", ErrInvalidConfiguration, models.DurationKey(windows[i]))
		}
	}
	return windows, nil
}

func parseRetention(raw map[string]map[string]int64) map[models.MetricType]map[string]int64 {
	out := make(map[models.MetricType]map[string]int64, len(raw))
	for typeName, table := range raw {
		out[models.MetricType(typeName)] = table
	}
	return out
}

// SummaryRetention returns the retention policy resolved from the table,
// with a default of two weeks per window when unset.
func (c *Config) SummaryRetention(t models.MetricType, window time.Duration) time.Duration {
	if table, ok := c.Retention[t]; ok {
		if seconds, ok := table[models.DurationKey(window)]; ok {
			return time.Duration(seconds) * time.Second
		}
	}
	return 14 * 24 * time.Hour
}

// BucketTTL returns the bucket-table TTL for a window. Raw and derived
// buckets are consumed quickly; the TTL only reclaims leftovers, so the
// default is a conservative day.
func (c *Config) BucketTTL(window time.Duration) time.Duration {
	if seconds, ok := c.BucketRetention[models.DurationKey(window)]; ok {
		return time.Duration(seconds) * time.Second
	}
	return 24 * time.Hour
}

// GetEnv retrieves the value of the environment variable named by the key.
func GetEnv(key string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return ""
	}
	return value
}

// GetEnvOrDefault works like GetEnv but returns a default value if the
// specified env variable is not found.
func GetEnvOrDefault(key, defaultValue string) string {
	value := GetEnv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := GetEnv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := GetEnv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
