// Package metrics provides thread-safe self-telemetry for the aggregation
// pipeline: counters and gauges covering ingest volume, processed buckets,
// and bucket-cache behavior.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known instrument names used across the pipeline.
const (
	MetricIngestMeasurements = "ingest.measurements.total"
	MetricIngestNegatives    = "ingest.negative_values.dropped"
	MetricIngestUnsupported  = "ingest.unsupported_type.total"
	MetricIngestRawBuckets   = "ingest.raw_buckets.stored"

	MetricBucketsProcessed = "rollup.buckets.processed"
	MetricSummariesStored  = "rollup.summaries.stored"
	MetricProcessFailures  = "rollup.process.failures"

	MetricCacheHits         = "bucket_cache.hits"
	MetricCacheMisses       = "bucket_cache.misses"
	MetricCacheSentinelHits = "bucket_cache.sentinel_hits"
	MetricCacheEvictions    = "bucket_cache.evicted_metrics"
	MetricCacheCollisions   = "bucket_cache.collisions"
	MetricCacheRejections   = "bucket_cache.rejected_metrics"
	MetricCachedMetrics     = "bucket_cache.resident_metrics"
)

// Counter represents a monotonically increasing counter.
type Counter struct {
	value int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Gauge represents a value that can go up or down.
type Gauge struct {
	value int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(value int64) {
	atomic.StoreInt64(&g.value, value)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

// Collector manages all telemetry instruments in the process.
type Collector struct {
	mu        sync.RWMutex
	counters  map[string]*Counter
	gauges    map[string]*Gauge
	startTime time.Time
}

// NewCollector creates an empty collector. Most callers share the global
// one; tests build their own.
func NewCollector() *Collector {
	return &Collector{
		counters:  make(map[string]*Counter),
		gauges:    make(map[string]*Gauge),
		startTime: time.Now(),
	}
}

var (
	globalCollector *Collector
	once            sync.Once
)

// GetCollector returns the global metrics collector (singleton).
func GetCollector() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// Counter returns or creates a counter with the given name.
func (c *Collector) Counter(name string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if counter, ok := c.counters[name]; ok {
		return counter
	}

	counter := &Counter{}
	c.counters[name] = counter
	return counter
}

// Gauge returns or creates a gauge with the given name.
func (c *Collector) Gauge(name string) *Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gauge, ok := c.gauges[name]; ok {
		return gauge
	}

	gauge := &Gauge{}
	c.gauges[name] = gauge
	return gauge
}

// Snapshot represents a point-in-time snapshot of all metrics.
type Snapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Counters  map[string]int64 `json:"counters"`
	Gauges    map[string]int64 `json:"gauges"`
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Timestamp: time.Now(),
		Uptime:    time.Since(c.startTime).String(),
		Counters:  make(map[string]int64, len(c.counters)),
		Gauges:    make(map[string]int64, len(c.gauges)),
	}

	for name, counter := range c.counters {
		snap.Counters[name] = counter.Value()
	}

	for name, gauge := range c.gauges {
		snap.Gauges[name] = gauge.Value()
	}

	return snap
}
