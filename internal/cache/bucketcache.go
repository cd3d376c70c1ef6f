// Package cache implements the in-memory bucket cache that feeds the window
// processor. Derived buckets written by one window's processor are read
// back, serialized, by the next-larger window's processor, which runs right
// after it in the same roll-up pass, saving a round-trip to the column store
// while the metric keeps temporal affinity with the current tick.
package cache

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jonico/khronus/internal/bucket"
	"github.com/jonico/khronus/internal/models"
	"github.com/jonico/khronus/pkg/metrics"
)

// Config bounds a bucket cache instance.
type Config struct {
	// Enabled turns the cache off globally when false.
	Enabled bool
	// EnabledFor gates caching per metric type. Nil means all types.
	EnabledFor func(models.MetricType) bool
	// MaxMetrics is a soft cap on the number of metrics with a live entry.
	MaxMetrics int64
	// MaxStore is the maximum span (to - from - 1) a single MultiSet may
	// insert.
	MaxStore int64
}

// BucketCache is a bounded two-level mapping Metric -> BucketNumber ->
// serialized payload. An empty payload encodes the empty-bucket sentinel.
// Reads remove what they return, so the cache never serves stale data.
type BucketCache struct {
	cfg       Config
	kind      bucket.Kind
	mu        sync.RWMutex
	metrics   map[models.Metric]*metricBuckets
	nCached   atomic.Int64
	lastTick  atomic.Pointer[models.Tick]
	telemetry *metrics.Collector
	log       *zap.Logger
}

// metricBuckets is the lower cache level for one metric.
type metricBuckets struct {
	mu      sync.Mutex
	buckets map[models.BucketNumber][]byte
}

// New creates a bucket cache for the given bucket kind.
func New(kind bucket.Kind, cfg Config, telemetry *metrics.Collector, log *zap.Logger) *BucketCache {
	return &BucketCache{
		cfg:       cfg,
		kind:      kind,
		metrics:   make(map[models.Metric]*metricBuckets),
		telemetry: telemetry,
		log:       log,
	}
}

func (c *BucketCache) enabledFor(t models.MetricType) bool {
	if !c.cfg.Enabled {
		return false
	}
	if c.cfg.EnabledFor != nil && !c.cfg.EnabledFor(t) {
		return false
	}
	return true
}

// MultiSet inserts the buckets under their bucket numbers and fills every
// other slot of [from, to) with the empty sentinel, so a later MultiGet over
// the range can distinguish "cached as empty" from "never cached". Spans
// wider than MaxStore are not cached. A slot collision keeps the newcomer
// and logs a warning.
func (c *BucketCache) MultiSet(metric models.Metric, from, to models.BucketNumber, buckets []bucket.Bucket) {
	if !c.enabledFor(metric.Type) {
		return
	}
	if to.Number-from.Number-1 > c.cfg.MaxStore {
		return
	}

	entry := c.entryFor(metric)
	if entry == nil {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	for _, b := range buckets {
		if prev, ok := entry.buckets[b.Number]; ok && len(prev) > 0 {
			c.telemetry.Counter(metrics.MetricCacheCollisions).Inc()
			c.log.Warn("bucket cache collision, replacing entry",
				zap.String("metric", metric.String()),
				zap.String("bucket", b.Number.String()))
		}
		entry.buckets[b.Number] = bucket.Serialize(b)
	}
	for n := from.Number; n < to.Number; n++ {
		slot := models.BucketNumber{Number: n, Duration: from.Duration}
		if _, ok := entry.buckets[slot]; !ok {
			entry.buckets[slot] = []byte{}
		}
	}
}

// MultiGet removes and returns every non-sentinel bucket of [from, to).
// It reports a hit only when all to-from slots were present. Reads at the
// raw duration are disabled: raw buckets are never cached.
func (c *BucketCache) MultiGet(metric models.Metric, from, to models.BucketNumber) ([]bucket.Bucket, bool) {
	if from.Duration == models.RawDuration {
		return nil, false
	}
	if !c.enabledFor(metric.Type) {
		return nil, false
	}

	c.mu.RLock()
	entry := c.metrics[metric]
	c.mu.RUnlock()
	if entry == nil {
		c.telemetry.Counter(metrics.MetricCacheMisses).Inc()
		return nil, false
	}

	want := to.Number - from.Number
	var (
		collected int64
		buckets   []bucket.Bucket
	)

	entry.mu.Lock()
	for n := from.Number; n < to.Number; n++ {
		slot := models.BucketNumber{Number: n, Duration: from.Duration}
		payload, ok := entry.buckets[slot]
		if !ok {
			continue
		}
		delete(entry.buckets, slot)
		collected++
		if len(payload) == 0 {
			continue
		}
		b, err := bucket.Deserialize(c.kind, slot, payload)
		if err != nil {
			c.log.Warn("corrupt cached bucket, substituting neutral value",
				zap.String("metric", metric.String()),
				zap.String("bucket", slot.String()),
				zap.Error(err))
		}
		buckets = append(buckets, b)
	}
	entry.mu.Unlock()

	if collected != want {
		c.telemetry.Counter(metrics.MetricCacheMisses).Inc()
		return nil, false
	}
	if len(buckets) == 0 {
		c.telemetry.Counter(metrics.MetricCacheSentinelHits).Inc()
	}
	c.telemetry.Counter(metrics.MetricCacheHits).Inc()
	return buckets, true
}

// MarkProcessedTick records the tick that just finished processing. When
// the tick changed, every resident metric with no bucket covering the
// previous tick's interval has lost temporal affinity and is dropped whole.
func (c *BucketCache) MarkProcessedTick(tick models.Tick) {
	t := tick
	prev := c.lastTick.Swap(&t)
	if prev == nil || prev.BucketNumber == tick.BucketNumber {
		return
	}

	prevStart := prev.BucketNumber.StartTimestamp()

	c.mu.Lock()
	defer c.mu.Unlock()
	for metric, entry := range c.metrics {
		if entry.coversTimestamp(prevStart) {
			continue
		}
		delete(c.metrics, metric)
		c.nCached.Add(-1)
		c.telemetry.Counter(metrics.MetricCacheEvictions).Inc()
		c.telemetry.Gauge(metrics.MetricCachedMetrics).Dec()
	}
}

// coversTimestamp reports whether any cached slot's interval contains ts.
func (e *metricBuckets) coversTimestamp(ts models.Timestamp) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for bn := range e.buckets {
		if bn.Contains(ts) {
			return true
		}
	}
	return false
}

// entryFor returns the metric's entry, admitting it if the soft cap allows.
// Admission increments first and backs out on overshoot, so a refused
// metric simply goes uncached this turn.
func (c *BucketCache) entryFor(metric models.Metric) *metricBuckets {
	c.mu.RLock()
	entry := c.metrics[metric]
	c.mu.RUnlock()
	if entry != nil {
		return entry
	}

	if n := c.nCached.Add(1); n > c.cfg.MaxMetrics {
		c.nCached.Add(-1)
		c.telemetry.Counter(metrics.MetricCacheRejections).Inc()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry = c.metrics[metric]; entry != nil {
		// Lost the race to another writer; give back the admission slot.
		c.nCached.Add(-1)
		return entry
	}
	entry = &metricBuckets{buckets: make(map[models.BucketNumber][]byte)}
	c.metrics[metric] = entry
	c.telemetry.Gauge(metrics.MetricCachedMetrics).Inc()
	return entry
}

// ResidentMetrics returns the number of metrics with a live entry.
func (c *BucketCache) ResidentMetrics() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.metrics)
}

// DefaultEnabledFor is the default per-type cache gate: histogram-backed
// and counter metrics are both cacheable.
func DefaultEnabledFor(t models.MetricType) bool {
	return t.IsValid()
}
