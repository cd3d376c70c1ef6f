// Package ingest implements the write pipeline: incoming measurement
// batches are classified by metric type, grouped into coarse time granules,
// converted to raw one-millisecond buckets, and appended to the raw store.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonico/khronus/internal/bucket"
	"github.com/jonico/khronus/internal/models"
	"github.com/jonico/khronus/pkg/metrics"
)

// groupGranule is the coarse granule incoming measurements are grouped by
// before conversion to raw buckets.
const groupGranule = 5 * time.Second

// Measurement is one timestamped batch of values for a metric.
type Measurement struct {
	Timestamp models.Timestamp
	Values    []int64
}

// MetricMeasurement carries all measurements of one metric in a batch.
type MetricMeasurement struct {
	Metric       models.Metric
	Measurements []Measurement
}

// BucketStore is the raw-bucket append path.
type BucketStore interface {
	Store(ctx context.Context, metric models.Metric, d time.Duration, buckets []bucket.Bucket) error
}

// MetaStore registers metrics on first sight.
type MetaStore interface {
	Insert(ctx context.Context, metric models.Metric) error
	Contains(ctx context.Context, metric models.Metric) (bool, error)
}

// Config carries the tick parameters used for the reprocessing check.
type Config struct {
	SmallestWindow time.Duration
	TickSafetyDelay time.Duration
}

// MeasurementStore converts measurement batches to raw buckets. Groups of
// one metric are applied strictly in sequence; distinct metrics are
// independent.
type MeasurementStore struct {
	histograms BucketStore
	counters   BucketStore
	meta       MetaStore
	cfg        Config
	clock      func() time.Time
	telemetry  *metrics.Collector
	log        *zap.Logger

	mu   sync.Mutex
	seen map[models.Metric]struct{}
}

// New creates a measurement store.
func New(histograms, counters BucketStore, meta MetaStore, cfg Config, telemetry *metrics.Collector, log *zap.Logger) *MeasurementStore {
	return &MeasurementStore{
		histograms: histograms,
		counters:   counters,
		meta:       meta,
		cfg:        cfg,
		clock:      time.Now,
		telemetry:  telemetry,
		log:        log,
		seen:       make(map[models.Metric]struct{}),
	}
}

// WithClock overrides the wall clock; tests pin it.
func (s *MeasurementStore) WithClock(clock func() time.Time) *MeasurementStore {
	s.clock = clock
	return s
}

// StoreMetricMeasurements consumes a measurement batch. Metrics with an
// unsupported type are discarded with a warning; negative values are
// dropped with one warning per metric; everything else is grouped,
// converted, and appended to the raw store.
func (s *MeasurementStore) StoreMetricMeasurements(ctx context.Context, batch []MetricMeasurement) error {
	batchID := uuid.NewString()
	log := s.log.With(zap.String("batch_id", batchID))
	tick := models.CurrentTick(s.clock(), s.cfg.SmallestWindow, s.cfg.TickSafetyDelay)

	for _, mm := range batch {
		if len(mm.Measurements) == 0 {
			continue
		}
		if !mm.Metric.Type.IsValid() {
			s.telemetry.Counter(metrics.MetricIngestUnsupported).Inc()
			log.Warn("discarding measurements for unsupported metric type",
				zap.String("metric", mm.Metric.Name),
				zap.String("type", string(mm.Metric.Type)))
			continue
		}
		if err := s.storeMetric(ctx, log, tick, mm); err != nil {
			return fmt.Errorf("storing measurements for %s: %w", mm.Metric, err)
		}
		if err := s.registerMetric(ctx, mm.Metric); err != nil {
			return fmt.Errorf("registering %s: %w", mm.Metric, err)
		}
	}
	return nil
}

func (s *MeasurementStore) storeMetric(ctx context.Context, log *zap.Logger, tick models.Tick, mm MetricMeasurement) error {
	groups := make(map[models.Timestamp][]Measurement)
	var order []models.Timestamp
	for _, m := range mm.Measurements {
		key := m.Timestamp.AlignedTo(groupGranule)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	var negatives []int64
	for _, groupTs := range order {
		rawBn := groupTs.ToBucketNumberOf(models.RawDuration)
		if tick.AlreadyProcessed(rawBn) {
			// The roll-up has already swept this interval. Stored anyway.
			// The roll-up reads raw rows only from its high-water mark on:
			// a row at or after the mark is swept without a summary by the
			// next invocation, an older one is left to the bucket-table TTL.
			log.Warn("measurements arrived for an already processed bucket",
				zap.String("metric", mm.Metric.Name),
				zap.String("bucket", rawBn.String()))
		}

		var b bucket.Bucket
		if mm.Metric.IsHistogram() {
			h := bucket.NewHistogram()
			for _, m := range groups[groupTs] {
				for _, v := range m.Values {
					if v < 0 {
						negatives = append(negatives, v)
						continue
					}
					bucket.Record(h, v)
					s.telemetry.Counter(metrics.MetricIngestMeasurements).Inc()
				}
			}
			b = bucket.NewHistogramBucket(rawBn, h)
		} else {
			var counts int64
			for _, m := range groups[groupTs] {
				for _, v := range m.Values {
					if v < 0 {
						negatives = append(negatives, v)
						continue
					}
					counts += v
					s.telemetry.Counter(metrics.MetricIngestMeasurements).Inc()
				}
			}
			b = bucket.NewCounterBucket(rawBn, counts)
		}

		dest := s.histograms
		if !mm.Metric.IsHistogram() {
			dest = s.counters
		}
		if err := dest.Store(ctx, mm.Metric, models.RawDuration, []bucket.Bucket{b}); err != nil {
			return err
		}
		s.telemetry.Counter(metrics.MetricIngestRawBuckets).Inc()
	}

	if len(negatives) > 0 {
		s.telemetry.Counter(metrics.MetricIngestNegatives).Add(int64(len(negatives)))
		log.Warn("dropped negative measurement values",
			zap.String("metric", mm.Metric.Name),
			zap.Int64s("values", negatives))
	}
	return nil
}

// registerMetric inserts the metric descriptor on first sight. The local
// set is only a best-effort filter; Insert itself is idempotent.
func (s *MeasurementStore) registerMetric(ctx context.Context, metric models.Metric) error {
	s.mu.Lock()
	_, ok := s.seen[metric]
	s.mu.Unlock()
	if ok {
		return nil
	}

	known, err := s.meta.Contains(ctx, metric)
	if err != nil {
		return err
	}
	if !known {
		if err := s.meta.Insert(ctx, metric); err != nil {
			return err
		}
		s.log.Info("registered new metric", zap.String("metric", metric.String()))
	}

	s.mu.Lock()
	s.seen[metric] = struct{}{}
	s.mu.Unlock()
	return nil
}
