package window

import (
	"context"
	"time"

	"github.com/jonico/khronus/internal/bucket"
	"github.com/jonico/khronus/internal/models"
)

// MultiStore routes bucket operations to the store backing the metric's
// bucket kind. One Window instance serves every metric type through it.
type MultiStore struct {
	Histograms BucketStore
	Counters   BucketStore
}

func (m MultiStore) pick(metric models.Metric) BucketStore {
	if bucket.KindFor(metric.Type) == bucket.KindCounter {
		return m.Counters
	}
	return m.Histograms
}

func (m MultiStore) Slice(ctx context.Context, metric models.Metric, d time.Duration, from, to models.Timestamp) ([]bucket.Bucket, error) {
	return m.pick(metric).Slice(ctx, metric, d, from, to)
}

func (m MultiStore) Store(ctx context.Context, metric models.Metric, d time.Duration, buckets []bucket.Bucket) error {
	return m.pick(metric).Store(ctx, metric, d, buckets)
}

func (m MultiStore) Remove(ctx context.Context, metric models.Metric, d time.Duration, buckets []bucket.Bucket) error {
	return m.pick(metric).Remove(ctx, metric, d, buckets)
}

// MultiCache routes cache operations the same way.
type MultiCache struct {
	Histograms BucketCache
	Counters   BucketCache
}

func (m MultiCache) pick(metric models.Metric) BucketCache {
	if bucket.KindFor(metric.Type) == bucket.KindCounter {
		return m.Counters
	}
	return m.Histograms
}

func (m MultiCache) MultiSet(metric models.Metric, from, to models.BucketNumber, buckets []bucket.Bucket) {
	m.pick(metric).MultiSet(metric, from, to, buckets)
}

func (m MultiCache) MultiGet(metric models.Metric, from, to models.BucketNumber) ([]bucket.Bucket, bool) {
	return m.pick(metric).MultiGet(metric, from, to)
}
