// Package window implements the per-metric, per-window roll-up: reading
// source buckets, folding them into destination-window buckets, deriving
// summaries, persisting, and advancing the per-metric high-water mark.
package window

import (
	"context"
	"time"

	"github.com/jonico/khronus/internal/bucket"
	"github.com/jonico/khronus/internal/models"
)

// BucketStore is the slice of the column store the processor reads source
// buckets from and writes derived buckets to. Slice returns buckets with
// timestamps in [from, to], ascending; re-delivered rows at exactly the
// high-water mark must come back so they can be swept.
type BucketStore interface {
	Slice(ctx context.Context, metric models.Metric, d time.Duration, from, to models.Timestamp) ([]bucket.Bucket, error)
	Store(ctx context.Context, metric models.Metric, d time.Duration, buckets []bucket.Bucket) error
	Remove(ctx context.Context, metric models.Metric, d time.Duration, buckets []bucket.Bucket) error
}

// SummaryStore persists derived summaries, upserting by (metric, timestamp).
type SummaryStore interface {
	Store(ctx context.Context, metric models.Metric, d time.Duration, summaries []bucket.Summary) error
}

// MetaStore tracks the per-metric high-water mark for each window.
type MetaStore interface {
	LastProcessed(ctx context.Context, metric models.Metric, d time.Duration) (models.Timestamp, bool, error)
	UpdateLastProcessed(ctx context.Context, metric models.Metric, d time.Duration, ts models.Timestamp) error
}

// BucketCache is consumed on the source-read path; a miss falls through to
// the bucket store.
type BucketCache interface {
	MultiSet(metric models.Metric, from, to models.BucketNumber, buckets []bucket.Bucket)
	MultiGet(metric models.Metric, from, to models.BucketNumber) ([]bucket.Bucket, bool)
}
