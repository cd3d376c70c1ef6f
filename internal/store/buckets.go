package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"github.com/jonico/khronus/internal/bucket"
	"github.com/jonico/khronus/internal/models"
)

// BucketStoreConfig bounds the read and write shapes of a bucket store.
type BucketStoreConfig struct {
	// InsertChunkSize is the number of rows written per batch.
	InsertChunkSize int
	// SliceLimit caps the rows returned by a single Slice.
	SliceLimit int
	// TTL yields the row TTL for a bucket table of the given duration.
	TTL func(window time.Duration) time.Duration
}

// BucketStore reads and writes one bucket kind across every duration. Rows
// are keyed by (metric, timestamp); the buckets column is a blob list with
// append semantics, so at-least-once ingest lands duplicates that the
// roll-up merge later folds together.
type BucketStore struct {
	session *gocql.Session
	kind    bucket.Kind
	cfg     BucketStoreConfig
	log     *zap.Logger
}

// NewBucketStore creates a store for the given bucket kind.
func NewBucketStore(session *gocql.Session, kind bucket.Kind, cfg BucketStoreConfig, log *zap.Logger) *BucketStore {
	if cfg.InsertChunkSize <= 0 {
		cfg.InsertChunkSize = 100
	}
	if cfg.SliceLimit <= 0 {
		cfg.SliceLimit = 10_000
	}
	return &BucketStore{
		session: session,
		kind:    kind,
		cfg:     cfg,
		log:     log.With(zap.String("kind", kind.String())),
	}
}

// Slice returns the buckets stored for the metric at the given duration
// with timestamps in [from, to], ascending. Each row can hold several
// blobs; corrupt blobs are replaced by their neutral value with a warning
// so a single bad row never stalls the window.
func (s *BucketStore) Slice(ctx context.Context, metric models.Metric, d time.Duration, from, to models.Timestamp) ([]bucket.Bucket, error) {
	stmt := fmt.Sprintf(
		"SELECT timestamp, buckets FROM %s WHERE metric = ? AND timestamp >= ? AND timestamp <= ? LIMIT ?",
		bucketTable(s.kind, d))

	iter := s.session.Query(stmt, metric.Name, int64(from), int64(to), s.cfg.SliceLimit).
		WithContext(ctx).Iter()

	var (
		out   []bucket.Bucket
		ts    int64
		blobs [][]byte
	)
	for iter.Scan(&ts, &blobs) {
		bn := models.Timestamp(ts).ToBucketNumberOf(d)
		for _, blob := range blobs {
			b, err := bucket.Deserialize(s.kind, bn, blob)
			if err != nil {
				s.log.Warn("corrupt bucket blob, substituting neutral value",
					zap.String("metric", metric.String()),
					zap.String("bucket", bn.String()),
					zap.Error(err))
			}
			if b.IsEmpty() {
				continue
			}
			out = append(out, b)
		}
		blobs = nil
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("slicing %s buckets: %w", models.DurationKey(d), err)
	}
	return out, nil
}

// Store appends the buckets into their (metric, timestamp) rows, batched
// in insert chunks, with the per-window TTL.
func (s *BucketStore) Store(ctx context.Context, metric models.Metric, d time.Duration, buckets []bucket.Bucket) error {
	stmt := fmt.Sprintf(
		"UPDATE %s USING TTL ? SET buckets = buckets + ? WHERE metric = ? AND timestamp = ?",
		bucketTable(s.kind, d))
	ttl := int64(0)
	if s.cfg.TTL != nil {
		ttl = int64(s.cfg.TTL(d).Seconds())
	}

	for start := 0; start < len(buckets); start += s.cfg.InsertChunkSize {
		end := start + s.cfg.InsertChunkSize
		if end > len(buckets) {
			end = len(buckets)
		}
		batch := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
		for _, b := range buckets[start:end] {
			payload := bucket.Serialize(b)
			batch.Query(stmt, ttl, [][]byte{payload}, metric.Name, int64(b.Number.StartTimestamp()))
		}
		if err := s.session.ExecuteBatch(batch); err != nil {
			return fmt.Errorf("storing %s buckets: %w", models.DurationKey(d), err)
		}
	}
	return nil
}

// Remove deletes the (metric, timestamp) rows holding the given buckets.
func (s *BucketStore) Remove(ctx context.Context, metric models.Metric, d time.Duration, buckets []bucket.Bucket) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE metric = ? AND timestamp = ?", bucketTable(s.kind, d))

	for start := 0; start < len(buckets); start += s.cfg.InsertChunkSize {
		end := start + s.cfg.InsertChunkSize
		if end > len(buckets) {
			end = len(buckets)
		}
		batch := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
		for _, b := range buckets[start:end] {
			batch.Query(stmt, metric.Name, int64(b.Number.StartTimestamp()))
		}
		if err := s.session.ExecuteBatch(batch); err != nil {
			return fmt.Errorf("removing %s buckets: %w", models.DurationKey(d), err)
		}
	}
	return nil
}
