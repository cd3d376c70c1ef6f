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

// RetentionPolicy yields the summary TTL for a metric type at a window.
type RetentionPolicy func(t models.MetricType, window time.Duration) time.Duration

// SummaryQueryConfig shapes summary reads.
type SummaryQueryConfig struct {
	// Limit caps the rows returned by a single Read.
	Limit int
	// FetchSize is the driver page size for summary queries.
	FetchSize int
}

// SummaryStore upserts derived summaries keyed by (metric, timestamp) into
// a table per (metric type, window), with the retention policy's TTL.
type SummaryStore struct {
	session   *gocql.Session
	retention RetentionPolicy
	query     SummaryQueryConfig
	log       *zap.Logger
}

// NewSummaryStore creates the summary store.
func NewSummaryStore(session *gocql.Session, retention RetentionPolicy, query SummaryQueryConfig, log *zap.Logger) *SummaryStore {
	if query.Limit <= 0 {
		query.Limit = 1_000
	}
	if query.FetchSize <= 0 {
		query.FetchSize = 200
	}
	return &SummaryStore{session: session, retention: retention, query: query, log: log}
}

// Store upserts the summaries. The caller controls the ordering of the
// slice; rows land in that order within the batch.
func (s *SummaryStore) Store(ctx context.Context, metric models.Metric, d time.Duration, summaries []bucket.Summary) error {
	if len(summaries) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %s (metric, timestamp, summary) VALUES (?, ?, ?) USING TTL ?",
		summaryTable(metric.Type, d))
	ttl := int64(0)
	if s.retention != nil {
		ttl = int64(s.retention(metric.Type, d).Seconds())
	}

	batch := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, summary := range summaries {
		batch.Query(stmt, metric.Name, int64(summary.Timestamp()), bucket.SerializeSummary(summary), ttl)
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("storing %s summaries: %w", models.DurationKey(d), err)
	}
	return nil
}

// Read returns the summaries for the metric with timestamps in [from, to],
// ascending, up to the configured limit. Corrupt rows are substituted by
// the all-zero summary with a warning.
func (s *SummaryStore) Read(ctx context.Context, metric models.Metric, d time.Duration, from, to models.Timestamp) ([]bucket.Summary, error) {
	stmt := fmt.Sprintf(
		"SELECT timestamp, summary FROM %s WHERE metric = ? AND timestamp >= ? AND timestamp <= ? LIMIT ?",
		summaryTable(metric.Type, d))

	iter := s.session.Query(stmt, metric.Name, int64(from), int64(to), s.query.Limit).
		PageSize(s.query.FetchSize).
		WithContext(ctx).Iter()

	var (
		out     []bucket.Summary
		ts      int64
		payload []byte
	)
	for iter.Scan(&ts, &payload) {
		summary, err := bucket.DeserializeSummary(metric.Type, payload)
		if err != nil {
			s.log.Warn("corrupt summary blob, substituting neutral value",
				zap.String("metric", metric.String()),
				zap.Int64("timestamp", ts),
				zap.Error(err))
		}
		out = append(out, summary)
		payload = nil
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("reading %s summaries: %w", models.DurationKey(d), err)
	}
	return out, nil
}
