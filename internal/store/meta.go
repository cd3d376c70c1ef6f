package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"github.com/jonico/khronus/internal/models"
)

// MetaStore holds metric descriptors and the per-(metric, window)
// high-water marks. Descriptor insertion is idempotent, so the check-then-
// insert pattern on the ingest path only needs a best-effort Contains.
type MetaStore struct {
	session *gocql.Session
	log     *zap.Logger
}

// NewMetaStore creates the meta store.
func NewMetaStore(session *gocql.Session, log *zap.Logger) *MetaStore {
	return &MetaStore{session: session, log: log}
}

// LastProcessed returns the high-water mark for the metric at the window,
// and whether one has been recorded yet.
func (s *MetaStore) LastProcessed(ctx context.Context, metric models.Metric, d time.Duration) (models.Timestamp, bool, error) {
	stmt := fmt.Sprintf("SELECT last_processed FROM %s WHERE metric = ? AND duration = ?", metaLastProcessedTable)

	var ts int64
	err := s.session.Query(stmt, metric.Name, models.DurationKey(d)).WithContext(ctx).Scan(&ts)
	if errors.Is(err, gocql.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading high-water mark: %w", err)
	}
	return models.Timestamp(ts), true, nil
}

// UpdateLastProcessed advances the high-water mark.
func (s *MetaStore) UpdateLastProcessed(ctx context.Context, metric models.Metric, d time.Duration, ts models.Timestamp) error {
	stmt := fmt.Sprintf("INSERT INTO %s (metric, duration, last_processed) VALUES (?, ?, ?)", metaLastProcessedTable)
	if err := s.session.Query(stmt, metric.Name, models.DurationKey(d), int64(ts)).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("updating high-water mark: %w", err)
	}
	return nil
}

// Insert records the metric descriptor. Inserting an existing metric is a
// no-op overwrite with identical values.
func (s *MetaStore) Insert(ctx context.Context, metric models.Metric) error {
	stmt := fmt.Sprintf("INSERT INTO %s (metric, type) VALUES (?, ?)", metaMetricsTable)
	if err := s.session.Query(stmt, metric.Name, string(metric.Type)).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("inserting metric descriptor: %w", err)
	}
	return nil
}

// Contains reports whether the metric descriptor exists.
func (s *MetaStore) Contains(ctx context.Context, metric models.Metric) (bool, error) {
	stmt := fmt.Sprintf("SELECT type FROM %s WHERE metric = ?", metaMetricsTable)

	var metricType string
	err := s.session.Query(stmt, metric.Name).WithContext(ctx).Scan(&metricType)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking metric descriptor: %w", err)
	}
	return true, nil
}

// Metrics enumerates every known metric. Rows with an unknown type are
// skipped with a warning.
func (s *MetaStore) Metrics(ctx context.Context) ([]models.Metric, error) {
	stmt := fmt.Sprintf("SELECT metric, type FROM %s", metaMetricsTable)
	iter := s.session.Query(stmt).WithContext(ctx).Iter()

	var (
		out        []models.Metric
		name       string
		metricType string
	)
	for iter.Scan(&name, &metricType) {
		t := models.MetricType(metricType)
		if !t.IsValid() {
			s.log.Warn("skipping metric with unknown type",
				zap.String("metric", name),
				zap.String("type", metricType))
			continue
		}
		out = append(out, models.Metric{Name: name, Type: t})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("listing metrics: %w", err)
	}
	return out, nil
}
