package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/jonico/khronus/internal/bucket"
	"github.com/jonico/khronus/internal/models"
)

const tableOptions = " WITH gc_grace_seconds = 0" +
	" AND compaction = {'class': 'LeveledCompactionStrategy'}"

func bucketTable(kind bucket.Kind, d time.Duration) string {
	return fmt.Sprintf("%s_bucket_%s", kind, models.DurationKey(d))
}

func summaryTable(t models.MetricType, d time.Duration) string {
	return fmt.Sprintf("%s_summary_%s", t, models.DurationKey(d))
}

const (
	metaMetricsTable       = "meta_metrics"
	metaLastProcessedTable = "meta_last_processed"
)

// EnsureSchema creates every table the pipeline writes to: bucket tables
// for the raw duration and each configured window, summary tables per
// metric type and window, and the meta tables.
func EnsureSchema(ctx context.Context, session *gocql.Session, windows []time.Duration) error {
	bucketDurations := append([]time.Duration{models.RawDuration}, windows...)

	for _, kind := range []bucket.Kind{bucket.KindHistogram, bucket.KindCounter} {
		for _, d := range bucketDurations {
			stmt := fmt.Sprintf(
				"CREATE TABLE IF NOT EXISTS %s (metric text, timestamp bigint, buckets list<blob>, PRIMARY KEY (metric, timestamp))%s",
				bucketTable(kind, d), tableOptions)
			if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
				return fmt.Errorf("creating table %s: %w", bucketTable(kind, d), err)
			}
		}
	}

	types := []models.MetricType{models.MetricTypeTimer, models.MetricTypeGauge, models.MetricTypeCounter}
	for _, t := range types {
		for _, d := range windows {
			stmt := fmt.Sprintf(
				"CREATE TABLE IF NOT EXISTS %s (metric text, timestamp bigint, summary blob, PRIMARY KEY (metric, timestamp))%s",
				summaryTable(t, d), tableOptions)
			if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
				return fmt.Errorf("creating table %s: %w", summaryTable(t, d), err)
			}
		}
	}

	metaStmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (metric text PRIMARY KEY, type text)", metaMetricsTable),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (metric text, duration text, last_processed bigint, PRIMARY KEY (metric, duration))", metaLastProcessedTable),
	}
	for _, stmt := range metaStmts {
		if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("creating meta tables: %w", err)
		}
	}
	return nil
}
