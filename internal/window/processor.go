package window

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jonico/khronus/internal/bucket"
	"github.com/jonico/khronus/internal/models"
	"github.com/jonico/khronus/pkg/metrics"
)

// Window rolls source buckets of the next-smaller duration up into buckets
// of its own duration. Store references are injected by the constructor;
// one Window instance serves all metrics, and the dispatcher serializes
// invocations per (metric, window).
type Window struct {
	duration       time.Duration
	sourceDuration time.Duration
	buckets        BucketStore
	summaries      SummaryStore
	meta           MetaStore
	cache          BucketCache
	telemetry      *metrics.Collector
	log            *zap.Logger
}

// New creates a window processor. sourceDuration is the next-smaller
// configured duration, or the raw duration for the smallest window.
func New(duration, sourceDuration time.Duration, buckets BucketStore, summaries SummaryStore, meta MetaStore, cache BucketCache, telemetry *metrics.Collector, log *zap.Logger) *Window {
	return &Window{
		duration:       duration,
		sourceDuration: sourceDuration,
		buckets:        buckets,
		summaries:      summaries,
		meta:           meta,
		cache:          cache,
		telemetry:      telemetry,
		log:            log.With(zap.String("window", models.DurationKey(duration))),
	}
}

// Duration returns the window's bucket width.
func (w *Window) Duration() time.Duration { return w.duration }

// SourceDuration returns the duration of the buckets the window consumes.
func (w *Window) SourceDuration() time.Duration { return w.sourceDuration }

// Process consumes all source buckets available for the metric up to
// executionTimestamp, persists summaries at the window duration, publishes
// the derived buckets for the next window, advances the high-water mark,
// and removes the consumed sources.
//
// The high-water mark moves only after summary persistence succeeds, so a
// failed invocation is always safe to retry. Source removal failure after a
// successful persist is reported as a warning. The next invocation reads
// sources only from the high-water mark on, so it sweeps the leftovers at or
// after the new mark; older leftovers are not read again and remain until
// the bucket-table TTL expires them.
func (w *Window) Process(ctx context.Context, metric models.Metric, executionTimestamp models.Timestamp) error {
	h, hasH, err := w.meta.LastProcessed(ctx, metric, w.duration)
	if err != nil {
		return fmt.Errorf("reading high-water mark for %s: %w", metric, err)
	}

	from := models.Timestamp(0)
	if hasH {
		from = h
	}

	sources, err := w.readSources(ctx, metric, from, executionTimestamp, hasH)
	if err != nil {
		return fmt.Errorf("reading source buckets for %s: %w", metric, err)
	}
	if len(sources) == 0 {
		return nil
	}

	kind := bucket.KindFor(metric.Type)
	groups := make(map[int64][]bucket.Bucket)
	var targets []int64
	for _, src := range sources {
		target := src.Number.In(w.duration)
		if hasH && target.StartTimestamp() <= h {
			// Re-delivered data below the mark: no summary, but the source
			// rows are still removed below.
			continue
		}
		if _, ok := groups[target.Number]; !ok {
			targets = append(targets, target.Number)
		}
		groups[target.Number] = append(groups[target.Number], src)
	}

	if len(targets) > 0 {
		sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

		derived := make([]bucket.Bucket, 0, len(targets))
		summaries := make([]bucket.Summary, 0, len(targets))
		for _, n := range targets {
			target := models.BucketNumber{Number: n, Duration: w.duration}
			folded := bucket.Merge(target, kind, groups[n])
			derived = append(derived, folded)
			summaries = append(summaries, bucket.SummaryFor(metric.Type, folded))
		}

		// Newest first.
		sort.Slice(summaries, func(i, j int) bool {
			return summaries[i].Timestamp() > summaries[j].Timestamp()
		})
		if err := w.summaries.Store(ctx, metric, w.duration, summaries); err != nil {
			return fmt.Errorf("storing summaries for %s: %w", metric, err)
		}
		if err := w.buckets.Store(ctx, metric, w.duration, derived); err != nil {
			return fmt.Errorf("storing derived buckets for %s: %w", metric, err)
		}
		if w.cache != nil {
			fromBn := models.BucketNumber{Number: targets[0], Duration: w.duration}
			toBn := models.BucketNumber{Number: targets[len(targets)-1] + 1, Duration: w.duration}
			w.cache.MultiSet(metric, fromBn, toBn, derived)
		}

		newMark := models.BucketNumber{Number: targets[len(targets)-1], Duration: w.duration}.StartTimestamp()
		if err := w.meta.UpdateLastProcessed(ctx, metric, w.duration, newMark); err != nil {
			return fmt.Errorf("advancing high-water mark for %s: %w", metric, err)
		}

		w.telemetry.Counter(metrics.MetricSummariesStored).Add(int64(len(summaries)))
	}

	if err := w.buckets.Remove(ctx, metric, w.sourceDuration, sources); err != nil {
		w.log.Warn("failed to remove consumed source buckets, will retry next invocation",
			zap.String("metric", metric.String()),
			zap.Error(err))
	}
	w.telemetry.Counter(metrics.MetricBucketsProcessed).Add(int64(len(sources)))

	return nil
}

// readSources reads the source slice, trying the bucket cache first when
// the source duration is a derived window. The cache removes what it
// returns, so a hit fully replaces the store read.
func (w *Window) readSources(ctx context.Context, metric models.Metric, from, to models.Timestamp, hasH bool) ([]bucket.Bucket, error) {
	if w.cache != nil && hasH && w.sourceDuration != models.RawDuration {
		fromBn := from.ToBucketNumberOf(w.sourceDuration)
		toBn := to.ToBucketNumberOf(w.sourceDuration)
		toBn.Number++ // the slice is to-inclusive, the cache range is not
		if cached, ok := w.cache.MultiGet(metric, fromBn, toBn); ok {
			return cached, nil
		}
	}
	return w.buckets.Slice(ctx, metric, w.sourceDuration, from, to)
}
