package window

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jonico/khronus/internal/bucket"
	"github.com/jonico/khronus/internal/models"
	"github.com/jonico/khronus/pkg/metrics"
)

type storeKey struct {
	metric string
	window string
}

type fakeBucketStore struct {
	mu        sync.Mutex
	rows      map[storeKey]map[models.Timestamp][]bucket.Bucket
	sliceErr  error
	storeErr  error
	removeErr error
}

func newFakeBucketStore() *fakeBucketStore {
	return &fakeBucketStore{rows: make(map[storeKey]map[models.Timestamp][]bucket.Bucket)}
}

func (s *fakeBucketStore) key(metric models.Metric, d time.Duration) storeKey {
	return storeKey{metric: metric.Name, window: models.DurationKey(d)}
}

func (s *fakeBucketStore) Slice(_ context.Context, metric models.Metric, d time.Duration, from, to models.Timestamp) ([]bucket.Bucket, error) {
	if s.sliceErr != nil {
		return nil, s.sliceErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bucket.Bucket
	for ts, buckets := range s.rows[s.key(metric, d)] {
		if ts >= from && ts <= to {
			out = append(out, buckets...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number.Number < out[j].Number.Number })
	return out, nil
}

func (s *fakeBucketStore) Store(_ context.Context, metric models.Metric, d time.Duration, buckets []bucket.Bucket) error {
	if s.storeErr != nil {
		return s.storeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.key(metric, d)
	if s.rows[k] == nil {
		s.rows[k] = make(map[models.Timestamp][]bucket.Bucket)
	}
	for _, b := range buckets {
		ts := b.Number.StartTimestamp()
		s.rows[k][ts] = append(s.rows[k][ts], b)
	}
	return nil
}

func (s *fakeBucketStore) Remove(_ context.Context, metric models.Metric, d time.Duration, buckets []bucket.Bucket) error {
	if s.removeErr != nil {
		return s.removeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range buckets {
		delete(s.rows[s.key(metric, d)], b.Number.StartTimestamp())
	}
	return nil
}

func (s *fakeBucketStore) count(metric models.Metric, d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[s.key(metric, d)])
}

type summaryWrite struct {
	window    string
	summaries []bucket.Summary
}

type fakeSummaryStore struct {
	mu       sync.Mutex
	writes   []summaryWrite
	storeErr error
}

func (s *fakeSummaryStore) Store(_ context.Context, _ models.Metric, d time.Duration, summaries []bucket.Summary) error {
	if s.storeErr != nil {
		return s.storeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, summaryWrite{window: models.DurationKey(d), summaries: summaries})
	return nil
}

func (s *fakeSummaryStore) all() []bucket.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bucket.Summary
	for _, w := range s.writes {
		out = append(out, w.summaries...)
	}
	return out
}

type fakeMetaStore struct {
	mu        sync.Mutex
	marks     map[storeKey]models.Timestamp
	readErr   error
	updateErr error
}

func newFakeMetaStore() *fakeMetaStore {
	return &fakeMetaStore{marks: make(map[storeKey]models.Timestamp)}
}

func (s *fakeMetaStore) LastProcessed(_ context.Context, metric models.Metric, d time.Duration) (models.Timestamp, bool, error) {
	if s.readErr != nil {
		return 0, false, s.readErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.marks[storeKey{metric.Name, models.DurationKey(d)}]
	return ts, ok, nil
}

func (s *fakeMetaStore) UpdateLastProcessed(_ context.Context, metric models.Metric, d time.Duration, ts models.Timestamp) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[storeKey{metric.Name, models.DurationKey(d)}] = ts
	return nil
}

func (s *fakeMetaStore) mark(metric models.Metric, d time.Duration) (models.Timestamp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.marks[storeKey{metric.Name, models.DurationKey(d)}]
	return ts, ok
}

type env struct {
	buckets   *fakeBucketStore
	summaries *fakeSummaryStore
	meta      *fakeMetaStore
	telemetry *metrics.Collector
	window    *Window
}

func newEnv(t *testing.T, duration, source time.Duration, cache BucketCache) *env {
	t.Helper()
	e := &env{
		buckets:   newFakeBucketStore(),
		summaries: &fakeSummaryStore{},
		meta:      newFakeMetaStore(),
		telemetry: metrics.NewCollector(),
	}
	e.window = New(duration, source, e.buckets, e.summaries, e.meta, cache, e.telemetry, zap.NewNop())
	return e
}

func rawHistogramBucket(t *testing.T, n int64, values ...int64) bucket.Bucket {
	t.Helper()
	h := bucket.NewHistogram()
	for _, v := range values {
		bucket.Record(h, v)
	}
	return bucket.NewHistogramBucket(models.BucketNumber{Number: n, Duration: time.Millisecond}, h)
}

func seq(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for v := from; v <= to; v++ {
		out = append(out, v)
	}
	return out
}

var timerMetric = models.Metric{Name: "latency", Type: models.MetricTypeTimer}

func TestProcessTwoBucketRollup(t *testing.T) {
	e := newEnv(t, 30*time.Second, time.Millisecond, nil)
	ctx := context.Background()

	require.NoError(t, e.buckets.Store(ctx, timerMetric, time.Millisecond, []bucket.Bucket{
		rawHistogramBucket(t, 1, seq(1, 50)...),
		rawHistogramBucket(t, 2, seq(51, 100)...),
		rawHistogramBucket(t, 30_001, 100, 100),
	}))

	require.NoError(t, e.window.Process(ctx, timerMetric, 30_001))

	all := e.summaries.all()
	require.Len(t, all, 2)

	// Published newest first within the write.
	first, ok := all[0].(bucket.StatisticSummary)
	require.True(t, ok)
	assert.Equal(t, models.Timestamp(30_000), first.TS)
	assert.Equal(t, int64(100), first.Min)
	assert.Equal(t, int64(100), first.Max)
	assert.Equal(t, int64(2), first.Count)
	assert.InDelta(t, 100, first.Mean, 0.5)
	assert.Equal(t, int64(100), first.P50)
	assert.Equal(t, int64(100), first.P999)

	second, ok := all[1].(bucket.StatisticSummary)
	require.True(t, ok)
	assert.Equal(t, models.Timestamp(0), second.TS)
	assert.Equal(t, int64(1), second.Min)
	assert.Equal(t, int64(100), second.Max)
	assert.Equal(t, int64(100), second.Count)
	assert.InDelta(t, 50.5, second.Mean, 0.5)
	assert.Equal(t, int64(50), second.P50)
	assert.Equal(t, int64(80), second.P80)
	assert.Equal(t, int64(90), second.P90)
	assert.Equal(t, int64(95), second.P95)
	assert.Equal(t, int64(99), second.P99)
	assert.Equal(t, int64(100), second.P999)

	// All raw sources removed, mark advanced to the newest target start.
	assert.Equal(t, 0, e.buckets.count(timerMetric, time.Millisecond))
	mark, ok := e.meta.mark(timerMetric, 30*time.Second)
	require.True(t, ok)
	assert.Equal(t, models.Timestamp(30_000), mark)

	// Derived buckets published for the next window.
	assert.Equal(t, 2, e.buckets.count(timerMetric, 30*time.Second))
}

func TestProcessReprocessIsNoOpButSweeps(t *testing.T) {
	e := newEnv(t, 30*time.Second, time.Millisecond, nil)
	ctx := context.Background()

	require.NoError(t, e.meta.UpdateLastProcessed(ctx, timerMetric, 30*time.Second, 15_000))
	require.NoError(t, e.buckets.Store(ctx, timerMetric, time.Millisecond, []bucket.Bucket{
		rawHistogramBucket(t, 15_000, 7),
	}))

	require.NoError(t, e.window.Process(ctx, timerMetric, 30_000))

	assert.Empty(t, e.summaries.all())
	assert.Equal(t, 0, e.buckets.count(timerMetric, time.Millisecond))

	mark, ok := e.meta.mark(timerMetric, 30*time.Second)
	require.True(t, ok)
	assert.Equal(t, models.Timestamp(15_000), mark, "high-water mark must not move")
}

func TestProcessEmptySourceSliceIsFullNoOp(t *testing.T) {
	e := newEnv(t, 30*time.Second, time.Millisecond, nil)

	require.NoError(t, e.window.Process(context.Background(), timerMetric, 60_000))

	assert.Empty(t, e.summaries.all())
	_, ok := e.meta.mark(timerMetric, 30*time.Second)
	assert.False(t, ok, "no meta update on empty slice")
}

func TestProcessPartialTargetBucketStillEmitted(t *testing.T) {
	e := newEnv(t, 30*time.Second, time.Millisecond, nil)
	ctx := context.Background()

	require.NoError(t, e.buckets.Store(ctx, timerMetric, time.Millisecond, []bucket.Bucket{
		rawHistogramBucket(t, 30_001, 5),
	}))

	// Execution timestamp falls inside target bucket 1.
	require.NoError(t, e.window.Process(ctx, timerMetric, 31_000))
	require.Len(t, e.summaries.all(), 1)

	t.Run("later invocation does not re-emit the same target", func(t *testing.T) {
		require.NoError(t, e.buckets.Store(ctx, timerMetric, time.Millisecond, []bucket.Bucket{
			rawHistogramBucket(t, 35_000, 9),
		}))
		require.NoError(t, e.window.Process(ctx, timerMetric, 60_001))

		// The new raw bucket maps to target 1 whose start equals H: skipped,
		// but swept.
		require.Len(t, e.summaries.all(), 1)
		assert.Equal(t, 0, e.buckets.count(timerMetric, time.Millisecond))
	})
}

func TestProcessMonotonicHighWaterMark(t *testing.T) {
	e := newEnv(t, 30*time.Second, time.Millisecond, nil)
	ctx := context.Background()

	require.NoError(t, e.buckets.Store(ctx, timerMetric, time.Millisecond, []bucket.Bucket{
		rawHistogramBucket(t, 10, 1),
	}))
	require.NoError(t, e.window.Process(ctx, timerMetric, 30_000))
	firstMark, _ := e.meta.mark(timerMetric, 30*time.Second)

	require.NoError(t, e.buckets.Store(ctx, timerMetric, time.Millisecond, []bucket.Bucket{
		rawHistogramBucket(t, 90_010, 2),
	}))
	require.NoError(t, e.window.Process(ctx, timerMetric, 120_000))
	secondMark, _ := e.meta.mark(timerMetric, 30*time.Second)

	assert.Greater(t, int64(secondMark), int64(firstMark))
}

func TestProcessPartitionCorrectness(t *testing.T) {
	e := newEnv(t, time.Minute, 30*time.Second, nil)
	ctx := context.Background()

	src := func(n int64, counts int64) bucket.Bucket {
		return bucket.NewCounterBucket(models.BucketNumber{Number: n, Duration: 30 * time.Second}, counts)
	}
	counterMetric := models.Metric{Name: "hits", Type: models.MetricTypeCounter}

	require.NoError(t, e.buckets.Store(ctx, counterMetric, 30*time.Second, []bucket.Bucket{
		src(0, 1), src(1, 2), src(2, 4), src(3, 8),
	}))

	require.NoError(t, e.window.Process(ctx, counterMetric, 120_000))

	all := e.summaries.all()
	require.Len(t, all, 2)

	// Newest first: minute bucket 1 folds sources {2,3}, bucket 0 folds {0,1}.
	newest := all[0].(bucket.CounterSummary)
	assert.Equal(t, models.Timestamp(60_000), newest.TS)
	assert.Equal(t, int64(12), newest.Count)

	oldest := all[1].(bucket.CounterSummary)
	assert.Equal(t, models.Timestamp(0), oldest.TS)
	assert.Equal(t, int64(3), oldest.Count)
}

func TestProcessSummaryStoreFailureLeavesStateRetryable(t *testing.T) {
	e := newEnv(t, 30*time.Second, time.Millisecond, nil)
	ctx := context.Background()
	boom := errors.New("cassandra unavailable")

	require.NoError(t, e.buckets.Store(ctx, timerMetric, time.Millisecond, []bucket.Bucket{
		rawHistogramBucket(t, 5, 3),
	}))
	e.summaries.storeErr = boom

	err := e.window.Process(ctx, timerMetric, 30_000)
	require.ErrorIs(t, err, boom)

	// H untouched, sources untouched: the retry sees the same world.
	_, ok := e.meta.mark(timerMetric, 30*time.Second)
	assert.False(t, ok)
	assert.Equal(t, 1, e.buckets.count(timerMetric, time.Millisecond))

	t.Run("retry succeeds", func(t *testing.T) {
		e.summaries.storeErr = nil
		require.NoError(t, e.window.Process(ctx, timerMetric, 30_000))
		assert.Len(t, e.summaries.all(), 1)
		assert.Equal(t, 0, e.buckets.count(timerMetric, time.Millisecond))
	})
}

func TestProcessRemoveFailureIsNonFatal(t *testing.T) {
	e := newEnv(t, 30*time.Second, time.Millisecond, nil)
	ctx := context.Background()

	require.NoError(t, e.buckets.Store(ctx, timerMetric, time.Millisecond, []bucket.Bucket{
		rawHistogramBucket(t, 5, 3),
	}))
	e.buckets.removeErr = errors.New("timed out")

	require.NoError(t, e.window.Process(ctx, timerMetric, 30_000))
	assert.Len(t, e.summaries.all(), 1)

	mark, ok := e.meta.mark(timerMetric, 30*time.Second)
	require.True(t, ok)
	assert.Equal(t, models.Timestamp(0), mark)
}

func TestProcessMetaReadFailureFailsOperation(t *testing.T) {
	e := newEnv(t, 30*time.Second, time.Millisecond, nil)
	boom := errors.New("meta down")
	e.meta.readErr = boom

	err := e.window.Process(context.Background(), timerMetric, 30_000)
	assert.ErrorIs(t, err, boom)
}

// recordingCache is a scripted cache that records the processor's calls.
type recordingCache struct {
	sets []struct {
		from, to models.BucketNumber
		n        int
	}
	getHit  []bucket.Bucket
	served  bool
	getFrom models.BucketNumber
	getTo   models.BucketNumber
}

func (c *recordingCache) MultiSet(_ models.Metric, from, to models.BucketNumber, buckets []bucket.Bucket) {
	c.sets = append(c.sets, struct {
		from, to models.BucketNumber
		n        int
	}{from, to, len(buckets)})
}

func (c *recordingCache) MultiGet(_ models.Metric, from, to models.BucketNumber) ([]bucket.Bucket, bool) {
	c.getFrom, c.getTo = from, to
	if c.served {
		return c.getHit, true
	}
	return nil, false
}

func TestProcessCacheHitSkipsStoreRead(t *testing.T) {
	rc := &recordingCache{served: true}
	e := newEnv(t, time.Minute, 30*time.Second, rc)
	ctx := context.Background()
	counterMetric := models.Metric{Name: "hits", Type: models.MetricTypeCounter}

	rc.getHit = []bucket.Bucket{
		bucket.NewCounterBucket(models.BucketNumber{Number: 2, Duration: 30 * time.Second}, 5),
	}
	e.buckets.sliceErr = errors.New("store read should not happen")

	require.NoError(t, e.meta.UpdateLastProcessed(ctx, counterMetric, time.Minute, 0))
	require.NoError(t, e.window.Process(ctx, counterMetric, 120_000))

	require.Len(t, e.summaries.all(), 1)
	got := e.summaries.all()[0].(bucket.CounterSummary)
	assert.Equal(t, models.Timestamp(60_000), got.TS)
	assert.Equal(t, int64(5), got.Count)
}

func TestProcessCacheMissFallsThroughToStore(t *testing.T) {
	rc := &recordingCache{}
	e := newEnv(t, time.Minute, 30*time.Second, rc)
	ctx := context.Background()
	counterMetric := models.Metric{Name: "hits", Type: models.MetricTypeCounter}

	require.NoError(t, e.meta.UpdateLastProcessed(ctx, counterMetric, time.Minute, 0))
	require.NoError(t, e.buckets.Store(ctx, counterMetric, 30*time.Second, []bucket.Bucket{
		bucket.NewCounterBucket(models.BucketNumber{Number: 3, Duration: 30 * time.Second}, 4),
	}))

	require.NoError(t, e.window.Process(ctx, counterMetric, 120_000))
	require.Len(t, e.summaries.all(), 1)

	t.Run("derived buckets republished into the cache", func(t *testing.T) {
		require.Len(t, rc.sets, 1)
		assert.Equal(t, int64(1), rc.sets[0].from.Number)
		assert.Equal(t, int64(2), rc.sets[0].to.Number)
		assert.Equal(t, 1, rc.sets[0].n)
	})
}
