// Package bucket models the aggregation window instances flowing through the
// pipelines: histogram and counter buckets, their statistical summaries, and
// the versioned wire encoding used by the column store and the bucket cache.
package bucket

import (
	"github.com/codahale/hdrhistogram"

	"github.com/jonico/khronus/internal/models"
)

// Histogram recording range. Values are clamped into
// [lowestTrackable, highestTrackable] on record; highestTrackable covers ten
// hours of latency in milliseconds.
const (
	lowestTrackable  = 1
	highestTrackable = 36_000_000
	sigFigs          = 3
)

// Kind discriminates the two bucket variants.
type Kind uint8

const (
	KindHistogram Kind = iota + 1
	KindCounter
)

func (k Kind) String() string {
	switch k {
	case KindHistogram:
		return "histogram"
	case KindCounter:
		return "counter"
	}
	return "unknown"
}

// KindFor returns the bucket kind backing the given metric type.
func KindFor(t models.MetricType) Kind {
	if t == models.MetricTypeCounter {
		return KindCounter
	}
	return KindHistogram
}

// Bucket is a tagged sum of the histogram and counter variants sharing a
// bucket number. The empty variant carries the undefined number and acts as
// the cache presence sentinel.
type Bucket struct {
	Number    models.BucketNumber
	Kind      Kind
	Histogram *hdrhistogram.Histogram
	Counts    int64
}

// NewHistogram returns a histogram configured with the recording range used
// throughout the pipeline.
func NewHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(lowestTrackable, highestTrackable, sigFigs)
}

// Record adds v to h, clamping values outside the trackable range the way
// the recording path treats out-of-range latencies.
func Record(h *hdrhistogram.Histogram, v int64) {
	if err := h.RecordValue(v); err != nil {
		if v > highestTrackable {
			_ = h.RecordValue(highestTrackable)
		} else {
			_ = h.RecordValue(lowestTrackable)
		}
	}
}

// NewHistogramBucket wraps a recorded histogram under its bucket number.
func NewHistogramBucket(bn models.BucketNumber, h *hdrhistogram.Histogram) Bucket {
	return Bucket{Number: bn, Kind: KindHistogram, Histogram: h}
}

// NewCounterBucket wraps a count under its bucket number.
func NewCounterBucket(bn models.BucketNumber, counts int64) Bucket {
	return Bucket{Number: bn, Kind: KindCounter, Counts: counts}
}

// EmptyBucket returns the sentinel variant of the given kind.
func EmptyBucket(kind Kind) Bucket {
	return Bucket{Number: models.UndefinedBucketNumber, Kind: kind}
}

// IsEmpty reports whether b is the sentinel variant.
func (b Bucket) IsEmpty() bool {
	return b.Number.IsUndefined()
}

// Merge folds the members into a single bucket at the target number.
// Histogram members are merged by summing internal counts; counter members
// by integer addition. Empty members contribute nothing.
func Merge(target models.BucketNumber, kind Kind, members []Bucket) Bucket {
	if kind == KindCounter {
		var total int64
		for _, m := range members {
			if m.IsEmpty() {
				continue
			}
			total += m.Counts
		}
		return NewCounterBucket(target, total)
	}
	merged := NewHistogram()
	for _, m := range members {
		if m.IsEmpty() || m.Histogram == nil {
			continue
		}
		merged.Merge(m.Histogram)
	}
	return NewHistogramBucket(target, merged)
}
