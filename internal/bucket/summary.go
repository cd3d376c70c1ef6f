package bucket

import (
	"github.com/jonico/khronus/internal/models"
)

// Summary is a compact statistical projection of one aggregated bucket.
type Summary interface {
	Timestamp() models.Timestamp
}

// StatisticSummary is the timer projection: percentiles plus moments.
type StatisticSummary struct {
	TS    models.Timestamp
	P50   int64
	P80   int64
	P90   int64
	P95   int64
	P99   int64
	P999  int64
	Min   int64
	Max   int64
	Count int64
	Mean  float64
}

func (s StatisticSummary) Timestamp() models.Timestamp { return s.TS }

// CounterSummary is the counter projection.
type CounterSummary struct {
	TS    models.Timestamp
	Count int64
}

func (s CounterSummary) Timestamp() models.Timestamp { return s.TS }

// GaugeSummary is the gauge projection: moments without percentiles.
type GaugeSummary struct {
	TS    models.Timestamp
	Min   int64
	Max   int64
	Mean  float64
	Count int64
}

func (s GaugeSummary) Timestamp() models.Timestamp { return s.TS }

// SummaryFor derives the summary variant matching the metric type from an
// aggregated bucket. The bucket's timestamp is the start of its interval.
func SummaryFor(t models.MetricType, b Bucket) Summary {
	ts := b.Number.StartTimestamp()
	switch t {
	case models.MetricTypeCounter:
		return CounterSummary{TS: ts, Count: b.Counts}
	case models.MetricTypeGauge:
		h := b.Histogram
		return GaugeSummary{
			TS:    ts,
			Min:   h.Min(),
			Max:   h.Max(),
			Mean:  h.Mean(),
			Count: h.TotalCount(),
		}
	default:
		h := b.Histogram
		return StatisticSummary{
			TS:    ts,
			P50:   h.ValueAtQuantile(50),
			P80:   h.ValueAtQuantile(80),
			P90:   h.ValueAtQuantile(90),
			P95:   h.ValueAtQuantile(95),
			P99:   h.ValueAtQuantile(99),
			P999:  h.ValueAtQuantile(99.9),
			Min:   h.Min(),
			Max:   h.Max(),
			Count: h.TotalCount(),
			Mean:  h.Mean(),
		}
	}
}
