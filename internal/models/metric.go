// Package models holds the core time and metric primitives shared by the
// ingest and roll-up pipelines.
package models

import "fmt"

// MetricType identifies how a metric's measurements are aggregated.
type MetricType string

const (
	MetricTypeTimer   MetricType = "timer"
	MetricTypeGauge   MetricType = "gauge"
	MetricTypeCounter MetricType = "counter"
)

// IsValid reports whether the type is one of the supported metric types.
func (t MetricType) IsValid() bool {
	switch t {
	case MetricTypeTimer, MetricTypeGauge, MetricTypeCounter:
		return true
	}
	return false
}

// Metric identifies a single time series. The name is an opaque identifier;
// the type is immutable for the lifetime of the metric.
type Metric struct {
	Name string
	Type MetricType
}

// IsHistogram reports whether the metric's measurements are recorded into
// histograms. Timers and gauges share the histogram path; counters do not.
func (m Metric) IsHistogram() bool {
	return m.Type == MetricTypeTimer || m.Type == MetricTypeGauge
}

func (m Metric) String() string {
	return fmt.Sprintf("%s(%s)", m.Name, m.Type)
}
