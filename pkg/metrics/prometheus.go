package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// PrometheusExporter exports metrics in Prometheus text format.
type PrometheusExporter struct {
	collector *Collector
}

// NewPrometheusExporter creates a new Prometheus exporter.
func NewPrometheusExporter(collector *Collector) *PrometheusExporter {
	return &PrometheusExporter{collector: collector}
}

// WriteMetrics writes all metrics in Prometheus text format to the writer.
func (e *PrometheusExporter) WriteMetrics(w io.Writer) error {
	snapshot := e.collector.Snapshot()

	fmt.Fprintf(w, "# Khronus Self Metrics\n")
	fmt.Fprintf(w, "# Timestamp: %s\n", snapshot.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "# Uptime: %s\n\n", snapshot.Uptime)

	uptime := time.Since(e.collector.startTime).Seconds()
	fmt.Fprintf(w, "# HELP khronus_uptime_seconds Process uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE khronus_uptime_seconds gauge\n")
	fmt.Fprintf(w, "khronus_uptime_seconds %f\n\n", uptime)

	if len(snapshot.Counters) > 0 {
		counterNames := make([]string, 0, len(snapshot.Counters))
		for name := range snapshot.Counters {
			counterNames = append(counterNames, name)
		}
		sort.Strings(counterNames)

		for _, name := range counterNames {
			value := snapshot.Counters[name]
			promName := sanitizeMetricName(name)

			fmt.Fprintf(w, "# HELP %s Counter metric\n", promName)
			fmt.Fprintf(w, "# TYPE %s counter\n", promName)
			fmt.Fprintf(w, "%s %d\n\n", promName, value)
		}
	}

	if len(snapshot.Gauges) > 0 {
		gaugeNames := make([]string, 0, len(snapshot.Gauges))
		for name := range snapshot.Gauges {
			gaugeNames = append(gaugeNames, name)
		}
		sort.Strings(gaugeNames)

		for _, name := range gaugeNames {
			value := snapshot.Gauges[name]
			promName := sanitizeMetricName(name)

			fmt.Fprintf(w, "# HELP %s Gauge metric\n", promName)
			fmt.Fprintf(w, "# TYPE %s gauge\n", promName)
			fmt.Fprintf(w, "%s %d\n\n", promName, value)
		}
	}

	return nil
}

// sanitizeMetricName converts metric names to Prometheus format.
// Replaces dots with underscores and prefixes the process namespace.
func sanitizeMetricName(name string) string {
	name = strings.ReplaceAll(name, ".", "_")

	if !strings.HasPrefix(name, "khronus_") {
		name = "khronus_" + name
	}

	return name
}
