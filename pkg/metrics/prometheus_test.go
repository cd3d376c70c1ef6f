package metrics

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrometheusExporter(t *testing.T) {
	c := NewCollector()

	counter := c.Counter("test.counter")
	counter.Inc()
	counter.Inc()

	gauge := c.Gauge("test.gauge")
	gauge.Set(42)

	exporter := NewPrometheusExporter(c)
	var buf bytes.Buffer
	if err := exporter.WriteMetrics(&buf); err != nil {
		t.Fatalf("Failed to write metrics: %v", err)
	}

	output := buf.String()

	expectedMetrics := []string{
		"khronus_uptime_seconds",
		"khronus_test_counter",
		"khronus_test_gauge",
		"# TYPE khronus_test_counter counter",
		"# TYPE khronus_test_gauge gauge",
	}

	for _, expected := range expectedMetrics {
		if !strings.Contains(output, expected) {
			t.Errorf("Output missing expected metric: %s\nOutput:\n%s", expected, output)
		}
	}

	if !strings.Contains(output, "khronus_test_counter 2") {
		t.Errorf("Counter value incorrect. Output:\n%s", output)
	}

	if !strings.Contains(output, "khronus_test_gauge 42") {
		t.Errorf("Gauge value incorrect. Output:\n%s", output)
	}
}

func TestSanitizeMetricName(t *testing.T) {
	cases := map[string]string{
		"bucket_cache.hits":  "khronus_bucket_cache_hits",
		"khronus_custom":     "khronus_custom",
		"rollup.process.err": "khronus_rollup_process_err",
	}
	for in, want := range cases {
		if got := sanitizeMetricName(in); got != want {
			t.Errorf("sanitizeMetricName(%q) = %q, want %q", in, got, want)
		}
	}
}
