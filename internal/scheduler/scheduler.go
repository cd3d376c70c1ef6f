// Package scheduler drives the roll-up pipeline: on every tick it
// enumerates the known metrics and runs each window processor over them,
// smallest window first, then marks the tick on the bucket caches.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonico/khronus/internal/models"
	"github.com/jonico/khronus/internal/window"
	"github.com/jonico/khronus/pkg/metrics"
)

// MetricSource enumerates the metrics to process.
type MetricSource interface {
	Metrics(ctx context.Context) ([]models.Metric, error)
}

// TickMarker receives the processed tick for affinity eviction.
type TickMarker interface {
	MarkProcessedTick(tick models.Tick)
}

// Config tunes the tick loop.
type Config struct {
	// TickInterval is how often a roll-up pass runs; it normally equals
	// the smallest window duration.
	TickInterval time.Duration
	// TickSafetyDelay lags the tick behind the wall clock.
	TickSafetyDelay time.Duration
	// MaxConcurrent bounds the metrics processed in parallel. Windows of
	// one metric always run sequentially, smallest first.
	MaxConcurrent int
	// MaxRetries bounds the retry attempts for one failed process call.
	MaxRetries uint64
}

// Scheduler owns the roll-up tick loop. Distinct metrics run concurrently;
// a (metric, window) pair is only ever processed by one goroutine at a
// time because each metric's windows run inside a single goroutine.
type Scheduler struct {
	windows   []*window.Window
	source    MetricSource
	markers   []TickMarker
	cfg       Config
	clock     func() time.Time
	telemetry *metrics.Collector
	log       *zap.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler over the ascending window list.
func New(windows []*window.Window, source MetricSource, markers []TickMarker, cfg Config, telemetry *metrics.Collector, log *zap.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Scheduler{
		windows:   windows,
		source:    source,
		markers:   markers,
		cfg:       cfg,
		clock:     time.Now,
		telemetry: telemetry,
		log:       log,
	}
}

// WithClock overrides the wall clock; tests pin it.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	stopChan := s.stopChan
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()

		s.log.Info("scheduler started",
			zap.Duration("tick_interval", s.cfg.TickInterval),
			zap.Int("windows", len(s.windows)))

		for {
			select {
			case <-ticker.C:
				s.RunTick(ctx)
			case <-stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the tick loop and waits for the in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// RunTick executes one full roll-up pass: every metric, every window, then
// the tick mark on the caches.
func (s *Scheduler) RunTick(ctx context.Context) {
	tick := models.CurrentTick(s.clock(), s.cfg.TickInterval, s.cfg.TickSafetyDelay)
	executionTimestamp := tick.BucketNumber.EndTimestamp()

	metricList, err := s.source.Metrics(ctx)
	if err != nil {
		s.log.Error("failed to enumerate metrics, skipping tick", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, metric := range metricList {
		metric := metric
		g.Go(func() error {
			s.processMetric(gctx, metric, executionTimestamp)
			return nil
		})
	}
	_ = g.Wait()

	for _, marker := range s.markers {
		marker.MarkProcessedTick(tick)
	}
}

// processMetric runs every window for one metric in ascending order, so
// each window's derived buckets are in place before the next one reads
// them. A window that keeps failing ends the metric's pass for this tick,
// so the larger windows are not run either; the next tick retries from the
// unchanged high-water mark.
func (s *Scheduler) processMetric(ctx context.Context, metric models.Metric, executionTimestamp models.Timestamp) {
	for _, w := range s.windows {
		operation := func() error {
			return w.Process(ctx, metric, executionTimestamp)
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.MaxRetries), ctx)
		if err := backoff.Retry(operation, policy); err != nil {
			s.telemetry.Counter(metrics.MetricProcessFailures).Inc()
			s.log.Error("window processing failed, will resume at next tick",
				zap.String("metric", metric.String()),
				zap.String("window", models.DurationKey(w.Duration())),
				zap.Error(err))
			return
		}
	}
}
