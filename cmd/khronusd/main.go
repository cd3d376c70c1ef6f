package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/jonico/khronus/internal/api"
	"github.com/jonico/khronus/internal/bucket"
	"github.com/jonico/khronus/internal/cache"
	"github.com/jonico/khronus/internal/config"
	"github.com/jonico/khronus/internal/ingest"
	"github.com/jonico/khronus/internal/scheduler"
	"github.com/jonico/khronus/internal/store"
	"github.com/jonico/khronus/internal/window"
	"github.com/jonico/khronus/pkg/logger"
	"github.com/jonico/khronus/pkg/metrics"
)

func main() {
	// Load .env for local development; production uses real environment
	// variables.
	_ = godotenv.Load()

	log := logger.MustInit()
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("configuration error", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := store.MustNewSession(store.SessionConfig{
		Hosts:    cfg.CassandraHosts,
		Keyspace: cfg.CassandraKeyspace,
		Timeout:  cfg.CassandraTimeout,
	})
	defer session.Close()

	if err := store.EnsureSchema(ctx, session, cfg.Windows); err != nil {
		log.Fatal("failed to ensure schema", zap.Error(err))
	}

	telemetry := metrics.GetCollector()

	bucketStoreCfg := store.BucketStoreConfig{
		InsertChunkSize: cfg.InsertChunkSize,
		SliceLimit:      cfg.SliceLimit,
		TTL:             cfg.BucketTTL,
	}
	histogramStore := store.NewBucketStore(session, bucket.KindHistogram, bucketStoreCfg, log)
	counterStore := store.NewBucketStore(session, bucket.KindCounter, bucketStoreCfg, log)
	summaryStore := store.NewSummaryStore(session, cfg.SummaryRetention, store.SummaryQueryConfig{
		Limit:     cfg.SummaryLimit,
		FetchSize: cfg.SummaryFetchSize,
	}, log)
	metaStore := store.NewMetaStore(session, log)

	cacheCfg := cache.Config{
		Enabled:    cfg.BucketCacheEnabled,
		EnabledFor: cache.DefaultEnabledFor,
		MaxMetrics: cfg.BucketCacheMaxMetrics,
		MaxStore:   cfg.BucketCacheMaxStore,
	}
	histogramCache := cache.New(bucket.KindHistogram, cacheCfg, telemetry, log)
	counterCache := cache.New(bucket.KindCounter, cacheCfg, telemetry, log)

	buckets := window.MultiStore{Histograms: histogramStore, Counters: counterStore}
	caches := window.MultiCache{Histograms: histogramCache, Counters: counterCache}

	windows := make([]*window.Window, 0, len(cfg.Windows))
	for i, d := range cfg.Windows {
		source := time.Millisecond
		if i > 0 {
			source = cfg.Windows[i-1]
		}
		windows = append(windows, window.New(d, source, buckets, summaryStore, metaStore, caches, telemetry, log))
	}

	measurements := ingest.New(histogramStore, counterStore, metaStore, ingest.Config{
		SmallestWindow:  cfg.Windows[0],
		TickSafetyDelay: cfg.TickSafetyDelay,
	}, telemetry, log)

	rollup := scheduler.New(windows, metaStore,
		[]scheduler.TickMarker{histogramCache, counterCache},
		scheduler.Config{
			TickInterval:    cfg.Windows[0],
			TickSafetyDelay: cfg.TickSafetyDelay,
			MaxConcurrent:   cfg.MaxConcurrent,
		}, telemetry, log)
	rollup.Start(ctx)

	exporter := metrics.NewPrometheusExporter(telemetry)
	mux := http.NewServeMux()
	mux.Handle("/khronus/metrics", api.NewIngestHandler(measurements, log))
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = exporter.WriteMetrics(w)
	})
	srv := &http.Server{
		Addr:    config.GetEnvOrDefault("LISTEN_ADDR", ":9290"),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
		}
	}()

	log.Info("khronusd started",
		zap.Int("windows", len(cfg.Windows)),
		zap.Duration("tick_interval", cfg.Windows[0]))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	rollup.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
