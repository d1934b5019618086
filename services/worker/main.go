package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/croplens/croplens/internal/config"
	"github.com/croplens/croplens/internal/coverage"
	"github.com/croplens/croplens/internal/db"
	"github.com/croplens/croplens/internal/enqueue"
	"github.com/croplens/croplens/internal/jobs"
	"github.com/croplens/croplens/internal/queue"
	"github.com/croplens/croplens/internal/worker"
	"github.com/croplens/croplens/internal/worker/handlers"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.RequireProcessing(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Postgres ----
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("postgres connect failed: %v", err)
	}
	defer pool.Close()

	// ---- Redis ----
	rdb, err := queue.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connect failed: %v", err)
	}
	defer rdb.Close()

	// ---- Stores and bridge ----
	jobStore := jobs.NewStore(pool)
	covStore := coverage.NewStore(pool)
	streams := queue.Streams{
		Dispatch: cfg.DispatchStream,
		Retry:    cfg.RetryStream,
		DLQ:      cfg.DLQStream,
		Group:    cfg.ConsumerGroup,
	}
	bridge := queue.NewBridge(rdb, streams)
	enqSvc := enqueue.New(jobStore, bridge, log.Default())

	// ---- Handler registry ----
	processing := handlers.NewProcessing(
		handlers.NewProcessingClient(cfg.ProcessingBaseURL, cfg.ProcessingTimeout), covStore)

	registry := worker.NewRegistry()
	for _, t := range []jobs.JobType{
		jobs.TypeProcessWeek,
		jobs.TypeProcessRadarWeek,
		jobs.TypeProcessWeather,
		jobs.TypeProcessTopography,
		jobs.TypeAlertsWeek,
		jobs.TypeSignalsWeek,
		jobs.TypeForecastWeek,
		jobs.TypeCreateMosaic,
	} {
		registry.MustRegister(t, processing)
	}
	registry.MustRegister(jobs.TypeBackfill,
		handlers.NewBackfill(enqSvc, cfg.BackfillLookbackWeeks))
	registry.MustRegister(jobs.TypeWarmCache,
		handlers.NewWarmCache(rdb, covStore, cfg.CoverageCacheTTL))

	// ---- Runner ----
	runner := worker.NewRunner(jobStore, bridge, registry, worker.Options{
		Streams:     streams,
		Consumer:    hostname(),
		Concurrency: cfg.WorkerConcurrency,
		BatchSize:   int64(cfg.WorkerBatchSize),
		Policy: worker.RetryPolicy{
			DefaultMaxAttempts: cfg.MaxAttempts,
			BaseDelay:          time.Second,
			MaxDelay:           30 * time.Second,
		},
		Timeouts: worker.Timeouts{
			Default: cfg.HandlerTimeout,
			PerType: map[jobs.JobType]time.Duration{
				// Mosaics stitch a whole season and routinely outlive the default.
				jobs.TypeCreateMosaic: 2 * cfg.HandlerTimeout,
			},
		},
		Logger: log.Default(),
	})
	if err := runner.Start(ctx); err != nil {
		log.Fatalf("worker start failed: %v", err)
	}

	// ---- Health server ----
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"worker"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.WorkerAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("worker listening on %s (group=%s consumer=%s)", cfg.WorkerAddr, cfg.ConsumerGroup, hostname())
	log.Fatal(srv.ListenAndServe())
}

func hostname() string {
	h, _ := os.Hostname()
	if h == "" {
		h = "worker"
	}
	return h
}
