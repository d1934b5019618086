package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/croplens/croplens/internal/aoi"
	"github.com/croplens/croplens/internal/api"
	"github.com/croplens/croplens/internal/api/handler"
	"github.com/croplens/croplens/internal/config"
	"github.com/croplens/croplens/internal/coverage"
	"github.com/croplens/croplens/internal/db"
	"github.com/croplens/croplens/internal/enqueue"
	"github.com/croplens/croplens/internal/gaps"
	"github.com/croplens/croplens/internal/jobs"
	"github.com/croplens/croplens/internal/queue"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
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

	// ---- Wiring ----
	jobStore := jobs.NewStore(pool)
	aoiStore := aoi.NewStore(pool)
	covStore := coverage.NewStore(pool)
	bridge := queue.NewBridge(rdb, queue.Streams{
		Dispatch: cfg.DispatchStream,
		Retry:    cfg.RetryStream,
		DLQ:      cfg.DLQStream,
		Group:    cfg.ConsumerGroup,
	})
	enqSvc := enqueue.New(jobStore, bridge, log.Default())
	prov := enqueue.NewProvisioner(pool, aoiStore, jobStore, enqSvc, cfg.BackfillLookbackWeeks)
	detector := gaps.NewDetector(covStore, aoiStore, enqSvc, log.Default())

	router := api.NewRouter(api.Dependencies{
		Health: handler.NewHealth(map[string]handler.Pinger{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}),
		ListJobs:     handler.NewListJobs(jobStore),
		GetJob:       handler.NewGetJob(jobStore),
		RetryJob:     handler.NewRetryJob(jobStore, bridge),
		QueueDepth:   handler.NewQueueDepth(jobStore),
		CreateAOI:    handler.NewCreateAOI(prov),
		MissingWeeks: handler.NewMissingWeeks(aoiStore, detector, cfg.GapWindowWeeks),
		Reprocess: handler.NewReprocess(detector, handler.ReprocessDefaults{
			WindowWeeks:   cfg.GapWindowWeeks,
			ResultLimit:   cfg.GapResultLimit,
			MaxRunsPerAOI: cfg.GapMaxRunsPerAOI,
		}),
	})

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("api listening on %s", cfg.APIAddr)
	log.Fatal(srv.ListenAndServe())
}
