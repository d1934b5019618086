package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/croplens/croplens/internal/aoi"
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
	detector := gaps.NewDetector(covStore, aoiStore, enqSvc, log.Default())

	// ---- Leader election ----
	elect := queue.NewElector(rdb, cfg.LeaderKey, cfg.LeaderTTL, hostname())
	elect.Start(ctx)
	defer elect.Stop()

	sw := &sweeper{
		cfg:      cfg,
		store:    jobStore,
		enq:      enqSvc,
		detector: detector,
		bridge:   bridge,
		elect:    elect,
		logger:   log.Default(),
	}

	// ---- Schedules ----
	c := cron.New()
	mustSchedule(c, cfg.DispatchSweepCron, func() { sw.dispatchSweep(ctx) })
	mustSchedule(c, cfg.ReclaimSweepCron, func() { sw.reclaimSweep(ctx) })
	mustSchedule(c, cfg.GapSweepCron, func() { sw.gapSweep(ctx) })
	c.Start()
	defer c.Stop()

	// ---- Health server ----
	var roleCache atomic.Value
	roleCache.Store("follower")
	go func() {
		for {
			if elect.IsLeader() {
				roleCache.Store("leader")
			} else {
				roleCache.Store("follower")
			}
			time.Sleep(1 * time.Second)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"sweeper"}`))
	})
	mux.HandleFunc("/role", func(w http.ResponseWriter, r *http.Request) {
		role := roleCache.Load().(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`"` + role + `"`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.SweeperAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("sweeper listening on %s", cfg.SweeperAddr)
	log.Fatal(srv.ListenAndServe())
}

type sweeper struct {
	cfg      config.Config
	store    *jobs.Store
	enq      *enqueue.Service
	detector *gaps.Detector
	bridge   *queue.Bridge
	elect    *queue.Elector
	logger   *log.Logger
}

// dispatchSweep re-publishes pointers for PENDING jobs that outlived the
// dispatch timeout. This is the lost-message recovery path: any pointer that
// never reached the queue, or got dropped by it, comes back through here.
func (s *sweeper) dispatchSweep(ctx context.Context) {
	if !s.elect.IsLeader() {
		return
	}
	_, err := s.store.WithSweepLock(ctx, "dispatch-sweep", func(tx *jobs.Store) error {
		published, err := enqueue.New(tx, s.bridge, s.logger).DispatchSweep(ctx, s.cfg.DispatchTimeout, 500)
		if err != nil {
			return err
		}
		if published > 0 {
			s.logger.Printf("dispatch sweep: republished %d jobs", published)
		}
		return nil
	})
	if err != nil {
		s.logger.Printf("dispatch sweep failed: %v", err)
	}
}

// reclaimSweep returns jobs stuck RUNNING past the stale threshold to
// PENDING, abandons their open runs, and re-publishes their pointers after
// the transaction commits.
func (s *sweeper) reclaimSweep(ctx context.Context) {
	if !s.elect.IsLeader() {
		return
	}
	var reclaimed []jobs.Job
	ran, err := s.store.WithSweepLock(ctx, "reclaim-sweep", func(tx *jobs.Store) error {
		var err error
		reclaimed, err = tx.ReclaimStale(ctx, s.cfg.StaleClaimAfter, 200)
		return err
	})
	if err != nil {
		s.logger.Printf("reclaim sweep failed: %v", err)
		return
	}
	if !ran {
		return
	}
	// Rows are committed PENDING; publish their pointers now.
	for _, j := range reclaimed {
		if err := s.bridge.Publish(ctx, j.TenantID, j.ID); err != nil {
			s.logger.Printf("reclaim sweep: publish job_id=%s: %v", j.ID, err)
		}
	}
	if len(reclaimed) > 0 {
		s.logger.Printf("reclaim sweep: reclaimed %d stale jobs", len(reclaimed))
	}
}

// gapSweep runs the bounded all-tenant healing pass.
func (s *sweeper) gapSweep(ctx context.Context) {
	if !s.elect.IsLeader() {
		return
	}
	res, err := s.detector.ReprocessMissingWeeks(ctx, gaps.SweepParams{
		WindowWeeks:   s.cfg.GapWindowWeeks,
		ResultLimit:   s.cfg.GapResultLimit,
		MaxRunsPerAOI: s.cfg.GapMaxRunsPerAOI,
	})
	if err != nil {
		s.logger.Printf("gap sweep failed: %v", err)
		return
	}
	s.logger.Printf("gap sweep: aois=%d enqueued=%d created=%d truncated=%t",
		res.AOIsScanned, res.JobsEnqueued, res.JobsCreated, res.Truncated)
}

func mustSchedule(c *cron.Cron, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		log.Fatalf("bad cron spec %q: %v", spec, err)
	}
}

func hostname() string {
	h, _ := os.Hostname()
	if h == "" {
		h = "sweeper"
	}
	return h
}
