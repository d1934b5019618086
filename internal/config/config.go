// Package config loads service configuration from the environment. Required
// values fail Load; everything else has a default that works in the compose
// setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL string
	RedisURL    string

	// Processing subsystem the weekly handlers call out to.
	ProcessingBaseURL string
	ProcessingTimeout time.Duration

	// Stream topology.
	DispatchStream string
	RetryStream    string
	DLQStream      string
	ConsumerGroup  string

	// Worker loop.
	WorkerConcurrency int
	WorkerBatchSize   int
	MaxAttempts       int
	HandlerTimeout    time.Duration

	// Backfill fan-out.
	BackfillLookbackWeeks int

	// Sweeper.
	DispatchSweepCron string
	ReclaimSweepCron  string
	GapSweepCron      string
	DispatchTimeout   time.Duration
	StaleClaimAfter   time.Duration
	GapWindowWeeks    int
	GapResultLimit    int
	GapMaxRunsPerAOI  int
	LeaderKey         string
	LeaderTTL         time.Duration

	// HTTP.
	APIAddr     string
	WorkerAddr  string
	SweeperAddr string

	// Cache.
	CoverageCacheTTL time.Duration
}

// Load reads the environment. The returned error names every missing
// required variable so a broken deployment fails once, loudly.
func Load() (Config, error) {
	c := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          getenv("REDIS_URL", "redis://localhost:6379/0"),
		ProcessingBaseURL: os.Getenv("PROCESSING_BASE_URL"),
		ProcessingTimeout: getdur("PROCESSING_TIMEOUT", 10*time.Minute),

		DispatchStream: getenv("STREAM_DISPATCH", "jobs:dispatch"),
		RetryStream:    getenv("STREAM_RETRY", "jobs:retry"),
		DLQStream:      getenv("STREAM_DLQ", "jobs:dlq"),
		ConsumerGroup:  getenv("CONSUMER_GROUP", "cg:workers"),

		WorkerConcurrency: getint("WORKER_CONCURRENCY", 4),
		WorkerBatchSize:   getint("WORKER_BATCH_SIZE", 16),
		MaxAttempts:       getint("MAX_ATTEMPTS", 3),
		HandlerTimeout:    getdur("HANDLER_TIMEOUT", 10*time.Minute),

		BackfillLookbackWeeks: getint("BACKFILL_LOOKBACK_WEEKS", 8),

		DispatchSweepCron: getenv("DISPATCH_SWEEP_CRON", "* * * * *"),
		ReclaimSweepCron:  getenv("RECLAIM_SWEEP_CRON", "*/5 * * * *"),
		GapSweepCron:      getenv("GAP_SWEEP_CRON", "0 3 * * *"),
		DispatchTimeout:   getdur("DISPATCH_TIMEOUT", time.Minute),
		StaleClaimAfter:   getdur("STALE_CLAIM_AFTER", 15*time.Minute),
		GapWindowWeeks:    getint("GAP_WINDOW_WEEKS", 8),
		GapResultLimit:    getint("GAP_RESULT_LIMIT", 500),
		GapMaxRunsPerAOI:  getint("GAP_MAX_RUNS_PER_AOI", 8),
		LeaderKey:         getenv("LEADER_KEY", "sweeper:leader"),
		LeaderTTL:         getdur("LEADER_TTL", 10*time.Second),

		APIAddr:     getenv("API_ADDR", ":8080"),
		WorkerAddr:  getenv("WORKER_ADDR", ":8082"),
		SweeperAddr: getenv("SWEEPER_ADDR", ":8081"),

		CoverageCacheTTL: getdur("COVERAGE_CACHE_TTL", time.Hour),
	}

	if c.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: missing required env: DATABASE_URL")
	}
	return c, nil
}

// RequireProcessing is the extra check for services that call the processing
// subsystem; the API and sweeper do not need it.
func (c Config) RequireProcessing() error {
	if c.ProcessingBaseURL == "" {
		return fmt.Errorf("config: missing required env: PROCESSING_BASE_URL")
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getdur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
