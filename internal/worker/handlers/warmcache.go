package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/croplens/croplens/internal/jobs"
	"github.com/croplens/croplens/internal/worker"
)

// CoverageReader lists the processed weeks of an AOI.
type CoverageReader interface {
	CoveredWeeks(ctx context.Context, tenantID, aoiID uuid.UUID) ([]jobs.Week, error)
}

// WarmCache precomputes an AOI's coverage summary into Redis so the query API
// answers missing-week lookups without touching Postgres. The cached value is
// advisory; a miss falls through to the database.
type WarmCache struct {
	RDB      *redis.Client
	Coverage CoverageReader
	TTL      time.Duration
}

func NewWarmCache(rdb *redis.Client, cov CoverageReader, ttl time.Duration) *WarmCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &WarmCache{RDB: rdb, Coverage: cov, TTL: ttl}
}

func coverageCacheKey(tenantID, aoiID uuid.UUID) string {
	return fmt.Sprintf("coverage:%s:%s", tenantID, aoiID)
}

type coverageSummary struct {
	Weeks      []string  `json:"weeks"`
	ComputedAt time.Time `json:"computed_at"`
}

func (h *WarmCache) Handle(ctx context.Context, job jobs.Job) worker.Outcome {
	if job.AOIID == nil {
		return worker.Fail(fmt.Errorf("warm cache: job %s has no aoi", job.ID), false)
	}

	weeks, err := h.Coverage.CoveredWeeks(ctx, job.TenantID, *job.AOIID)
	if err != nil {
		return worker.Fail(fmt.Errorf("warm cache: read coverage: %w", err), true)
	}

	summary := coverageSummary{ComputedAt: time.Now().UTC()}
	for _, w := range weeks {
		summary.Weeks = append(summary.Weeks, w.String())
	}
	b, err := json.Marshal(summary)
	if err != nil {
		return worker.Fail(fmt.Errorf("warm cache: marshal summary: %w", err), false)
	}

	key := coverageCacheKey(job.TenantID, *job.AOIID)
	if err := h.RDB.Set(ctx, key, b, h.TTL).Err(); err != nil {
		return worker.Fail(fmt.Errorf("warm cache: set %s: %w", key, err), true)
	}
	return worker.Done(map[string]any{"weeks_cached": len(weeks)})
}
