package handlers

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/croplens/croplens/internal/jobs"
	"github.com/croplens/croplens/internal/worker"
)

// Backfiller is the fan-out surface of the enqueue service.
type Backfiller interface {
	TriggerBackfill(ctx context.Context, tenantID, aoiID uuid.UUID, lookbackWeeks int) (int, error)
}

// Backfill handles BACKFILL jobs: one control job that fans out the weekly
// processing jobs for an AOI's lookback window. Fan-out is idempotent, so a
// crashed backfill simply re-runs.
type Backfill struct {
	Enqueuer        Backfiller
	DefaultLookback int
}

func NewBackfill(enq Backfiller, defaultLookback int) *Backfill {
	if defaultLookback <= 0 {
		defaultLookback = 8
	}
	return &Backfill{Enqueuer: enq, DefaultLookback: defaultLookback}
}

func (h *Backfill) Handle(ctx context.Context, job jobs.Job) worker.Outcome {
	if job.AOIID == nil {
		return worker.Fail(fmt.Errorf("backfill: job %s has no aoi", job.ID), false)
	}
	lookback := h.DefaultLookback
	if n, ok := asInt(job.Payload["lookback_weeks"]); ok {
		if n <= 0 {
			return worker.Fail(fmt.Errorf("backfill: lookback_weeks %d out of range", n), false)
		}
		lookback = n
	}

	created, err := h.Enqueuer.TriggerBackfill(ctx, job.TenantID, *job.AOIID, lookback)
	if err != nil {
		return worker.Fail(fmt.Errorf("backfill fan-out: %w", err), true)
	}
	return worker.Done(map[string]any{
		"lookback_weeks": lookback,
		"jobs_created":   created,
	})
}
