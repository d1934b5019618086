package gaps

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/croplens/croplens/internal/aoi"
	"github.com/croplens/croplens/internal/enqueue"
	"github.com/croplens/croplens/internal/jobs"
)

// CoverageSource reads observed weekly coverage. NO_DATA markers are included
// in the returned set: a processed week with no result is covered, not
// missing.
type CoverageSource interface {
	CoveredWeeks(ctx context.Context, tenantID, aoiID uuid.UUID) ([]jobs.Week, error)
}

// AOISource enumerates AOIs in sweep scope. A nil tenant means all tenants.
type AOISource interface {
	ListRefs(ctx context.Context, tenantID *uuid.UUID) ([]aoi.Ref, error)
}

// Enqueuer is the healing write path. Idempotent by job key, which is what
// makes repeated or concurrent sweeps harmless.
type Enqueuer interface {
	Enqueue(ctx context.Context, p enqueue.Params) (enqueue.Handle, error)
}

type Detector struct {
	coverage CoverageSource
	aois     AOISource
	enq      Enqueuer
	logger   *log.Logger
	now      func() time.Time
}

func NewDetector(cov CoverageSource, aois AOISource, enq Enqueuer, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.Default()
	}
	return &Detector{coverage: cov, aois: aois, enq: enq, logger: logger, now: time.Now}
}

// FindMissingWeeks returns the expected weeks of the window that have no
// coverage marker, ascending so the oldest gaps are healed first.
func (d *Detector) FindMissingWeeks(ctx context.Context, tenantID, aoiID uuid.UUID, windowWeeks int) ([]jobs.Week, error) {
	if windowWeeks <= 0 {
		return nil, fmt.Errorf("gaps: window_weeks must be positive, got %d", windowWeeks)
	}
	covered, err := d.coverage.CoveredWeeks(ctx, tenantID, aoiID)
	if err != nil {
		return nil, fmt.Errorf("gaps: read coverage: %w", err)
	}
	have := make(map[jobs.Week]bool, len(covered))
	for _, w := range covered {
		have[w] = true
	}

	var missing []jobs.Week
	for _, w := range expectedWeeks(d.now(), windowWeeks) {
		if !have[w] {
			missing = append(missing, w)
		}
	}
	return missing, nil
}

// SweepParams bounds one healing sweep. MaxRunsPerAOI caps enqueues per AOI
// and ResultLimit caps the whole sweep, so a long outage cannot resubmit
// thousands of jobs in one pass; the next scheduled sweep picks up the rest.
type SweepParams struct {
	TenantID      *uuid.UUID // nil sweeps every tenant (operator only)
	WindowWeeks   int
	ResultLimit   int
	MaxRunsPerAOI int
}

type SweepResult struct {
	AOIsScanned  int  `json:"aois_scanned"`
	JobsEnqueued int  `json:"jobs_enqueued"`
	JobsCreated  int  `json:"jobs_created"`
	Truncated    bool `json:"truncated"`
}

// ReprocessMissingWeeks enqueues one healing job per missing (aoi, week),
// oldest weeks first, within the sweep bounds.
func (d *Detector) ReprocessMissingWeeks(ctx context.Context, p SweepParams) (SweepResult, error) {
	var res SweepResult
	if p.WindowWeeks <= 0 {
		return res, fmt.Errorf("gaps: window_weeks must be positive, got %d", p.WindowWeeks)
	}
	if p.ResultLimit <= 0 || p.MaxRunsPerAOI <= 0 {
		return res, fmt.Errorf("gaps: result_limit and max_runs_per_aoi must be positive")
	}

	refs, err := d.aois.ListRefs(ctx, p.TenantID)
	if err != nil {
		return res, fmt.Errorf("gaps: list aois: %w", err)
	}

	for _, ref := range refs {
		if res.JobsEnqueued >= p.ResultLimit {
			res.Truncated = true
			break
		}
		res.AOIsScanned++

		missing, err := d.FindMissingWeeks(ctx, ref.TenantID, ref.ID, p.WindowWeeks)
		if err != nil {
			// One broken AOI must not abort the sweep.
			d.logger.Printf("sweep: aoi %s: %v", ref.ID, err)
			continue
		}

		perAOI := 0
		for _, week := range missing {
			if perAOI >= p.MaxRunsPerAOI {
				break
			}
			if res.JobsEnqueued >= p.ResultLimit {
				res.Truncated = true
				break
			}
			h, err := d.enq.Enqueue(ctx, enqueue.Params{
				TenantID: ref.TenantID,
				AOIID:    &ref.ID,
				Type:     jobs.TypeProcessWeek,
				Payload:  jobs.WeekPayload(week),
			})
			if err != nil {
				d.logger.Printf("sweep: enqueue %s %s: %v", ref.ID, week, err)
				continue
			}
			perAOI++
			res.JobsEnqueued++
			if h.Created {
				res.JobsCreated++
			}
		}
	}
	return res, nil
}
