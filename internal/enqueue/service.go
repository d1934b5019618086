// Package enqueue turns domain events into job rows and pointer messages.
// The ordering invariant lives here: the job row commits before its pointer
// is published, and a periodic sweep re-publishes anything that stayed
// PENDING past the dispatch timeout, which is the only lost-message recovery
// path the system needs.
package enqueue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/croplens/croplens/internal/jobs"
)

// Creator is the narrow store surface Enqueue writes through. A transaction-
// scoped store satisfies it too, which is how AOI creation and its backfill
// fan-out share one transaction.
type Creator interface {
	CreateJob(ctx context.Context, p jobs.CreateJobParams) (*jobs.Job, bool, error)
}

// Store adds the sweep read to Creator.
type Store interface {
	Creator
	ListUndispatched(ctx context.Context, olderThan time.Duration, limit int) ([]jobs.Job, error)
}

// Publisher pushes a pointer message after the row is durable.
type Publisher interface {
	Publish(ctx context.Context, tenantID, jobID uuid.UUID) error
}

type Params struct {
	TenantID uuid.UUID
	AOIID    *uuid.UUID
	Type     jobs.JobType
	Payload  map[string]any
}

// Handle identifies the job an enqueue call resolved to, whether it created
// the row or found a pre-existing one.
type Handle struct {
	JobID    uuid.UUID `json:"job_id"`
	TenantID uuid.UUID `json:"tenant_id"`
	JobKey   string    `json:"job_key"`
	Created  bool      `json:"created"`
}

type Service struct {
	store  Store
	pub    Publisher
	logger *log.Logger
	now    func() time.Time
}

func New(store Store, pub Publisher, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: store, pub: pub, logger: logger, now: time.Now}
}

// Enqueue inserts the job in its own transaction and publishes its pointer.
// A publish failure is logged, not returned: the row is durable and the
// dispatch sweep will deliver it.
func (s *Service) Enqueue(ctx context.Context, p Params) (Handle, error) {
	h, err := s.enqueueWith(ctx, s.store, p)
	if err != nil {
		return Handle{}, err
	}
	if h.Created {
		s.Dispatch(ctx, h)
	}
	return h, nil
}

// EnqueueWith inserts through c (typically a tx-scoped store) without
// publishing. Call Dispatch with the returned handles after commit.
func (s *Service) EnqueueWith(ctx context.Context, c Creator, p Params) (Handle, error) {
	return s.enqueueWith(ctx, c, p)
}

func (s *Service) enqueueWith(ctx context.Context, c Creator, p Params) (Handle, error) {
	if !p.Type.Valid() {
		return Handle{}, fmt.Errorf("enqueue: unknown job type %q", p.Type)
	}
	key, err := jobs.ComputeJobKey(p.TenantID, p.AOIID, p.Type, p.Payload)
	if err != nil {
		return Handle{}, fmt.Errorf("enqueue: compute job key: %w", err)
	}
	j, created, err := c.CreateJob(ctx, jobs.CreateJobParams{
		TenantID: p.TenantID,
		AOIID:    p.AOIID,
		Type:     p.Type,
		JobKey:   key,
		Payload:  p.Payload,
	})
	if err != nil {
		return Handle{}, err
	}
	return Handle{JobID: j.ID, TenantID: j.TenantID, JobKey: j.JobKey, Created: created}, nil
}

// Dispatch publishes pointers for created handles. Failures are logged and
// left to the dispatch sweep.
func (s *Service) Dispatch(ctx context.Context, handles ...Handle) {
	for _, h := range handles {
		if !h.Created {
			continue
		}
		if err := s.pub.Publish(ctx, h.TenantID, h.JobID); err != nil {
			s.logger.Printf("publish failed job_id=%s (sweep will redeliver): %v", h.JobID, err)
		}
	}
}

// TriggerBackfill fans out one job per (week, backfill type) over the last
// lookbackWeeks completed ISO weeks. Idempotent: re-triggering produces only
// no-op enqueues.
func (s *Service) TriggerBackfill(ctx context.Context, tenantID, aoiID uuid.UUID, lookbackWeeks int) (int, error) {
	handles, err := s.BackfillWith(ctx, s.store, tenantID, aoiID, lookbackWeeks)
	if err != nil {
		return 0, err
	}
	s.Dispatch(ctx, handles...)
	created := 0
	for _, h := range handles {
		if h.Created {
			created++
		}
	}
	return created, nil
}

// BackfillWith is the fan-out body, insert-only, for callers holding a
// transaction.
func (s *Service) BackfillWith(ctx context.Context, c Creator, tenantID, aoiID uuid.UUID, lookbackWeeks int) ([]Handle, error) {
	if lookbackWeeks <= 0 {
		return nil, fmt.Errorf("enqueue: lookback_weeks must be positive, got %d", lookbackWeeks)
	}
	now := s.now().UTC()
	var handles []Handle
	for i := 1; i <= lookbackWeeks; i++ {
		week := jobs.WeekOf(now.AddDate(0, 0, -7*i))
		for _, t := range jobs.BackfillTypes {
			h, err := s.enqueueWith(ctx, c, Params{
				TenantID: tenantID,
				AOIID:    &aoiID,
				Type:     t,
				Payload:  jobs.WeekPayload(week),
			})
			if err != nil {
				return handles, fmt.Errorf("backfill %s %s: %w", t, week, err)
			}
			handles = append(handles, h)
		}
	}
	return handles, nil
}

// DispatchSweep re-publishes every PENDING job older than olderThan. Safe to
// run concurrently with normal traffic: duplicate pointers are deduplicated
// by the claim.
func (s *Service) DispatchSweep(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.store.ListUndispatched(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, j := range stale {
		if err := s.pub.Publish(ctx, j.TenantID, j.ID); err != nil {
			s.logger.Printf("sweep publish failed job_id=%s: %v", j.ID, err)
			continue
		}
		published++
	}
	return published, nil
}
