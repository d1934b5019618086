package enqueue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/croplens/croplens/internal/aoi"
	"github.com/croplens/croplens/internal/jobs"
)

// Provisioner creates an AOI and its backfill fan-out in one transaction, so
// an AOI never exists without its lookback jobs committed alongside it.
// Pointers are published only after commit.
type Provisioner struct {
	pool     *pgxpool.Pool
	aois     *aoi.Store
	jobs     *jobs.Store
	svc      *Service
	lookback int
}

func NewProvisioner(pool *pgxpool.Pool, aois *aoi.Store, jobStore *jobs.Store, svc *Service, lookbackWeeks int) *Provisioner {
	if lookbackWeeks <= 0 {
		lookbackWeeks = 8
	}
	return &Provisioner{pool: pool, aois: aois, jobs: jobStore, svc: svc, lookback: lookbackWeeks}
}

// CreateWithBackfill provisions the AOI row and enqueues one job per
// (completed week, backfill type) atomically. Returns the AOI and the number
// of jobs created.
func (p *Provisioner) CreateWithBackfill(ctx context.Context, tenantID uuid.UUID, name string, lookbackWeeks int) (*aoi.AOI, int, error) {
	if name == "" {
		return nil, 0, fmt.Errorf("provision: name is required")
	}
	if lookbackWeeks <= 0 {
		lookbackWeeks = p.lookback
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("provision: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	a, err := p.aois.WithTx(tx).Create(ctx, tenantID, name)
	if err != nil {
		return nil, 0, err
	}
	handles, err := p.svc.BackfillWith(ctx, p.jobs.WithTx(tx), tenantID, a.ID, lookbackWeeks)
	if err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("provision: commit: %w", err)
	}

	// Rows are durable now; publish failures fall to the dispatch sweep.
	p.svc.Dispatch(ctx, handles...)

	created := 0
	for _, h := range handles {
		if h.Created {
			created++
		}
	}
	return a, created, nil
}
