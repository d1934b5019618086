// Package coverage reads and writes derived-completion markers: one row per
// (tenant, aoi, year, week) saying whether processed data exists for that
// week. The orchestrator never computes the data itself; handlers upsert
// markers keyed by the same tuple as the job key, which is what makes
// re-execution after a crash idempotent.
package coverage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/croplens/croplens/internal/jobs"
)

// State classifies a week for one AOI.
type State string

const (
	// Present: derived data exists.
	Present State = "present"
	// NoData: processed, legitimately nothing to store (e.g. full cloud
	// cover). Counts as covered for gap detection.
	NoData State = "no_data"
	// Absent: never processed. The gap detector targets these.
	Absent State = "absent"
)

type Marker struct {
	TenantID    uuid.UUID
	AOIID       uuid.UUID
	Week        jobs.Week
	Kind        State
	SourceJobID *uuid.UUID
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Upsert records a completion marker. A re-run may flip no_data to present
// (a later pass found usable scenes) and vice versa; last write wins.
func (s *Store) Upsert(ctx context.Context, m Marker) error {
	if m.Kind != Present && m.Kind != NoData {
		return fmt.Errorf("coverage: cannot persist state %q", m.Kind)
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO aoi_coverage (tenant_id, aoi_id, year, week, kind, source_job_id)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (tenant_id, aoi_id, year, week) DO UPDATE SET
    kind = EXCLUDED.kind,
    source_job_id = EXCLUDED.source_job_id,
    updated_at = now()`,
		m.TenantID, m.AOIID, m.Week.Year, m.Week.Week, m.Kind, m.SourceJobID)
	if err != nil {
		return fmt.Errorf("upsert coverage: %w", err)
	}
	return nil
}

// Get reports the completion state of one week.
func (s *Store) Get(ctx context.Context, tenantID, aoiID uuid.UUID, w jobs.Week) (State, error) {
	var kind State
	err := s.pool.QueryRow(ctx, `
SELECT kind FROM aoi_coverage
WHERE tenant_id = $1 AND aoi_id = $2 AND year = $3 AND week = $4`,
		tenantID, aoiID, w.Year, w.Week).Scan(&kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return Absent, nil
	}
	if err != nil {
		return Absent, fmt.Errorf("get coverage: %w", err)
	}
	return kind, nil
}

// CoveredWeeks returns every week with a marker (present or no_data) for the
// AOI, ascending. NoData markers count as covered: the week was processed,
// there is just no result to show.
func (s *Store) CoveredWeeks(ctx context.Context, tenantID, aoiID uuid.UUID) ([]jobs.Week, error) {
	rows, err := s.pool.Query(ctx, `
SELECT year, week FROM aoi_coverage
WHERE tenant_id = $1 AND aoi_id = $2
ORDER BY year ASC, week ASC`, tenantID, aoiID)
	if err != nil {
		return nil, fmt.Errorf("covered weeks: %w", err)
	}
	defer rows.Close()

	var out []jobs.Week
	for rows.Next() {
		var w jobs.Week
		if err := rows.Scan(&w.Year, &w.Week); err != nil {
			return nil, fmt.Errorf("scan covered week: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
