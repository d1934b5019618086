package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const runCols = `id, tenant_id, job_id, attempt, status, metrics, error, started_at, finished_at`

// StartRun appends the next attempt to the run ledger. The attempt number is
// derived from the ledger itself, not an in-memory counter, so numbering
// survives restarts. Only the worker holding the claim may call this, which
// is what keeps at most one run in flight per job.
func (s *Store) StartRun(ctx context.Context, tenantID, jobID uuid.UUID) (*JobRun, error) {
	q := `
INSERT INTO job_runs (tenant_id, job_id, attempt, status)
SELECT $1, $2, COALESCE(MAX(attempt), 0) + 1, 'running'
FROM job_runs WHERE tenant_id = $1 AND job_id = $2
RETURNING ` + runCols
	r, err := scanRun(s.db.QueryRow(ctx, q, tenantID, jobID))
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return r, nil
}

type FinishRunParams struct {
	TenantID uuid.UUID
	RunID    int64
	Status   RunStatus
	Metrics  map[string]any
	Error    map[string]any
}

// FinishRun finalizes an in-flight attempt. It is a no-op returning
// ErrNotFound if the run was already finalized (e.g. abandoned by a reclaim
// sweep racing a slow handler).
func (s *Store) FinishRun(ctx context.Context, p FinishRunParams) error {
	metricsJSON, err := nullableJSON(p.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	errJSON, err := nullableJSON(p.Error)
	if err != nil {
		return fmt.Errorf("marshal error detail: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE job_runs
SET status = $3, metrics = $4::jsonb, error = $5::jsonb, finished_at = now()
WHERE id = $1 AND tenant_id = $2 AND finished_at IS NULL`,
		p.RunID, p.TenantID, p.Status, metricsJSON, errJSON)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRuns returns how many attempts the job has accumulated. The retry
// policy reads this instead of trusting message metadata.
func (s *Store) CountRuns(ctx context.Context, tenantID, jobID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_runs WHERE tenant_id = $1 AND job_id = $2`, tenantID, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// ListRuns returns the attempt history for a job, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID, jobID uuid.UUID, limit int) ([]JobRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
SELECT `+runCols+` FROM job_runs
WHERE tenant_id = $1 AND job_id = $2
ORDER BY attempt DESC
LIMIT $3`, tenantID, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		var r JobRun
		var metricsRaw, errRaw []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.JobID, &r.Attempt, &r.Status,
			&metricsRaw, &errRaw, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		_ = json.Unmarshal(metricsRaw, &r.Metrics)
		_ = json.Unmarshal(errRaw, &r.Error)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*JobRun, error) {
	var r JobRun
	var metricsRaw, errRaw []byte
	if err := row.Scan(&r.ID, &r.TenantID, &r.JobID, &r.Attempt, &r.Status,
		&metricsRaw, &errRaw, &r.StartedAt, &r.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(metricsRaw, &r.Metrics)
	_ = json.Unmarshal(errRaw, &r.Error)
	return &r, nil
}

func nullableJSON(m map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
