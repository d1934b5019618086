package jobs

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change would violate the
	// job state machine, e.g. retrying a job that is not FAILED.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DB is the subset of pgxpool.Pool and pgx.Tx the store needs, so the same
// queries run standalone or inside a caller-owned transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the single source of truth for job existence and status.
type Store struct {
	pool *pgxpool.Pool
	db   DB
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx returns a view of the store that runs every query on tx. The claim
// and sweep helpers still need the pool and must not be used on the result.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{pool: s.pool, db: tx}
}

const jobCols = `id, tenant_id, aoi_id, job_type, job_key, status, payload, error_message, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var payloadRaw []byte
	if err := row.Scan(&j.ID, &j.TenantID, &j.AOIID, &j.Type, &j.JobKey, &j.Status,
		&payloadRaw, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(payloadRaw, &j.Payload)
	return &j, nil
}

type CreateJobParams struct {
	TenantID uuid.UUID
	AOIID    *uuid.UUID
	Type     JobType
	JobKey   string
	Payload  map[string]any
}

// CreateJob inserts a PENDING job, relying on the unique (tenant_id, job_key)
// constraint for idempotency. On conflict it returns the pre-existing row and
// created=false instead of an error: enqueue must be idempotent by
// construction, not by inspection.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (*Job, bool, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}
	q := `
INSERT INTO jobs (id, tenant_id, aoi_id, job_type, job_key, status, payload)
VALUES ($1, $2, $3, $4, $5, 'PENDING', $6::jsonb)
ON CONFLICT (tenant_id, job_key) DO NOTHING
RETURNING ` + jobCols
	j, err := scanJob(s.db.QueryRow(ctx, q, uuid.New(), p.TenantID, p.AOIID, p.Type, p.JobKey, string(payloadJSON)))
	if err == nil {
		return j, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	existing, err := s.GetJobByKey(ctx, p.TenantID, p.JobKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE id = $1 AND tenant_id = $2`, jobID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) GetJobByKey(ctx context.Context, tenantID uuid.UUID, jobKey string) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE tenant_id = $1 AND job_key = $2`, tenantID, jobKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by key: %w", err)
	}
	return j, nil
}

// ClaimJob performs the atomic PENDING -> RUNNING transition. Exactly one
// concurrent claimant succeeds; everyone else sees claimed=false and must
// acknowledge the message without side effects. This single conditional
// update is the mutual-exclusion primitive of the whole claim loop.
func (s *Store) ClaimJob(ctx context.Context, tenantID, jobID uuid.UUID) (*Job, bool, error) {
	q := `
UPDATE jobs SET status = 'RUNNING', updated_at = now()
WHERE id = $1 AND tenant_id = $2 AND status = 'PENDING'
RETURNING ` + jobCols
	j, err := scanJob(s.db.QueryRow(ctx, q, jobID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	return j, true, nil
}

// FinishJob moves a RUNNING job to a terminal status. errMsg is recorded only
// for FAILED; a successful completion clears any error left by a prior
// attempt.
func (s *Store) FinishJob(ctx context.Context, tenantID, jobID uuid.UUID, status Status, errMsg *string) error {
	if !CanTransition(StatusRunning, status) || status == StatusPending {
		return ErrInvalidTransition
	}
	if status != StatusFailed {
		errMsg = nil
	}
	tag, err := s.db.Exec(ctx, `
UPDATE jobs SET status = $3, error_message = $4, updated_at = now()
WHERE id = $1 AND tenant_id = $2 AND status = 'RUNNING'`,
		jobID, tenantID, status, errMsg)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseForRetry returns a RUNNING job to PENDING so it can be claimed again
// after the backoff delay. The last error lives in the run ledger, not here.
func (s *Store) ReleaseForRetry(ctx context.Context, tenantID, jobID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
UPDATE jobs SET status = 'PENDING', updated_at = now()
WHERE id = $1 AND tenant_id = $2 AND status = 'RUNNING'`, jobID, tenantID)
	if err != nil {
		return fmt.Errorf("release for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryFailed re-enters a terminally FAILED job into PENDING on explicit
// operator request, preserving its run history.
func (s *Store) RetryFailed(ctx context.Context, tenantID, jobID uuid.UUID) (*Job, error) {
	q := `
UPDATE jobs SET status = 'PENDING', updated_at = now()
WHERE id = $1 AND tenant_id = $2 AND status = 'FAILED'
RETURNING ` + jobCols
	j, err := scanJob(s.db.QueryRow(ctx, q, jobID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetJob(ctx, tenantID, jobID); gerr != nil {
			return nil, gerr
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("retry failed job: %w", err)
	}
	return j, nil
}

// ReclaimStale resets jobs stuck RUNNING longer than staleAfter back to
// PENDING and abandons their open runs, so a worker crash never strands work.
// The returned jobs must be re-published by the caller.
func (s *Store) ReclaimStale(ctx context.Context, staleAfter time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 200
	}
	q := `
WITH stale AS (
    SELECT id, tenant_id FROM jobs
    WHERE status = 'RUNNING' AND updated_at < now() - ($1 * interval '1 second')
    ORDER BY updated_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
), abandoned AS (
    UPDATE job_runs r
    SET status = 'abandoned', finished_at = now(),
        error = jsonb_build_object('message', 'stale claim reclaimed')
    FROM stale s
    WHERE r.job_id = s.id AND r.tenant_id = s.tenant_id AND r.finished_at IS NULL
)
UPDATE jobs j SET status = 'PENDING', updated_at = now()
FROM stale s WHERE j.id = s.id
RETURNING ` + prefixCols("j", jobCols)
	rows, err := s.db.Query(ctx, q, staleAfter.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListUndispatched returns PENDING jobs that have not transitioned for longer
// than the dispatch timeout. These are jobs whose pointer message was lost
// (publish failed after commit, queue dropped it past dead-letter, etc.); the
// dispatch sweep re-publishes them.
func (s *Store) ListUndispatched(ctx context.Context, olderThan time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx, `
SELECT `+jobCols+` FROM jobs
WHERE status = 'PENDING' AND updated_at < now() - ($1 * interval '1 second')
ORDER BY updated_at ASC
LIMIT $2`, olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("list undispatched: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

type JobFilter struct {
	TenantID uuid.UUID
	AOIID    *uuid.UUID
	Status   Status
	Type     JobType
	From     time.Time
	To       time.Time
	Page     int
	Limit    int
}

// ListJobs returns a filtered page of jobs plus the total match count.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	argIdx := 2

	if f.AOIID != nil {
		conditions = append(conditions, fmt.Sprintf("aoi_id = $%d", argIdx))
		args = append(args, *f.AOIID)
		argIdx++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, f.Status)
		argIdx++
	}
	if f.Type != "" {
		conditions = append(conditions, fmt.Sprintf("job_type = $%d", argIdx))
		args = append(args, f.Type)
		argIdx++
	}
	if !f.From.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, f.From)
		argIdx++
	}
	if !f.To.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, f.To)
		argIdx++
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobCols, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	out, err := collectJobs(rows)
	return out, total, err
}

type DepthRow struct {
	Type   JobType `json:"job_type"`
	Status Status  `json:"status"`
	Count  int64   `json:"count"`
}

// QueueDepth aggregates job counts by (job_type, status). A nil tenant scopes
// across all tenants (operator view).
func (s *Store) QueueDepth(ctx context.Context, tenantID *uuid.UUID) ([]DepthRow, error) {
	q := `SELECT job_type, status, COUNT(*) FROM jobs GROUP BY 1, 2 ORDER BY 1, 2`
	args := []any{}
	if tenantID != nil {
		q = `SELECT job_type, status, COUNT(*) FROM jobs WHERE tenant_id = $1 GROUP BY 1, 2 ORDER BY 1, 2`
		args = append(args, *tenantID)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()

	var out []DepthRow
	for rows.Next() {
		var d DepthRow
		if err := rows.Scan(&d.Type, &d.Status, &d.Count); err != nil {
			return nil, fmt.Errorf("scan depth row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// WithSweepLock runs fn inside a transaction holding a pg advisory lock named
// by name. If another process holds the lock the sweep is skipped and
// (false, nil) is returned, so overlapping sweeps never double-process.
func (s *Store) WithSweepLock(ctx context.Context, name string, fn func(*Store) error) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, hashToLockKey(name)).Scan(&locked); err != nil {
		return false, err
	}
	if !locked {
		return false, nil
	}
	if err := fn(s.WithTx(tx)); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// hashToLockKey maps a sweep name onto the signed 64-bit advisory lock space.
func hashToLockKey(s string) int64 {
	h := sha1.Sum([]byte(s))
	return int64(binary.BigEndian.Uint64(h[0:8]))
}

func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		var j Job
		var payloadRaw []byte
		if err := rows.Scan(&j.ID, &j.TenantID, &j.AOIID, &j.Type, &j.JobKey, &j.Status,
			&payloadRaw, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		_ = json.Unmarshal(payloadRaw, &j.Payload)
		out = append(out, j)
	}
	return out, rows.Err()
}
