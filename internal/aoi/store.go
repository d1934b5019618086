// Package aoi reads and writes the minimal slice of the AOI business entity
// the orchestrator touches: identity, owning tenant, and creation time.
package aoi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("aoi not found")

type AOI struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref is the (tenant, aoi) pair sweep scans iterate over.
type Ref struct {
	ID       uuid.UUID
	TenantID uuid.UUID
}

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DB
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{db: pool} }

// WithTx returns a view of the store running on tx, so AOI creation and the
// backfill enqueue can share one transaction.
func (s *Store) WithTx(tx pgx.Tx) *Store { return &Store{db: tx} }

func (s *Store) Create(ctx context.Context, tenantID uuid.UUID, name string) (*AOI, error) {
	var a AOI
	err := s.db.QueryRow(ctx, `
INSERT INTO aois (id, tenant_id, name)
VALUES ($1, $2, $3)
RETURNING id, tenant_id, name, created_at`, uuid.New(), tenantID, name).
		Scan(&a.ID, &a.TenantID, &a.Name, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create aoi: %w", err)
	}
	return &a, nil
}

func (s *Store) Get(ctx context.Context, tenantID, id uuid.UUID) (*AOI, error) {
	var a AOI
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, name, created_at FROM aois WHERE id = $1 AND tenant_id = $2`,
		id, tenantID).Scan(&a.ID, &a.TenantID, &a.Name, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get aoi: %w", err)
	}
	return &a, nil
}

// ListRefs returns (tenant, aoi) pairs, oldest AOIs first. A nil tenant spans
// all tenants; that path is reserved for operator-triggered sweeps.
func (s *Store) ListRefs(ctx context.Context, tenantID *uuid.UUID) ([]Ref, error) {
	q := `SELECT id, tenant_id FROM aois ORDER BY created_at ASC`
	args := []any{}
	if tenantID != nil {
		q = `SELECT id, tenant_id FROM aois WHERE tenant_id = $1 ORDER BY created_at ASC`
		args = append(args, *tenantID)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list aois: %w", err)
	}
	defer rows.Close()

	var out []Ref
	for rows.Next() {
		var r Ref
		if err := rows.Scan(&r.ID, &r.TenantID); err != nil {
			return nil, fmt.Errorf("scan aoi ref: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
