package jobs_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/croplens/croplens/internal/db"
	"github.com/croplens/croplens/internal/jobs"
)

func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("croplens_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, db.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func createParams(tenantID uuid.UUID) jobs.CreateJobParams {
	aoiID := uuid.New()
	payload := jobs.WeekPayload(jobs.Week{Year: 2026, Week: 7})
	key, _ := jobs.ComputeJobKey(tenantID, &aoiID, jobs.TypeProcessWeek, payload)
	return jobs.CreateJobParams{
		TenantID: tenantID,
		AOIID:    &aoiID,
		Type:     jobs.TypeProcessWeek,
		JobKey:   key,
		Payload:  payload,
	}
}

func TestCreateJob_IdempotentByKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	store := jobs.NewStore(setupTestDB(t))

	p := createParams(uuid.New())
	first, created, err := store.CreateJob(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, jobs.StatusPending, first.Status)

	for i := 0; i < 3; i++ {
		again, created, err := store.CreateJob(ctx, p)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestClaimJob_ExactlyOneWinner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	store := jobs.NewStore(setupTestDB(t))

	p := createParams(uuid.New())
	job, _, err := store.CreateJob(ctx, p)
	require.NoError(t, err)

	const claimants = 8
	var wg sync.WaitGroup
	wins := make(chan bool, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := store.ClaimJob(ctx, job.TenantID, job.ID)
			if err == nil && claimed {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	assert.Equal(t, 1, won, "exactly one concurrent claimant may win")
}

func TestFinishJob_EnforcesStateMachine(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	store := jobs.NewStore(setupTestDB(t))

	job, _, err := store.CreateJob(ctx, createParams(uuid.New()))
	require.NoError(t, err)

	// PENDING job cannot be finished.
	err = store.FinishJob(ctx, job.TenantID, job.ID, jobs.StatusDone, nil)
	require.ErrorIs(t, err, jobs.ErrNotFound)

	_, claimed, err := store.ClaimJob(ctx, job.TenantID, job.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// PENDING is not a terminal status.
	err = store.FinishJob(ctx, job.TenantID, job.ID, jobs.StatusPending, nil)
	require.ErrorIs(t, err, jobs.ErrInvalidTransition)

	msg := "transient glitch"
	require.NoError(t, store.FinishJob(ctx, job.TenantID, job.ID, jobs.StatusFailed, &msg))

	got, err := store.GetJob(ctx, job.TenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, msg, *got.ErrorMessage)

	// Terminal rows are immutable to the worker path.
	err = store.FinishJob(ctx, job.TenantID, job.ID, jobs.StatusDone, nil)
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestRetryFailed_PreservesRunHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	store := jobs.NewStore(setupTestDB(t))

	job, _, err := store.CreateJob(ctx, createParams(uuid.New()))
	require.NoError(t, err)

	// Not FAILED yet: conflict.
	_, err = store.RetryFailed(ctx, job.TenantID, job.ID)
	require.ErrorIs(t, err, jobs.ErrInvalidTransition)

	_, _, err = store.ClaimJob(ctx, job.TenantID, job.ID)
	require.NoError(t, err)
	run, err := store.StartRun(ctx, job.TenantID, job.ID)
	require.NoError(t, err)
	require.NoError(t, store.FinishRun(ctx, jobs.FinishRunParams{
		TenantID: job.TenantID, RunID: run.ID, Status: jobs.RunFailed,
		Error: map[string]any{"message": "boom"},
	}))
	msg := "boom"
	require.NoError(t, store.FinishJob(ctx, job.TenantID, job.ID, jobs.StatusFailed, &msg))

	retried, err := store.RetryFailed(ctx, job.TenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, retried.Status)

	runs, err := store.ListRuns(ctx, job.TenantID, job.ID, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "operator retry keeps the ledger")

	// The next attempt numbers from the preserved history.
	_, _, err = store.ClaimJob(ctx, job.TenantID, job.ID)
	require.NoError(t, err)
	run2, err := store.StartRun(ctx, job.TenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, run2.Attempt)
}

func TestStartRun_AttemptNumberingSurvivesRestarts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	store := jobs.NewStore(setupTestDB(t))

	job, _, err := store.CreateJob(ctx, createParams(uuid.New()))
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		run, err := store.StartRun(ctx, job.TenantID, job.ID)
		require.NoError(t, err)
		assert.Equal(t, want, run.Attempt)
		require.NoError(t, store.FinishRun(ctx, jobs.FinishRunParams{
			TenantID: job.TenantID, RunID: run.ID, Status: jobs.RunFailed,
		}))
		// Double finalization is rejected.
		err = store.FinishRun(ctx, jobs.FinishRunParams{
			TenantID: job.TenantID, RunID: run.ID, Status: jobs.RunSuccess,
		})
		require.ErrorIs(t, err, jobs.ErrNotFound)
	}

	n, err := store.CountRuns(ctx, job.TenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReclaimStale_ReturnsJobAndAbandonsRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	pool := setupTestDB(t)
	store := jobs.NewStore(pool)

	job, _, err := store.CreateJob(ctx, createParams(uuid.New()))
	require.NoError(t, err)
	_, _, err = store.ClaimJob(ctx, job.TenantID, job.ID)
	require.NoError(t, err)
	_, err = store.StartRun(ctx, job.TenantID, job.ID)
	require.NoError(t, err)

	// Age the claim past the threshold.
	_, err = pool.Exec(ctx,
		`UPDATE jobs SET updated_at = now() - interval '1 hour' WHERE id = $1`, job.ID)
	require.NoError(t, err)

	reclaimed, err := store.ReclaimStale(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, job.ID, reclaimed[0].ID)
	assert.Equal(t, jobs.StatusPending, reclaimed[0].Status)

	runs, err := store.ListRuns(ctx, job.TenantID, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, jobs.RunAbandoned, runs[0].Status)
	assert.NotNil(t, runs[0].FinishedAt)

	// A fresh claim (simulating redelivery) wins again.
	_, claimed, err := store.ClaimJob(ctx, job.TenantID, job.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestListUndispatched_FindsOnlyAgedPending(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	pool := setupTestDB(t)
	store := jobs.NewStore(pool)

	tenantID := uuid.New()
	stale, _, err := store.CreateJob(ctx, createParams(tenantID))
	require.NoError(t, err)
	_, _, err = store.CreateJob(ctx, createParams(tenantID)) // fresh
	require.NoError(t, err)

	_, err = pool.Exec(ctx,
		`UPDATE jobs SET updated_at = now() - interval '10 minutes' WHERE id = $1`, stale.ID)
	require.NoError(t, err)

	got, err := store.ListUndispatched(ctx, time.Minute, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func TestListJobs_FiltersAndPaginates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	store := jobs.NewStore(setupTestDB(t))

	tenantID := uuid.New()
	otherTenant := uuid.New()
	for i := 0; i < 5; i++ {
		_, _, err := store.CreateJob(ctx, createParams(tenantID))
		require.NoError(t, err)
	}
	_, _, err := store.CreateJob(ctx, createParams(otherTenant))
	require.NoError(t, err)

	list, total, err := store.ListJobs(ctx, jobs.JobFilter{
		TenantID: tenantID, Status: jobs.StatusPending, Limit: 2, Page: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, list, 2)
	for _, j := range list {
		assert.Equal(t, tenantID, j.TenantID)
	}

	depth, err := store.QueueDepth(ctx, &tenantID)
	require.NoError(t, err)
	require.Len(t, depth, 1)
	assert.Equal(t, jobs.TypeProcessWeek, depth[0].Type)
	assert.Equal(t, int64(5), depth[0].Count)
}

func TestWithSweepLock_SkipsWhenHeld(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	store := jobs.NewStore(setupTestDB(t))

	hold := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = store.WithSweepLock(ctx, "test-sweep", func(*jobs.Store) error {
			close(hold)
			<-release
			return nil
		})
	}()
	<-hold

	ran, err := store.WithSweepLock(ctx, "test-sweep", func(*jobs.Store) error { return nil })
	require.NoError(t, err)
	assert.False(t, ran, "second sweeper must skip while the lock is held")
	close(release)
}
