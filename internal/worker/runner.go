package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/croplens/croplens/internal/jobs"
	"github.com/croplens/croplens/internal/queue"
)

// JobStore is the slice of the job store the claim loop mutates.
type JobStore interface {
	ClaimJob(ctx context.Context, tenantID, jobID uuid.UUID) (*jobs.Job, bool, error)
	FinishJob(ctx context.Context, tenantID, jobID uuid.UUID, status jobs.Status, errMsg *string) error
	ReleaseForRetry(ctx context.Context, tenantID, jobID uuid.UUID) error
	StartRun(ctx context.Context, tenantID, jobID uuid.UUID) (*jobs.JobRun, error)
	FinishRun(ctx context.Context, p jobs.FinishRunParams) error
}

// Broker is the slice of the dispatch bridge the claim loop consumes from.
type Broker interface {
	EnsureGroups(ctx context.Context) error
	ReadBatch(ctx context.Context, consumer string, count int64, block time.Duration, streams ...string) ([]queue.Delivery, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	PublishRetry(ctx context.Context, msg queue.Message, availableAt time.Time) error
	PublishDLQ(ctx context.Context, msg queue.Message, errText string) error
}

type Options struct {
	Streams     queue.Streams
	Consumer    string
	Concurrency int
	BatchSize   int64
	Policy      RetryPolicy
	Timeouts    Timeouts
	Logger      *log.Logger
}

// Runner is the worker claim loop: it receives pointer messages, claims the
// referenced job with a single conditional update, runs the registered
// handler under a per-type timeout, and records the outcome. Duplicate
// deliveries lose the claim and are acknowledged without side effects, which
// is what turns at-least-once delivery into at-most-once execution per claim.
type Runner struct {
	store    JobStore
	broker   Broker
	registry *Registry
	opts     Options
	now      func() time.Time
}

func NewRunner(store JobStore, broker Broker, registry *Registry, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Runner{store: store, broker: broker, registry: registry, opts: opts, now: time.Now}
}

// Start launches the worker pool and returns. Workers stop when ctx is
// cancelled; in-flight handlers run to completion or timeout.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.broker.EnsureGroups(ctx); err != nil {
		return fmt.Errorf("ensure consumer groups: %w", err)
	}
	for i := 0; i < r.opts.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", r.opts.Consumer, i)
		go r.consume(ctx, consumer)
	}
	return nil
}

func (r *Runner) consume(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, err := r.broker.ReadBatch(ctx, consumer, r.opts.BatchSize, 5*time.Second,
			r.opts.Streams.Dispatch, r.opts.Streams.Retry)
		if err != nil {
			r.opts.Logger.Printf("worker %s: read error: %v", consumer, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		for _, d := range deliveries {
			r.Process(ctx, d)
		}
	}
}

// Process handles one delivery end to end. Exported for tests.
func (r *Runner) Process(ctx context.Context, d queue.Delivery) {
	msg := d.Msg
	if msg.JobID == uuid.Nil || msg.TenantID == uuid.Nil {
		r.ack(ctx, d)
		r.opts.Logger.Printf("dropping malformed message stream=%s id=%s", d.Stream, d.ID)
		return
	}

	// Deferred retry not yet due: push it back and ack this copy.
	if d.Stream == r.opts.Streams.Retry && msg.AvailableAtMS > 0 {
		if r.now().UnixMilli() < msg.AvailableAtMS {
			if err := r.broker.PublishRetry(ctx, msg, time.UnixMilli(msg.AvailableAtMS)); err != nil {
				r.opts.Logger.Printf("re-defer failed job_id=%s: %v", msg.JobID, err)
				return // not acked; redelivery keeps it alive
			}
			r.ack(ctx, d)
			return
		}
	}

	job, claimed, err := r.store.ClaimJob(ctx, msg.TenantID, msg.JobID)
	if err != nil {
		// Infrastructure failure: neither claimed nor acked. The queue's own
		// redelivery (bounded by its dead-letter policy) handles recovery.
		r.opts.Logger.Printf("claim error job_id=%s: %v", msg.JobID, err)
		return
	}
	if !claimed {
		// Duplicate delivery of an already-claimed or finished job.
		r.ack(ctx, d)
		return
	}

	run, err := r.store.StartRun(ctx, job.TenantID, job.ID)
	if err != nil {
		r.opts.Logger.Printf("start run failed job_id=%s: %v", job.ID, err)
		if rerr := r.store.ReleaseForRetry(ctx, job.TenantID, job.ID); rerr != nil {
			r.opts.Logger.Printf("release after run-insert failure job_id=%s: %v", job.ID, rerr)
		}
		return
	}

	outcome := r.execute(ctx, *job)
	r.finalize(ctx, d, *job, run, outcome)
}

func (r *Runner) execute(ctx context.Context, job jobs.Job) (oc Outcome) {
	handler, ok := r.registry.Lookup(job.Type)
	if !ok {
		// No handler is a deployment bug, not a transient condition.
		return Fail(fmt.Errorf("no handler registered for job type %s", job.Type), false)
	}

	timeout := r.opts.Timeouts.For(job.Type)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			oc = Fail(fmt.Errorf("handler panic: %v", p), false)
		}
	}()

	started := r.now()
	oc = handler.Handle(cctx, job)
	if oc.Kind == OutcomeFailed && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		// Timeouts are transient by definition; the handler is abandonable.
		oc = Fail(fmt.Errorf("handler timed out after %v: %w", timeout, oc.Err), true)
	}
	if oc.Metrics == nil {
		oc.Metrics = map[string]any{}
	}
	oc.Metrics["duration_ms"] = r.now().Sub(started).Milliseconds()
	return oc
}

func (r *Runner) finalize(ctx context.Context, d queue.Delivery, job jobs.Job, run *jobs.JobRun, oc Outcome) {
	switch oc.Kind {
	case OutcomeDone:
		r.finishRun(ctx, job, run, jobs.RunSuccess, oc.Metrics, nil)
		r.finishJob(ctx, job, jobs.StatusDone, nil)
		r.ack(ctx, d)

	case OutcomeNoData:
		metrics := oc.Metrics
		if oc.Reason != "" {
			metrics["no_data_reason"] = oc.Reason
		}
		r.finishRun(ctx, job, run, jobs.RunNoData, metrics, nil)
		r.finishJob(ctx, job, jobs.StatusNoData, nil)
		r.ack(ctx, d)

	case OutcomeFailed:
		errDetail := map[string]any{
			"message":   oc.Err.Error(),
			"retryable": oc.Retryable,
		}
		r.finishRun(ctx, job, run, jobs.RunFailed, oc.Metrics, errDetail)

		dec := r.opts.Policy.Decide(job.Type, run.Attempt, oc)
		if dec.Retry {
			if err := r.store.ReleaseForRetry(ctx, job.TenantID, job.ID); err != nil {
				r.opts.Logger.Printf("release for retry failed job_id=%s: %v", job.ID, err)
			}
			retryMsg := queue.Message{
				TenantID: job.TenantID,
				JobID:    job.ID,
				Attempt:  run.Attempt,
				Error:    oc.Err.Error(),
			}
			if err := r.broker.PublishRetry(ctx, retryMsg, r.now().Add(dec.Delay)); err != nil {
				// Job is PENDING again; the dispatch sweep will redeliver.
				r.opts.Logger.Printf("publish retry failed job_id=%s: %v", job.ID, err)
			}
			r.ack(ctx, d)
			return
		}

		errText := oc.Err.Error()
		r.finishJob(ctx, job, jobs.StatusFailed, &errText)
		if err := r.broker.PublishDLQ(ctx, queue.Message{
			TenantID: job.TenantID, JobID: job.ID, Attempt: run.Attempt,
		}, errText); err != nil {
			r.opts.Logger.Printf("publish dlq failed job_id=%s: %v", job.ID, err)
		}
		r.ack(ctx, d)
	}
}

func (r *Runner) finishRun(ctx context.Context, job jobs.Job, run *jobs.JobRun, status jobs.RunStatus, metrics, errDetail map[string]any) {
	err := r.store.FinishRun(ctx, jobs.FinishRunParams{
		TenantID: job.TenantID,
		RunID:    run.ID,
		Status:   status,
		Metrics:  metrics,
		Error:    errDetail,
	})
	if err != nil {
		r.opts.Logger.Printf("finish run failed job_id=%s run_id=%d: %v", job.ID, run.ID, err)
	}
}

func (r *Runner) finishJob(ctx context.Context, job jobs.Job, status jobs.Status, errMsg *string) {
	if err := r.store.FinishJob(ctx, job.TenantID, job.ID, status, errMsg); err != nil {
		// Lost the claim to a reclaim sweep mid-flight; the re-execution wins.
		r.opts.Logger.Printf("finish job failed job_id=%s status=%s: %v", job.ID, status, err)
	}
}

func (r *Runner) ack(ctx context.Context, d queue.Delivery) {
	if err := r.broker.Ack(ctx, d.Stream, d.ID); err != nil {
		r.opts.Logger.Printf("ack failed stream=%s id=%s: %v", d.Stream, d.ID, err)
	}
}
