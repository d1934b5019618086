package worker

import (
	"context"
	"fmt"

	"github.com/croplens/croplens/internal/jobs"
)

// OutcomeKind classifies how an attempt ended. NoData is deliberately not a
// failure: the handler ran to completion and determined there is nothing to
// compute (e.g. no cloud-free imagery for the week). That classification is
// an explicit handler decision, never inferred from error text.
type OutcomeKind string

const (
	OutcomeDone   OutcomeKind = "done"
	OutcomeNoData OutcomeKind = "no_data"
	OutcomeFailed OutcomeKind = "failed"
)

// Outcome is what a handler reports back to the claim loop.
type Outcome struct {
	Kind      OutcomeKind
	Reason    string         // NoData detail
	Err       error          // set when Kind == OutcomeFailed
	Retryable bool           // meaningful only when Kind == OutcomeFailed
	Metrics   map[string]any // duration, rows written, provider calls
}

func Done(metrics map[string]any) Outcome {
	return Outcome{Kind: OutcomeDone, Metrics: metrics}
}

func NoData(reason string) Outcome {
	return Outcome{Kind: OutcomeNoData, Reason: reason}
}

func Fail(err error, retryable bool) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err, Retryable: retryable}
}

// Handler executes one job. It must be idempotent: crash recovery re-invokes
// handlers, and derived data is upserted keyed by the same tuple as the job
// key, so re-execution converges instead of duplicating.
type Handler interface {
	Handle(ctx context.Context, job jobs.Job) Outcome
}

type HandlerFunc func(ctx context.Context, job jobs.Job) Outcome

func (f HandlerFunc) Handle(ctx context.Context, job jobs.Job) Outcome { return f(ctx, job) }

// Registry maps job types to handlers. It is built once at startup and read
// concurrently afterwards; there is no dynamic registration.
type Registry struct {
	handlers map[jobs.JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[jobs.JobType]Handler{}}
}

func (r *Registry) Register(t jobs.JobType, h Handler) error {
	if !t.Valid() {
		return fmt.Errorf("registry: unknown job type %q", t)
	}
	if _, dup := r.handlers[t]; dup {
		return fmt.Errorf("registry: handler for %s already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// MustRegister is for static wiring in main; a duplicate registration there
// is a programming error.
func (r *Registry) MustRegister(t jobs.JobType, h Handler) {
	if err := r.Register(t, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(t jobs.JobType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}
