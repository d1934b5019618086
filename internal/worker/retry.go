package worker

import (
	"time"

	"github.com/croplens/croplens/internal/jobs"
)

// RetryPolicy decides, after a failed attempt, whether the job goes back on
// the queue with a delay or becomes terminally FAILED. The attempt number it
// judges comes from the run ledger, so the bound holds across process
// restarts.
type RetryPolicy struct {
	DefaultMaxAttempts int
	MaxAttempts        map[jobs.JobType]int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		DefaultMaxAttempts: 3,
		BaseDelay:          time.Second,
		MaxDelay:           30 * time.Second,
	}
}

type Decision struct {
	Retry bool
	Delay time.Duration
}

func (p RetryPolicy) maxFor(t jobs.JobType) int {
	if n, ok := p.MaxAttempts[t]; ok && n > 0 {
		return n
	}
	if p.DefaultMaxAttempts > 0 {
		return p.DefaultMaxAttempts
	}
	return 3
}

// Decide classifies the outcome of attempt number attempt (1-based).
// Permanent errors terminate immediately; transient ones retry with
// exponential backoff until the per-type attempt budget is spent.
func (p RetryPolicy) Decide(t jobs.JobType, attempt int, oc Outcome) Decision {
	if oc.Kind != OutcomeFailed {
		return Decision{}
	}
	if !oc.Retryable {
		return Decision{}
	}
	if attempt >= p.maxFor(t) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.backoff(attempt)}
}

// backoff doubles per attempt from BaseDelay, capped at MaxDelay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	d := base << shift
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// Timeouts bounds handler execution per job type. On expiry the claim loop
// records a transient failure; handlers must be safely abandonable because
// idempotent re-execution, not cooperative cleanup, is the recovery
// mechanism.
type Timeouts struct {
	Default time.Duration
	PerType map[jobs.JobType]time.Duration
}

func (t Timeouts) For(jt jobs.JobType) time.Duration {
	if d, ok := t.PerType[jt]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return 10 * time.Minute
}
