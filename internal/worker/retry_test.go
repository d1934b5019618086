package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/croplens/croplens/internal/jobs"
)

func TestDecide_TransientRetriesUntilBudgetSpent(t *testing.T) {
	p := RetryPolicy{DefaultMaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	oc := Fail(errors.New("provider timeout"), true)

	d1 := p.Decide(jobs.TypeProcessWeek, 1, oc)
	if !d1.Retry || d1.Delay != time.Second {
		t.Fatalf("attempt 1: got %+v, want retry after 1s", d1)
	}
	d2 := p.Decide(jobs.TypeProcessWeek, 2, oc)
	if !d2.Retry || d2.Delay != 2*time.Second {
		t.Fatalf("attempt 2: got %+v, want retry after 2s", d2)
	}
	d3 := p.Decide(jobs.TypeProcessWeek, 3, oc)
	if d3.Retry {
		t.Fatalf("attempt 3 of 3: got retry, want terminate")
	}
}

func TestDecide_PermanentTerminatesImmediately(t *testing.T) {
	p := DefaultRetryPolicy()
	d := p.Decide(jobs.TypeProcessWeek, 1, Fail(errors.New("malformed payload"), false))
	if d.Retry {
		t.Fatalf("permanent error must not retry")
	}
}

func TestDecide_NonFailureNeverRetries(t *testing.T) {
	p := DefaultRetryPolicy()
	if d := p.Decide(jobs.TypeProcessWeek, 1, Done(nil)); d.Retry {
		t.Fatalf("done outcome must not retry")
	}
	if d := p.Decide(jobs.TypeProcessWeek, 1, NoData("cloud cover")); d.Retry {
		t.Fatalf("no-data outcome must not retry")
	}
}

func TestDecide_PerTypeBudgetOverridesDefault(t *testing.T) {
	p := RetryPolicy{
		DefaultMaxAttempts: 3,
		MaxAttempts:        map[jobs.JobType]int{jobs.TypeForecastWeek: 5},
		BaseDelay:          time.Second,
	}
	oc := Fail(errors.New("rate limited"), true)
	if d := p.Decide(jobs.TypeForecastWeek, 4, oc); !d.Retry {
		t.Fatalf("attempt 4 of 5 should retry")
	}
	if d := p.Decide(jobs.TypeForecastWeek, 5, oc); d.Retry {
		t.Fatalf("attempt 5 of 5 should terminate")
	}
}

func TestBackoff_CappedAtMaxDelay(t *testing.T) {
	p := RetryPolicy{DefaultMaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	oc := Fail(errors.New("flaky"), true)
	d := p.Decide(jobs.TypeProcessWeek, 9, oc)
	if !d.Retry || d.Delay != 30*time.Second {
		t.Fatalf("got %+v, want delay capped at 30s", d)
	}
}

func TestTimeouts_ForFallsBack(t *testing.T) {
	ts := Timeouts{
		Default: 2 * time.Minute,
		PerType: map[jobs.JobType]time.Duration{jobs.TypeCreateMosaic: 20 * time.Minute},
	}
	if got := ts.For(jobs.TypeCreateMosaic); got != 20*time.Minute {
		t.Fatalf("per-type timeout: got %v", got)
	}
	if got := ts.For(jobs.TypeProcessWeek); got != 2*time.Minute {
		t.Fatalf("default timeout: got %v", got)
	}
}
