package jobs

import (
	"testing"

	"github.com/google/uuid"
)

func TestComputeJobKey_Deterministic(t *testing.T) {
	tenant := uuid.New()
	aoi := uuid.New()
	payload := map[string]any{"year": 2026, "week": 5}

	k1, err := ComputeJobKey(tenant, &aoi, TypeProcessWeek, payload)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := ComputeJobKey(tenant, &aoi, TypeProcessWeek, map[string]any{"week": 5, "year": 2026})
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatalf("keys differ for same event: %s vs %s", k1, k2)
	}
}

func TestComputeJobKey_ChangesWithInputs(t *testing.T) {
	tenant := uuid.New()
	aoi := uuid.New()
	payload := map[string]any{"year": 2026, "week": 5}

	base, _ := ComputeJobKey(tenant, &aoi, TypeProcessWeek, payload)

	otherWeek, _ := ComputeJobKey(tenant, &aoi, TypeProcessWeek, map[string]any{"year": 2026, "week": 6})
	if base == otherWeek {
		t.Fatalf("expected different keys when week changes")
	}

	otherType, _ := ComputeJobKey(tenant, &aoi, TypeProcessRadarWeek, payload)
	if base == otherType {
		t.Fatalf("expected different keys when job type changes")
	}

	otherTenant, _ := ComputeJobKey(uuid.New(), &aoi, TypeProcessWeek, payload)
	if base == otherTenant {
		t.Fatalf("expected different keys when tenant changes")
	}

	noAOI, _ := ComputeJobKey(tenant, nil, TypeProcessWeek, payload)
	if base == noAOI {
		t.Fatalf("expected different keys when aoi is absent")
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusDone, true},
		{StatusRunning, StatusNoData, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, true}, // retry release / reclaim
		{StatusFailed, StatusPending, true},  // operator retry
		{StatusPending, StatusDone, false},
		{StatusDone, StatusPending, false},
		{StatusDone, StatusRunning, false},
		{StatusNoData, StatusPending, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestWeekOrdering(t *testing.T) {
	a := Week{Year: 2025, Week: 52}
	b := Week{Year: 2026, Week: 1}
	if !a.Before(b) {
		t.Fatalf("expected %s before %s", a, b)
	}
	if b.Before(a) {
		t.Fatalf("did not expect %s before %s", b, a)
	}
	if got := b.String(); got != "2026-W01" {
		t.Fatalf("String() = %q", got)
	}
}
