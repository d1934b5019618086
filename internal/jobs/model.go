package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType is the closed set of work the orchestrator knows how to dispatch.
// Each type maps to exactly one registered handler.
type JobType string

const (
	TypeProcessWeek       JobType = "PROCESS_WEEK"
	TypeProcessRadarWeek  JobType = "PROCESS_RADAR_WEEK"
	TypeProcessWeather    JobType = "PROCESS_WEATHER"
	TypeProcessTopography JobType = "PROCESS_TOPOGRAPHY"
	TypeBackfill          JobType = "BACKFILL"
	TypeAlertsWeek        JobType = "ALERTS_WEEK"
	TypeSignalsWeek       JobType = "SIGNALS_WEEK"
	TypeForecastWeek      JobType = "FORECAST_WEEK"
	TypeCreateMosaic      JobType = "CREATE_MOSAIC"
	TypeWarmCache         JobType = "WARM_CACHE"
)

var allTypes = map[JobType]bool{
	TypeProcessWeek:       true,
	TypeProcessRadarWeek:  true,
	TypeProcessWeather:    true,
	TypeProcessTopography: true,
	TypeBackfill:          true,
	TypeAlertsWeek:        true,
	TypeSignalsWeek:       true,
	TypeForecastWeek:      true,
	TypeCreateMosaic:      true,
	TypeWarmCache:         true,
}

func (t JobType) Valid() bool { return allTypes[t] }

// BackfillTypes is the fixed fan-out set for a new AOI: one weekly job per
// data source for every week in the lookback window.
var BackfillTypes = []JobType{
	TypeProcessWeek,
	TypeProcessRadarWeek,
	TypeProcessWeather,
	TypeProcessTopography,
}

type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusNoData  Status = "NO_DATA"
	StatusFailed  Status = "FAILED"
)

// validTransitions encodes the forward-only state machine. RUNNING may fall
// back to PENDING on a retry release or a stale-claim reclaim, and FAILED may
// re-enter PENDING through an explicit operator retry. NO_DATA is terminal
// like DONE: the handler ran and there was legitimately nothing to compute.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusDone, StatusNoData, StatusFailed, StatusPending},
	StatusFailed:  {StatusPending},
}

func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a job in this status will never run again without
// operator action.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusNoData || s == StatusFailed
}

// Job is one unit of asynchronous work. Rows are never deleted; once the
// status is terminal the row is immutable except for an operator retry of a
// FAILED job.
type Job struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	AOIID        *uuid.UUID     `json:"aoi_id,omitempty"`
	Type         JobType        `json:"job_type"`
	JobKey       string         `json:"job_key"`
	Status       Status         `json:"status"`
	Payload      map[string]any `json:"payload"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunNoData    RunStatus = "no_data"
	RunFailed    RunStatus = "failed"
	RunAbandoned RunStatus = "abandoned"
)

// JobRun is one execution attempt of a Job. The ledger is append-only: a run
// is inserted when a worker claims the job and finalized exactly once.
type JobRun struct {
	ID         int64          `json:"id"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	JobID      uuid.UUID      `json:"job_id"`
	Attempt    int            `json:"attempt"`
	Status     RunStatus      `json:"status"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	Error      map[string]any `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Week is an ISO 8601 (year, week) pair, the temporal coordinate of weekly
// jobs and coverage markers.
type Week struct {
	Year int `json:"year"`
	Week int `json:"week"`
}

func WeekOf(t time.Time) Week {
	y, w := t.UTC().ISOWeek()
	return Week{Year: y, Week: w}
}

func (w Week) String() string { return fmt.Sprintf("%04d-W%02d", w.Year, w.Week) }

func (w Week) Before(o Week) bool {
	if w.Year != o.Year {
		return w.Year < o.Year
	}
	return w.Week < o.Week
}

// WeekPayload is the payload shape of weekly jobs.
func WeekPayload(w Week) map[string]any {
	return map[string]any{"year": w.Year, "week": w.Week}
}
